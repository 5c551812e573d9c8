// Package clock keeps wall time between synchronizations by extrapolating
// last synchronized anchor with monotonic ticks.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/log2"
)

const DefaultResyncInterval = 1 * time.Hour

// Querier obtains current Unix epoch seconds from external source, e.g. *sntp.Client bound to server name.
type Querier interface {
	QueryUnix(timeout time.Duration) (int64, error)
}

type QuerierFunc func(timeout time.Duration) (int64, error)

func (f QuerierFunc) QueryUnix(timeout time.Duration) (int64, error) { return f(timeout) }

// Anchor is (tick, epoch) pair recorded at last successful synchronization.
type Anchor struct {
	Tick  atomic_clock.Tick
	Epoch int64
}

type Options struct {
	ResyncInterval time.Duration
	// RetryBackoff paces resync after failures, zero value retries every tick.
	RetryBackoff *helpers.Backoff
	Log          *log2.Log
}

type Clock struct {
	anchor      atomic.Value // Anchor
	lastAttempt atomic_clock.Clock
	attempts    uint32
	failures    uint32

	querier        Querier
	resyncInterval atomic_clock.Tick
	backoff        *helpers.Backoff
	log            *log2.Log
}

func New(q Querier, opt Options) *Clock {
	if opt.ResyncInterval <= 0 {
		opt.ResyncInterval = DefaultResyncInterval
	}
	return &Clock{
		querier:        q,
		resyncInterval: atomic_clock.FromDuration(opt.ResyncInterval),
		backoff:        opt.RetryBackoff,
		log:            opt.Log,
	}
}

// Anchor returns consistent copy of current anchor, ok=false before first successful sync.
func (c *Clock) Anchor() (Anchor, bool) {
	a, ok := c.anchor.Load().(Anchor)
	return a, ok
}

func (c *Clock) Synced() bool {
	_, ok := c.Anchor()
	return ok
}

// Now returns epoch seconds at monotonic tick `mono`:
// anchor.Epoch + floor((mono - anchor.Tick) / 1s). Zero before first sync.
func (c *Clock) Now(mono atomic_clock.Tick) int64 {
	a, ok := c.Anchor()
	if !ok {
		return 0
	}
	return a.Epoch + int64(floorDiv(mono-a.Tick, atomic_clock.Second))
}

func (c *Clock) LastAttempt() atomic_clock.Tick { return c.lastAttempt.Get() }

func (c *Clock) Stat() (attempts, failures uint32) {
	return atomic.LoadUint32(&c.attempts), atomic.LoadUint32(&c.failures)
}

// ResyncDue reports whether orchestrator should call Resync at `mono`.
// Interval counts from last successful sync, so failed resync stays due.
func (c *Clock) ResyncDue(mono atomic_clock.Tick) bool {
	a, ok := c.Anchor()
	if ok && mono-a.Tick <= c.resyncInterval {
		return false
	}
	return c.backoff.Remaining(mono) == 0
}

// Resync queries time source once. Success installs new anchor (single atomic store).
// Failure keeps anchor. Both record `mono` as last attempt.
func (c *Clock) Resync(mono atomic_clock.Tick, timeout time.Duration) bool {
	c.lastAttempt.Set(mono)
	atomic.AddUint32(&c.attempts, 1)
	epoch, err := c.querier.QueryUnix(timeout)
	if err != nil {
		atomic.AddUint32(&c.failures, 1)
		c.backoff.Failure(mono)
		c.log.Errorf("clock resync err=%v next_delay=%v", err, c.backoff.Delay())
		return false
	}
	prev, had := c.Anchor()
	next := Anchor{Tick: mono, Epoch: epoch}
	c.anchor.Store(next)
	c.backoff.Reset(mono)
	if had {
		drift := epoch - (prev.Epoch + int64(floorDiv(mono-prev.Tick, atomic_clock.Second)))
		c.log.Infof("clock resync epoch=%d drift=%ds", epoch, drift)
	} else {
		c.log.Infof("clock synchronized epoch=%d", epoch)
	}
	return true
}

func floorDiv(a, b atomic_clock.Tick) atomic_clock.Tick {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
