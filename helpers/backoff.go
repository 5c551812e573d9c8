package helpers

import (
	"sync/atomic"
	"time"

	"github.com/temoto/telenode/helpers/atomic_clock"
)

// Limited exponential backoff for retry delays, measured on monotonic ticks.
// No delay until first Failure(). Each next Failure() multiplies delay by K.
// Zero Max disables backoff, Remaining() is always 0.
type Backoff struct {
	next int64 // atomic align, atomic_clock.Tick
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
}

func (b *Backoff) Enabled() bool { return b != nil && b.Max > 0 }

// Delay returns wait required after last failure.
func (b *Backoff) Delay() time.Duration {
	if !b.Enabled() {
		return 0
	}
	return atomic_clock.Tick(atomic.LoadInt64(&b.next)).Duration()
}

// Remaining returns how long caller must still wait at `now` before next attempt.
// Use scenario:
//
//	if backoff.Remaining(now) == 0 {
//		err := op()
//		backoff.Update(now, err == nil)
//	}
func (b *Backoff) Remaining(now atomic_clock.Tick) time.Duration {
	next := atomic_clock.FromDuration(b.Delay())
	if next == 0 {
		return 0
	}
	since := b.last.Elapsed(now)
	if since >= next {
		return 0
	}
	return (next - since).Duration()
}

// Increase next delay.
func (b *Backoff) Failure(now atomic_clock.Tick) {
	if !b.Enabled() {
		return
	}
	next := atomic_clock.Tick(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = atomic_clock.FromDuration(b.Min)
	} else {
		k := b.K
		if k <= 1 {
			k = 2
		}
		next = atomic_clock.Tick(float32(next) * k)
	}
	b.last.Set(now)
	atomic.StoreInt64(&b.next, int64(b.limit(next)))
}

func (b *Backoff) Reset(now atomic_clock.Tick) {
	if b == nil {
		return
	}
	b.last.Set(now)
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) Update(now atomic_clock.Tick, success bool) {
	if success {
		b.Reset(now)
	} else {
		b.Failure(now)
	}
}

func (b *Backoff) limit(t atomic_clock.Tick) atomic_clock.Tick {
	if min := atomic_clock.FromDuration(b.Min); t < min {
		t = min
	}
	if max := atomic_clock.FromDuration(b.Max); t > max {
		t = max
	}
	// millisecond resolution for nice logs
	return t / atomic_clock.Millisecond * atomic_clock.Millisecond
}
