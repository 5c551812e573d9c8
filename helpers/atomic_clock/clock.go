// Package atomic_clock is convenient API around atomic int64 monotonic counter.
// Tick is microseconds since arbitrary origin (process start), unaffected by wall clock adjustments.
// Use for interval accounting. Never use to derive calendar time.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Tick int64

const (
	Microsecond Tick = 1
	Millisecond Tick = 1000
	Second      Tick = 1000000
)

func FromDuration(d time.Duration) Tick { return Tick(d / time.Microsecond) }
func (t Tick) Duration() time.Duration  { return time.Duration(t) * time.Microsecond }

// Counter is source of monotonic ticks.
type Counter interface {
	Now() Tick
}

// Clock is atomic cell holding one Tick, e.g. time of last attempt.
type Clock struct{ v int64 }

func (c *Clock) get() int64         { return atomic.LoadInt64(&c.v) }
func (c *Clock) set(new int64)      { atomic.StoreInt64(&c.v, new) }
func (c *Clock) cas(old, new int64) { atomic.CompareAndSwapInt64(&c.v, old, new) }

func (c *Clock) IsZero() bool { return c.get() == 0 }

func (c *Clock) Get() Tick             { return Tick(c.get()) }
func (c *Clock) Set(new Tick)          { c.set(int64(new)) }
func (c *Clock) SetIfZero(new Tick)    { c.cas(0, int64(new)) }
func (c *Clock) SetNow()               { c.set(source()) }
func (c *Clock) Sub(begin *Clock) Tick { return Tick(c.get() - begin.get()) }

// Elapsed returns now-c, the value to compare against intervals.
func (c *Clock) Elapsed(now Tick) Tick { return now - Tick(c.get()) }

func New(v Tick) *Clock { return &Clock{v: int64(v)} }
func Now() *Clock       { return &Clock{v: source()} }

func Since(begin *Clock) time.Duration { return Tick(source() - begin.get()).Duration() }
func Source() Tick                     { return Tick(source()) }

type system struct{}

func (system) Now() Tick { return Tick(source()) }

// System counter reads monotonic clock of the host.
var System Counter = system{}

// Manual counter is moved only by Set/Add, for deterministic tests and simulations.
type Manual struct{ c Clock }

func NewManual(start Tick) *Manual {
	m := &Manual{}
	m.c.Set(start)
	return m
}

func (m *Manual) Now() Tick                    { return m.c.Get() }
func (m *Manual) Set(t Tick)                   { m.c.Set(t) }
func (m *Manual) Add(d Tick) Tick              { return Tick(atomic.AddInt64(&m.c.v, int64(d))) }
func (m *Manual) Advance(d time.Duration) Tick { return m.Add(FromDuration(d)) }
