// Package publish gates periodic sample acquisition and publish attempts.
package publish

import (
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/internal/session"
	"github.com/temoto/telenode/internal/types"
	"github.com/temoto/telenode/log2"
)

const DefaultInterval = 10 * time.Second

var ErrSampleRead = errors.New("sample read")

type Source interface {
	Read() (types.Sample, error)
}

type Sink interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

type Stat struct {
	Attempts    uint32
	ReadErrors  uint32
	Published   uint32
	PublishFail uint32
}

type Scheduler struct {
	Interval time.Duration
	Topic    string
	QoS      byte
	Retain   bool
	Log      *log2.Log

	last atomic_clock.Clock
	stat Stat
}

func (s *Scheduler) LastAttempt() atomic_clock.Tick { return s.last.Get() }

func (s *Scheduler) Stat() Stat {
	return Stat{
		Attempts:    atomic.LoadUint32(&s.stat.Attempts),
		ReadErrors:  atomic.LoadUint32(&s.stat.ReadErrors),
		Published:   atomic.LoadUint32(&s.stat.Published),
		PublishFail: atomic.LoadUint32(&s.stat.PublishFail),
	}
}

func (s *Scheduler) interval() atomic_clock.Tick {
	if s.Interval <= 0 {
		return atomic_clock.FromDuration(DefaultInterval)
	}
	return atomic_clock.FromDuration(s.Interval)
}

// Due reports whether gate is open at `mono`.
func (s *Scheduler) Due(mono atomic_clock.Tick, state session.State) bool {
	return state == session.ConnectedSubscribed && s.last.Elapsed(mono) > s.interval()
}

// MaybePublish reads one sample and publishes it when gate is open.
// Slot is consumed before reading, so read or publish failure waits full interval.
// Returns attempted=false when gate is closed.
func (s *Scheduler) MaybePublish(mono atomic_clock.Tick, state session.State, src Source, sink Sink, id Identity, at time.Time) (bool, error) {
	if !s.Due(mono, state) {
		return false, nil
	}
	s.last.Set(mono)
	atomic.AddUint32(&s.stat.Attempts, 1)

	sample, err := src.Read()
	if err != nil {
		atomic.AddUint32(&s.stat.ReadErrors, 1)
		err = errors.Annotatef(errors.Wrap(err, ErrSampleRead), "publish slot skipped")
		s.Log.Errorf("%v", err)
		return true, err
	}

	b, err := Encode(id, sample, at)
	if err != nil {
		return true, errors.Annotate(err, "publish encode")
	}
	s.Log.Debugf("publish topic=%s payload=%s", s.Topic, b)
	if err = sink.Publish(s.Topic, b, s.QoS, s.Retain); err != nil {
		atomic.AddUint32(&s.stat.PublishFail, 1)
		err = errors.Annotatef(err, "publish topic=%s", s.Topic)
		s.Log.Error(err)
		return true, err
	}
	atomic.AddUint32(&s.stat.Published, 1)
	return true, nil
}
