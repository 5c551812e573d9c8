// Package session tracks messaging session liveness and subscription status.
// Subscription is not assumed to survive reconnect: any disconnected observation forces subscribe again.
package session

import (
	"sync/atomic"

	"github.com/temoto/telenode/log2"
)

type State uint32

const (
	Disconnected State = iota
	ConnectedUnsubscribed
	ConnectedSubscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case ConnectedUnsubscribed:
		return "ConnectedUnsubscribed"
	case ConnectedSubscribed:
		return "ConnectedSubscribed"
	}
	return "State(invalid)"
}

func (s State) Connected() bool  { return s != Disconnected }
func (s State) Subscribed() bool { return s == ConnectedSubscribed }

type Stat struct {
	Connects      uint32
	Disconnects   uint32
	Subscribes    uint32
	SubscribeFail uint32
}

// Tracker is owned by single orchestrator path. State is stored atomically only for observers (logs, console).
type Tracker struct {
	state State
	stat  Stat
	Log   *log2.Log
}

func (t *Tracker) State() State { return State(atomic.LoadUint32((*uint32)(&t.state))) }
func (t *Tracker) set(new State) {
	old := t.State()
	if old != new {
		t.Log.Debugf("session %s -> %s", old.String(), new.String())
	}
	atomic.StoreUint32((*uint32)(&t.state), uint32(new))
}

func (t *Tracker) Stat() Stat {
	return Stat{
		Connects:      atomic.LoadUint32(&t.stat.Connects),
		Disconnects:   atomic.LoadUint32(&t.stat.Disconnects),
		Subscribes:    atomic.LoadUint32(&t.stat.Subscribes),
		SubscribeFail: atomic.LoadUint32(&t.stat.SubscribeFail),
	}
}

// Step applies one connectivity observation. When session is connected but not subscribed,
// subscribe is called (at most once per Step); its failure leaves state for retry next Step.
func (t *Tracker) Step(connected bool, subscribe func() error) State {
	current := t.State()
	if !connected {
		if current != Disconnected {
			atomic.AddUint32(&t.stat.Disconnects, 1)
			t.Log.Infof("session disconnected, subscription reset")
			t.set(Disconnected)
		}
		return Disconnected
	}

	if current == Disconnected {
		atomic.AddUint32(&t.stat.Connects, 1)
		t.set(ConnectedUnsubscribed)
		current = ConnectedUnsubscribed
	}
	if current == ConnectedUnsubscribed {
		if err := subscribe(); err != nil {
			atomic.AddUint32(&t.stat.SubscribeFail, 1)
			t.Log.Errorf("session subscribe err=%v", err)
			return ConnectedUnsubscribed
		}
		atomic.AddUint32(&t.stat.Subscribes, 1)
		t.set(ConnectedSubscribed)
		current = ConnectedSubscribed
	}
	return current
}
