package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/telenode/log2"
)

func TestStep(t *testing.T) {
	t.Parallel()

	type step struct {
		connected bool
		subErr    error
		expect    State
		subCalled bool
	}
	errSub := fmt.Errorf("suback failure")
	cases := []struct {
		name  string
		steps []step
	}{
		{"initial-offline", []step{
			{false, nil, Disconnected, false},
			{false, nil, Disconnected, false},
		}},
		{"connect-subscribe", []step{
			{true, nil, ConnectedSubscribed, true},
			{true, nil, ConnectedSubscribed, false},
		}},
		{"subscribe-retry", []step{
			{true, errSub, ConnectedUnsubscribed, true},
			{true, errSub, ConnectedUnsubscribed, true},
			{true, nil, ConnectedSubscribed, true},
			{true, nil, ConnectedSubscribed, false},
		}},
		{"reconnect-resubscribe", []step{
			{true, nil, ConnectedSubscribed, true},
			{false, nil, Disconnected, false},
			{true, nil, ConnectedSubscribed, true},
		}},
		{"disconnect-while-unsubscribed", []step{
			{true, errSub, ConnectedUnsubscribed, true},
			{false, nil, Disconnected, false},
			{true, nil, ConnectedSubscribed, true},
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			tr := &Tracker{Log: log2.NewTest(t, log2.LDebug)}
			assert.Equal(t, Disconnected, tr.State())
			for i, s := range c.steps {
				called := false
				got := tr.Step(s.connected, func() error {
					called = true
					assert.Equal(t, ConnectedUnsubscribed, tr.State(), "subscribe only from ConnectedUnsubscribed")
					return s.subErr
				})
				assert.Equal(t, s.expect, got, "step=%d", i)
				assert.Equal(t, s.expect, tr.State(), "step=%d", i)
				assert.Equal(t, s.subCalled, called, "step=%d subscribe", i)
			}
		})
	}
}

// Connected -> Disconnected -> Connected must invoke subscribe again.
func TestResubscribeAfterReconnect(t *testing.T) {
	t.Parallel()

	tr := &Tracker{Log: log2.NewTest(t, log2.LDebug)}
	var trace []State
	subscribes := 0
	sub := func() error { subscribes++; return nil }
	for _, conn := range []bool{true, true, false, false, true, true} {
		trace = append(trace, tr.Step(conn, sub))
	}
	assert.Equal(t, 2, subscribes)
	assert.Equal(t, []State{
		ConnectedSubscribed, ConnectedSubscribed,
		Disconnected, Disconnected,
		ConnectedSubscribed, ConnectedSubscribed,
	}, trace)
	stat := tr.Stat()
	assert.Equal(t, uint32(2), stat.Connects)
	assert.Equal(t, uint32(1), stat.Disconnects)
	assert.Equal(t, uint32(2), stat.Subscribes)
	assert.Equal(t, "ConnectedUnsubscribed", ConnectedUnsubscribed.String())
	assert.False(t, Disconnected.Subscribed())
}
