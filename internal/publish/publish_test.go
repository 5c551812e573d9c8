package publish

import (
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/internal/clock"
	"github.com/temoto/telenode/internal/session"
	"github.com/temoto/telenode/internal/types"
	"github.com/temoto/telenode/log2"
)

const sec = atomic_clock.Second

type mockSink struct{ mock.Mock }

func (m *mockSink) Publish(topic string, payload []byte, qos byte, retain bool) error {
	args := m.Called(topic, string(payload), qos, retain)
	return args.Error(0)
}

type fakeSource struct {
	sample types.Sample
	err    error
	reads  int
}

func (f *fakeSource) Read() (types.Sample, error) {
	f.reads++
	return f.sample, f.err
}

var testIdentity = Identity{Team: "t1", Device: "node-7", IP: "10.0.0.5", SSID: "lab", Sensor: "MPU-6050"}

var testSample = types.Sample{
	Accel:       types.Vector{X: 0.1, Y: -0.254, Z: 1},
	Gyro:        types.Vector{X: 12.346, Y: 0, Z: -3.2},
	Temperature: 24.46,
}

func TestEncode(t *testing.T) {
	t.Parallel()

	at := clock.Local(1700000000, -3*3600)
	b, err := Encode(testIdentity, testSample, at)
	require.NoError(t, err)
	expect := `{"team":"t1","device":"node-7","ip":"10.0.0.5","ssid":"lab","sensor":"MPU-6050",` +
		`"data":{"accel":{"x":0.10,"y":-0.25,"z":1.00},"gyro":{"x":12.35,"y":0.00,"z":-3.20},"temperature":24.5},` +
		`"timestamp":"2023-11-14T19:13:20"}`
	assert.Equal(t, expect, string(b))
}

func TestMaybePublish(t *testing.T) {
	t.Parallel()

	at := clock.Local(1700000000, 0)
	cases := []struct {
		name      string
		state     session.State
		mono      atomic_clock.Tick
		last      atomic_clock.Tick
		readErr   error
		pubErr    error
		attempted bool
		check     func(t testing.TB, err error)
	}{
		{name: "gate-closed-disconnected", state: session.Disconnected, mono: 100 * sec},
		{name: "gate-closed-unsubscribed", state: session.ConnectedUnsubscribed, mono: 100 * sec},
		{name: "gate-closed-interval", state: session.ConnectedSubscribed, mono: 100 * sec, last: 95 * sec},
		{name: "gate-closed-exact", state: session.ConnectedSubscribed, mono: 100 * sec, last: 90 * sec},
		{name: "ok", state: session.ConnectedSubscribed, mono: 100 * sec, last: 89 * sec, attempted: true,
			check: func(t testing.TB, err error) { assert.NoError(t, err) }},
		{name: "read-error", state: session.ConnectedSubscribed, mono: 100 * sec, readErr: fmt.Errorf("i2c nack"), attempted: true,
			check: func(t testing.TB, err error) {
				require.Error(t, err)
				assert.Equal(t, ErrSampleRead, errors.Cause(err))
			}},
		{name: "publish-error", state: session.ConnectedSubscribed, mono: 100 * sec, pubErr: fmt.Errorf("not connected"), attempted: true,
			check: func(t testing.TB, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not connected")
			}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s := &Scheduler{Interval: 10 * time.Second, Topic: "t1/node-7", Log: log2.NewTest(t, log2.LDebug)}
			s.last.Set(c.last)
			src := &fakeSource{sample: testSample, err: c.readErr}
			sink := &mockSink{}
			if c.attempted && c.readErr == nil {
				sink.On("Publish", "t1/node-7", mock.Anything, byte(0), false).Return(c.pubErr).Once()
			}

			attempted, err := s.MaybePublish(c.mono, c.state, src, sink, testIdentity, at)
			assert.Equal(t, c.attempted, attempted)
			if c.check != nil {
				c.check(t, err)
			} else {
				assert.NoError(t, err)
			}
			sink.AssertExpectations(t)
			if c.attempted {
				assert.Equal(t, 1, src.reads)
				assert.Equal(t, c.mono, s.LastAttempt(), "slot consumed regardless of outcome")
			} else {
				assert.Equal(t, 0, src.reads)
				assert.Equal(t, c.last, s.LastAttempt())
			}
		})
	}
}

// Publishes are spaced by more than interval even when ticked often
// and the slot is not reclaimed after a failed read.
func TestPublishSpacing(t *testing.T) {
	t.Parallel()

	s := &Scheduler{Interval: 10 * time.Second, Topic: "x", Log: log2.NewTest(t, log2.LDebug)}
	src := &fakeSource{sample: testSample}
	sink := &mockSink{}
	sink.On("Publish", "x", mock.Anything, byte(0), false).Return(nil)

	var published []atomic_clock.Tick
	clk := atomic_clock.NewManual(1000 * sec)
	for i := 0; i < 400; i++ {
		now := clk.Advance(100 * time.Millisecond)
		if i == 150 {
			src.err = fmt.Errorf("transient")
		} else {
			src.err = nil
		}
		attempted, err := s.MaybePublish(now, session.ConnectedSubscribed, src, sink, testIdentity, time.Unix(0, 0))
		if attempted && err == nil {
			published = append(published, now)
		}
	}
	require.NotEmpty(t, published)
	for i := 1; i < len(published); i++ {
		assert.Greater(t, int64(published[i]-published[i-1]), int64(10*sec))
	}
	st := s.Stat()
	assert.Equal(t, uint32(len(published)), st.Published)
	assert.Equal(t, st.Attempts, st.Published+st.ReadErrors)
}

// Connected with no subscription never publishes.
func TestNoPublishUnsubscribed(t *testing.T) {
	t.Parallel()

	s := &Scheduler{}
	src := &fakeSource{sample: testSample}
	sink := &mockSink{}
	for mono := atomic_clock.Tick(0); mono < 120*sec; mono += sec {
		attempted, err := s.MaybePublish(mono, session.ConnectedUnsubscribed, src, sink, testIdentity, time.Unix(0, 0))
		assert.False(t, attempted)
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, src.reads)
	sink.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
