package ctl

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/temoto/telenode/internal/session"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/internal/tele"
	"github.com/temoto/telenode/log2"
	tele_config "github.com/temoto/telenode/tele/config"
)

const status = `{"team":"t1","device":"node-7","ip":"10.0.0.5","ssid":"lab","sensor":"MPU-6050",` +
	`"data":{"accel":{"x":0.10,"y":-0.25,"z":1.00},"gyro":{"x":1.50,"y":0.00,"z":-3.20},"temperature":24.5},` +
	`"timestamp":"2023-11-14T19:13:30"}`

type mockTele struct{ mock.Mock }

func (m *mockTele) Init(ctx context.Context, log *log2.Log, config tele_config.Config, onMessage tele.MessageFunc) error {
	return m.Called(config).Error(0)
}
func (m *mockTele) Poll()             { m.Called() }
func (m *mockTele) IsConnected() bool { return m.Called().Bool(0) }
func (m *mockTele) Subscribe(topic string, qos byte) error {
	return m.Called(topic, qos).Error(0)
}
func (m *mockTele) Publish(topic string, payload []byte, qos byte, retain bool) error {
	return m.Called(topic, string(payload), qos, retain).Error(0)
}
func (m *mockTele) Close() { m.Called() }

func newTestConsole(t testing.TB) (*console, *mockTele, *[]string) {
	config := &state.Config{}
	config.Identity.Team, config.Identity.Device = "t1", "node-7"
	if err := config.Validate(); err != nil {
		t.Fatal(err)
	}
	mt := &mockTele{}
	self := newConsole(log2.NewTest(t, log2.LDebug), config, mt)
	lines := []string{}
	self.out = func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	return self, mt, &lines
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"2023-11-14T19:13:30 t1/node-7 ip=10.0.0.5 accel=(0.10 -0.25 1.00) gyro=(1.50 0.00 -3.20) t=24.5",
		FormatStatus([]byte(status)))
	assert.Equal(t, `invalid status payload="ON"`, FormatStatus([]byte("ON")))
}

func TestExec(t *testing.T) {
	t.Parallel()

	self, mt, lines := newTestConsole(t)
	mt.On("Publish", "ha/t1/node-7/set", "ON", byte(0), false).Return(nil).Once()
	mt.On("Publish", "ha/t1/node-7/set", "OFF", byte(0), false).Return(errors.New("not connected")).Once()

	self.exec("on OFF")
	self.exec("status")
	self.exec("bogus")
	mt.AssertExpectations(t)

	out := strings.Join(*lines, "\n")
	assert.Contains(t, out, "sent ON -> ha/t1/node-7/set")
	assert.NotContains(t, out, "sent OFF")
	assert.Contains(t, out, "session=Disconnected")
	assert.Contains(t, out, "no status received yet")
	assert.Contains(t, out, "unknown command=bogus")
}

func TestPollSubscribesStatus(t *testing.T) {
	t.Parallel()

	self, mt, lines := newTestConsole(t)
	mt.On("Poll").Return()
	mt.On("IsConnected").Return(true)
	mt.On("Subscribe", "ha/t1/node-7/mpu6050", byte(0)).Return(nil).Once()

	self.poll()
	self.poll()
	assert.Equal(t, session.ConnectedSubscribed, self.session.State())
	mt.AssertNumberOfCalls(t, "Subscribe", 1)

	self.onMessage(tele.Message{Topic: "ha/t1/node-7/set", Payload: []byte("ON")})
	assert.Len(t, *lines, 0, "only status topic is shown")
	self.onMessage(tele.Message{Topic: "ha/t1/node-7/mpu6050", Payload: []byte(status)})
	self.exec("status")
	out := strings.Join(*lines, "\n")
	assert.Contains(t, out, "2023-11-14T19:13:30 t1/node-7 ip=10.0.0.5")
	assert.Contains(t, out, "session=ConnectedSubscribed")
	assert.Contains(t, out, "received=0s ago")
}
