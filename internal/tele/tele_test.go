package tele

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/mdns"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telenode/log2"
	tele_config "github.com/temoto/telenode/tele/config"
)

func TestNew(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", DriverGomqtt, DriverPaho} {
		tr, err := New(d)
		require.NoError(t, err, d)
		require.NotNil(t, tr)
	}
	_, err := New("carrier-pigeon")
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
}

func TestInbox(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	ib := newInbox(2, log)
	ib.push(Message{Topic: "a", Payload: []byte("1")})
	ib.push(Message{Topic: "b", Payload: []byte("2")})
	ib.push(Message{Topic: "c", Payload: []byte("dropped")})
	var got []string
	n := ib.drain(func(m Message) { got = append(got, m.Topic+"="+string(m.Payload)) })
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a=1", "b=2"}, got)
	assert.Equal(t, 0, ib.drain(nil))
}

func TestClientID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "node-7", ClientID(&tele_config.Config{ClientID: "node-7"}))
	a := ClientID(&tele_config.Config{})
	b := ClientID(&tele_config.Config{})
	assert.True(t, strings.HasPrefix(a, "telenode-"), a)
	assert.Len(t, a, len("telenode-")+36)
	assert.NotEqual(t, a, b)
}

// Not parallel: replaces package level mdnsQuery.
func TestResolveBroker(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	ctx := context.Background()
	defer func(orig func(*mdns.QueryParam) error) { mdnsQuery = orig }(mdnsQuery)

	announce := func(entries ...*mdns.ServiceEntry) func(*mdns.QueryParam) error {
		return func(p *mdns.QueryParam) error {
			assert.Equal(t, "_mqtt._tcp", p.Service)
			assert.Equal(t, "local", p.Domain)
			for _, e := range entries {
				p.Entries <- e
			}
			return nil
		}
	}

	cases := []struct {
		name   string
		config tele_config.Config
		query  func(*mdns.QueryParam) error
		expect string
		errNF  bool
		errNV  bool
	}{
		{name: "static", config: tele_config.Config{MqttBroker: "tcp://broker:1883"}, expect: "tcp://broker:1883"},
		{name: "empty", config: tele_config.Config{}, errNV: true},
		{name: "invalid-url", config: tele_config.Config{MqttBroker: "::bad"}, expect: ""},
		{name: "discovered",
			config: tele_config.Config{DiscoverService: "_mqtt._tcp", MqttBroker: "tcp://fallback:1883"},
			query: announce(
				&mdns.ServiceEntry{Name: "v6only", AddrV6: net.ParseIP("fe80::1"), Port: 1883},
				&mdns.ServiceEntry{Name: "mosquitto", AddrV4: net.IPv4(192, 168, 1, 20), Port: 1883},
			),
			expect: "tcp://192.168.1.20:1883"},
		{name: "fallback",
			config: tele_config.Config{DiscoverService: "_mqtt._tcp", MqttBroker: "tcp://fallback:1883"},
			query:  announce(),
			expect: "tcp://fallback:1883"},
		{name: "not-found",
			config: tele_config.Config{DiscoverService: "_mqtt._tcp"},
			query:  announce(),
			errNF:  true},
		{name: "query-error",
			config: tele_config.Config{DiscoverService: "_mqtt._tcp"},
			query:  func(*mdns.QueryParam) error { return fmt.Errorf("no multicast") }},
	}
	for _, c := range cases {
		mdnsQuery = c.query
		got, err := ResolveBroker(ctx, log, &c.config)
		switch {
		case c.errNF:
			require.Error(t, err, c.name)
			assert.True(t, errors.IsNotFound(err), c.name)
		case c.errNV:
			require.Error(t, err, c.name)
			assert.True(t, errors.IsNotValid(err), c.name)
		case c.expect == "":
			require.Error(t, err, c.name)
		default:
			require.NoError(t, err, c.name)
			assert.Equal(t, c.expect, got, c.name)
		}
	}
}

func TestGomqttTransport(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan struct{})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(timeout))
		b := transport.NewNetConn(conn)
		if _, err := b.Receive(); err != nil {
			t.Error(err)
			return
		}
		connack := packet.NewConnack()
		connack.ReturnCode = packet.ConnectionAccepted
		_ = b.Send(connack, false)
		pkt, err := b.Receive()
		if err != nil {
			t.Error(err)
			return
		}
		sub, ok := pkt.(*packet.Subscribe)
		if !ok {
			t.Errorf("expected SUBSCRIBE pkt=%s", pkt.String())
			return
		}
		suback := packet.NewSuback()
		suback.ID = sub.ID
		suback.ReturnCodes = []packet.QOS{packet.QOSAtMostOnce}
		_ = b.Send(suback, false)
		cmd := packet.NewPublish()
		cmd.Message = packet.Message{Topic: "t/cmd", Payload: []byte("OFF")}
		_ = b.Send(cmd, false)
		<-done
	}()

	var received []Message
	tr, err := New(DriverGomqtt)
	require.NoError(t, err)
	config := tele_config.Config{
		MqttBroker:        "tcp://" + ln.Addr().String(),
		ClientID:          "node-7",
		NetworkTimeoutSec: 5,
	}
	require.NoError(t, tr.Init(context.Background(), log2.NewStderr(log2.LDebug), config, func(m Message) { received = append(received, m) }))
	defer tr.Close()
	require.Eventually(t, tr.IsConnected, timeout, 10*time.Millisecond)
	require.NoError(t, tr.Subscribe("t/cmd", 0))

	// delivered only by Poll
	deadline := time.Now().Add(timeout)
	for len(received) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		tr.Poll()
	}
	require.Len(t, received, 1)
	assert.Equal(t, "t/cmd", received[0].Topic)
	assert.Equal(t, "OFF", string(received[0].Payload))
	close(done)
	<-serverDone
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct{ topic, payload string }

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m fakeMessage) Ack()              {}

type fakePaho struct {
	connects  int32
	connected bool
	connErr   error
	published []string
}

func (f *fakePaho) IsConnected() bool      { return f.connected }
func (f *fakePaho) IsConnectionOpen() bool { return f.connected }
func (f *fakePaho) Connect() mqtt.Token {
	atomic.AddInt32(&f.connects, 1)
	if f.connErr == nil {
		f.connected = true
	}
	return &fakeToken{err: f.connErr}
}
func (f *fakePaho) Disconnect(uint) { f.connected = false }
func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.published = append(f.published, fmt.Sprintf("%s %d %t %s", topic, qos, retained, payload))
	return &fakeToken{}
}
func (f *fakePaho) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &fakeToken{} }
func (f *fakePaho) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) Unsubscribe(...string) mqtt.Token        { return &fakeToken{} }
func (f *fakePaho) AddRoute(string, mqtt.MessageHandler)    {}
func (f *fakePaho) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// Not parallel: replaces package level newPahoClient.
func TestPahoTransport(t *testing.T) {
	defer func(orig func(*mqtt.ClientOptions) mqtt.Client) { newPahoClient = orig }(newPahoClient)
	fake := &fakePaho{connErr: fmt.Errorf("connection refused")}
	newPahoClient = func(*mqtt.ClientOptions) mqtt.Client { return fake }

	var received []Message
	tr := &transportPaho{}
	config := tele_config.Config{MqttBroker: "tcp://broker:1883", ReconnectDelaySec: 1}
	require.NoError(t, tr.Init(context.Background(), log2.NewTest(t, log2.LDebug), config, func(m Message) { received = append(received, m) }))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.connects))
	assert.False(t, tr.IsConnected())
	assert.Equal(t, ErrNotConnected, tr.Publish("x", []byte("1"), 0, false))
	assert.Equal(t, ErrNotConnected, tr.Subscribe("x", 0))

	// retry only after reconnect delay
	tr.Poll()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.connects))
	fake.connErr = nil
	tr.connectAt = time.Now().Add(-2 * time.Second)
	tr.Poll()
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.connects))
	assert.True(t, tr.IsConnected())

	require.NoError(t, tr.Subscribe("t/cmd", 0))
	require.NoError(t, tr.Publish("t/status", []byte("{}"), 0, false))
	assert.Equal(t, []string{"t/status 0 false {}"}, fake.published)

	tr.messageHandler(fake, fakeMessage{topic: "t/cmd", payload: "ON"})
	assert.Len(t, received, 0, "queued until Poll")
	tr.Poll()
	require.Len(t, received, 1)
	assert.Equal(t, Message{Topic: "t/cmd", Payload: []byte("ON")}, received[0])
}
