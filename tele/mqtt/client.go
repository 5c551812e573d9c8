package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	OnMessage      func(*packet.Message) error
	Will           *packet.Message
	Log            *log2.Log

	conpkt *packet.Connect
	dialer *transport.Dialer
}

// Telemetry node MQTT client.
// - NewClient() returns only configuration errors, network IO is done in background
// - Connect with clean session only
// - Subscribe is explicit, caller must repeat it after reconnect
// - Unlimited reconnect attempts until Close()
// - QOS 0,1
// - No in-flight storage (except Publish call stack)
// - Serialized Publish and Subscribe
// - Publish or Subscribe while offline returns client.ErrClientNotConnected immediately
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions

	flowPublish   flow
	flowSubscribe flow
}

// One outstanding request awaiting acknowledgement with matching packet id.
type flow struct {
	sync.Mutex
	cc *clientConn
	fu *future.Future
	id packet.ID
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.conpkt.Will = opt.Will
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	_ = c.clientConn(true)

	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	err := c.Disconnect()
	c.alive.Stop()
	c.alive.Wait()
	return err
}

func (c *Client) Disconnect() error {
	err := client.ErrClientNotConnected
	if cc := c.clientConn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		_ = cc.die(nil)
	}
	return err
}

// IsConnected reports CONNACK accepted on current connection. Never blocks.
func (c *Client) IsConnected() bool {
	cc := c.clientConn(false)
	return cc != nil && cc.connected()
}

func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("publish QOS=%d", msg.QOS)
	}

	f, err := c.publishBegin(msg)
	if err != nil {
		return err
	}
	return c.await(ctx, &c.flowPublish, f, "Publish ack")
}

// Subscribe sends SUBSCRIBE for one topic and waits for SUBACK.
// Broker refusal (QOS failure return code) is error but connection stays.
func (c *Client) Subscribe(ctx context.Context, topic string, qos packet.QOS) error {
	cc := c.clientConn(false)
	if cc == nil || !cc.connected() {
		return client.ErrClientNotConnected
	}

	c.flowSubscribe.Lock()
	sub := packet.NewSubscribe()
	sub.ID = c.nextID()
	sub.Subscriptions = []packet.Subscription{{Topic: topic, QOS: qos}}
	f := future.New()
	c.flowSubscribe.cc = cc
	c.flowSubscribe.fu = f
	c.flowSubscribe.id = sub.ID
	c.flowSubscribe.Unlock()

	if err := cc.send(sub); err != nil {
		return errors.Annotate(err, "send SUBSCRIBE")
	}
	return c.await(ctx, &c.flowSubscribe, f, "Subscribe ack")
}

func (c *Client) await(ctx context.Context, fl *flow, f *future.Future, what string) error {
	timeout := c.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		timeout = 1
	}

	switch err := f.Wait(timeout); err {
	case nil:
		if e, ok := f.Result().(error); ok {
			return e
		}
		return nil

	case future.ErrCanceled:
		if e, ok := f.Result().(error); ok {
			return e
		}
		return ErrClientClosing

	case future.ErrTimeout:
		err = errors.Timeoutf(what)
		f.Cancel(err)
		fl.Lock()
		if fl.fu == f {
			fl.fu = nil
		}
		fl.Unlock()
		return c.disconnect(err)

	default:
		return fmt.Errorf("code error future.Wait()=%v", err)
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		c.current = newClientConn(c.opt, c.onPacket, c.onDie)
	}
	return c.current
}

func (c *Client) disconnect(err error) error {
	if cc := c.clientConn(false); cc != nil {
		_ = cc.die(err)
		cc.alive.Wait()
	}
	return err
}

func (c *Client) publishBegin(msg *packet.Message) (*future.Future, error) {
	cc := c.clientConn(false)
	if cc == nil || !cc.connected() {
		return nil, client.ErrClientNotConnected
	}
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if fprev := c.flowPublish.fu; fprev != nil {
		if err := fprev.Wait(1); err == future.ErrTimeout {
			return nil, errors.Errorf("publish in flight id=%d", c.flowPublish.id)
		}
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
	}

	err := cc.send(publish)
	if err != nil {
		return nil, errors.Annotate(err, "send PUBLISH")
	}

	c.flowPublish.cc = cc
	c.flowPublish.fu = future.New()
	c.flowPublish.id = publish.ID
	if msg.QOS == packet.QOSAtMostOnce {
		c.flowPublish.fu.Complete(nil)
	}
	return c.flowPublish.fu, nil
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	// zero is not valid packet id
	return packet.ID(u32%(1<<16-1) + 1)
}

func (c *Client) onPacket(cc *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(cc, pt)
	case *packet.Puback:
		c.onPuback(pt.ID)
	case *packet.Suback:
		c.onSuback(pt)
	default:
		c.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

// Connection lost, pending flows will never be acknowledged.
func (c *Client) onDie(cc *clientConn, err error) {
	for _, fl := range []*flow{&c.flowPublish, &c.flowSubscribe} {
		fl.Lock()
		if fl.fu != nil && fl.cc == cc {
			fl.fu.Cancel(err)
			fl.fu = nil
		}
		fl.Unlock()
	}
}

func (c *Client) onPublish(cc *clientConn, publish *packet.Publish) {
	// call callback for unacknowledged and directly acknowledged messages
	if publish.Message.QOS <= packet.QOSAtLeastOnce {
		err := c.opt.OnMessage(&publish.Message)
		if err != nil {
			c.opt.Log.Errorf("onMessage %s err=%v", MessageString(&publish.Message), err)
			return
		}
	}

	switch publish.Message.QOS {
	case packet.QOSAtLeastOnce:
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = cc.send(puback)

	case packet.QOSExactlyOnce:
		_ = cc.die(errors.NotSupportedf("receive QOS=2"))
	}
}

func (c *Client) onPuback(id packet.ID) {
	c.flowPublish.Lock()
	defer c.flowPublish.Unlock()
	if c.flowPublish.fu == nil {
		c.opt.Log.Errorf("unexpected PUBACK id=%d", id)
		return
	}
	if c.flowPublish.id != id {
		// given no concurrent publish flow of this code, PUBACK for unexpected id is severe error
		err := errors.Errorf("PUBACK id=%d expected=%d", id, c.flowPublish.id)
		if cc := c.clientConn(false); cc != nil {
			_ = cc.die(err)
		}
		return
	}
	c.flowPublish.fu.Complete(nil)
	c.flowPublish.fu = nil
}

func (c *Client) onSuback(suback *packet.Suback) {
	c.flowSubscribe.Lock()
	defer c.flowSubscribe.Unlock()
	f := c.flowSubscribe.fu
	if f == nil {
		c.opt.Log.Errorf("unexpected SUBACK id=%d", suback.ID)
		return
	}
	if suback.ID != c.flowSubscribe.id {
		f.Complete(errors.Annotatef(client.ErrFailedSubscription, "SUBACK.id=%d != SUBSCRIBE.id=%d", suback.ID, c.flowSubscribe.id))
	} else {
		var err error
		for _, code := range suback.ReturnCodes {
			if code == packet.QOSFailure {
				err = client.ErrFailedSubscription
			}
		}
		f.Complete(err)
	}
	c.flowSubscribe.fu = nil
}

func (c *Client) worker() {
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			cc.alive.Wait()
			return
		}

		c.opt.Log.Debugf("wait ReconnectDelay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			return
		}
	}
}

// Single client connection. `transport.Conn` with CONNECT and pings.
// Differences from upstream 256dpi/gomqtt/client.Client:
// - observe connected event via future
// - no mutex, state is set once at creation, except transport.Conn which requires blocking Dial
type clientConn struct {
	alive    *alive.Alive
	closed   uint32
	confu    *future.Future
	conn     atomic.Value // transport.Conn
	opt      ClientOptions
	onpacket func(*clientConn, packet.Generic)
	ondie    func(*clientConn, error)
	pingat   *atomic_clock.Clock // timestamp of last outgoing control packet
	pongat   *atomic_clock.Clock // timestamp of last incoming control packet
}

func newClientConn(opt ClientOptions, onpacket func(*clientConn, packet.Generic), ondie func(*clientConn, error)) *clientConn {
	cc := &clientConn{
		alive:    alive.NewAlive(),
		confu:    future.New(),
		opt:      opt,
		onpacket: onpacket,
		ondie:    ondie,
		pingat:   atomic_clock.New(0),
		pongat:   atomic_clock.New(0),
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) connected() bool {
	if !cc.alive.IsRunning() {
		return false
	}
	ok, _ := cc.confu.Result().(bool)
	return ok
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	if !isClosedConn(e) && e != ErrClientClosing {
		cc.opt.Log.Errorf("mqtt connection lost err=%v", e)
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	// flow locks may be held by caller
	go cc.ondie(cc, e)
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			err = errors.Annotate(err, "connect: expect CONNACK")
			_ = cc.die(err)
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			err = errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
			_ = cc.die(err)
			return
		}
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(2) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	cc.confu.Complete(true)
	go cc.pinger()
	go cc.reader()
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] basically says control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	// Try to send PINGREQ as late as possible to keep network traffic to minimum while respecting possible network issues.
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = time.Duration(cc.opt.KeepaliveSec) * time.Second / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat).Duration()
		sincePong := now.Sub(cc.pongat).Duration()

		if window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		}
		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
		if err := cc.send(packet.NewPingreq()); err != nil {
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			_ = cc.die(errors.Errorf("server closed connection"))
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		default:
			cc.pongat.SetNow()
			cc.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}
