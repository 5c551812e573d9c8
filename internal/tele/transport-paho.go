package tele

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/log2"
	tele_config "github.com/temoto/telenode/tele/config"
)

var ErrNotConnected = mqtt.ErrNotConnected

// Replaced in tests.
var newPahoClient = mqtt.NewClient

// Alternative transport on eclipse paho. Paho retries only after first successful connect,
// initial connect is repeated from Poll every reconnect delay.
type transportPaho struct {
	config         tele_config.Config
	log            *log2.Log
	m              mqtt.Client
	inbox          *inbox
	onMessage      MessageFunc
	connectToken   mqtt.Token
	connectAt      time.Time
	reconnectDelay time.Duration
	timeout        time.Duration
}

func (self *transportPaho) Init(ctx context.Context, log *log2.Log, config tele_config.Config, onMessage MessageFunc) error {
	self.config = config
	self.log = log
	self.onMessage = onMessage
	self.inbox = newInbox(config.InboundBuffer, log)
	self.timeout = networkTimeout(&config)
	self.reconnectDelay = helpers.IntSecondDefault(config.ReconnectDelaySec, DefaultReconnectDelay)

	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log
	if config.MqttLogDebug {
		mqtt.DEBUG = log
	}

	broker, err := ResolveBroker(ctx, log, &config)
	if err != nil {
		return errors.Annotate(err, "tele init")
	}
	tlsconf, err := tlsConfig(&config)
	if err != nil {
		return errors.Annotate(err, "tele init")
	}
	clientID := ClientID(&config)

	mopt := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetCleanSession(true).
		SetResumeSubs(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(self.reconnectDelay).
		SetKeepAlive(helpers.IntSecondDefault(config.KeepaliveSec, DefaultKeepalive)).
		SetConnectTimeout(self.timeout).
		SetWriteTimeout(self.timeout).
		SetOrderMatters(false).
		SetDefaultPublishHandler(self.messageHandler).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if tlsconf != nil {
		mopt.SetTLSConfig(tlsconf)
	}
	self.m = newPahoClient(mopt)
	self.connect()
	log.Infof("tele paho broker=%s client_id=%s", broker, clientID)
	return nil
}

func (self *transportPaho) connect() {
	self.connectAt = time.Now()
	self.connectToken = self.m.Connect()
}

func (self *transportPaho) Poll() {
	if t := self.connectToken; t != nil && t.WaitTimeout(0) && t.Error() != nil {
		if time.Since(self.connectAt) >= self.reconnectDelay {
			self.log.Errorf("tele paho connect err=%v, retry", t.Error())
			self.connect()
		}
	}
	self.inbox.drain(self.onMessage)
}

func (self *transportPaho) IsConnected() bool { return self.m != nil && self.m.IsConnectionOpen() }

func (self *transportPaho) Subscribe(topic string, qos byte) error {
	if !self.IsConnected() {
		return ErrNotConnected
	}
	t := self.m.Subscribe(topic, qos, nil)
	if !t.WaitTimeout(self.timeout) {
		return errors.Timeoutf("tele subscribe topic=%s", topic)
	}
	if err := t.Error(); err != nil {
		return errors.Annotatef(err, "tele subscribe topic=%s", topic)
	}
	if st, ok := t.(*mqtt.SubscribeToken); ok {
		if code, ok := st.Result()[topic]; ok && code == 0x80 {
			return errors.Errorf("tele subscribe topic=%s refused by broker", topic)
		}
	}
	return nil
}

func (self *transportPaho) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !self.IsConnected() {
		return ErrNotConnected
	}
	t := self.m.Publish(topic, qos, retain, payload)
	if !t.WaitTimeout(self.timeout) {
		return errors.Timeoutf("tele publish topic=%s", topic)
	}
	return errors.Annotatef(t.Error(), "tele publish topic=%s", topic)
}

func (self *transportPaho) Close() {
	if self.m != nil {
		self.m.Disconnect(uint(self.timeout / time.Millisecond / 10))
	}
}

func (self *transportPaho) messageHandler(c mqtt.Client, msg mqtt.Message) {
	self.inbox.push(Message{Topic: msg.Topic(), Payload: msg.Payload()})
}

func (self *transportPaho) connectLostHandler(c mqtt.Client, err error) {
	self.log.Errorf("tele paho connection lost err=%v", err)
}

func (self *transportPaho) onConnectHandler(c mqtt.Client) {
	self.log.Infof("tele paho connected")
}
