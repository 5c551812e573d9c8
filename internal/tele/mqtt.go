package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/log2"
	tele_config "github.com/temoto/telenode/tele/config"
	"github.com/temoto/telenode/tele/mqtt"
)

type transportGomqtt struct {
	config    tele_config.Config
	log       *log2.Log
	m         *mqtt.Client
	inbox     *inbox
	onMessage MessageFunc
}

func (self *transportGomqtt) Init(ctx context.Context, log *log2.Log, config tele_config.Config, onMessage MessageFunc) error {
	self.config = config
	self.log = log
	self.onMessage = onMessage
	self.inbox = newInbox(config.InboundBuffer, log)

	mqttLog := log.Clone(log2.LInfo)
	if config.MqttLogDebug {
		mqttLog.SetLevel(log2.LDebug)
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
	timeout := networkTimeout(&config)

	self.m, err = mqtt.NewClient(mqtt.ClientOptions{
		Log:            mqttLog,
		BrokerURL:      broker,
		TLS:            tlsconf,
		KeepaliveSec:   uint16(helpers.IntSecondDefault(config.KeepaliveSec, DefaultKeepalive).Seconds()),
		NetworkTimeout: timeout,
		ClientID:       clientID,
		Username:       config.Username,
		Password:       config.Password,
		ReconnectDelay: helpers.IntSecondDefault(config.ReconnectDelaySec, DefaultReconnectDelay),
		OnMessage: func(msg *packet.Message) error {
			self.inbox.push(Message{Topic: msg.Topic, Payload: msg.Payload})
			return nil
		},
	})
	if err != nil {
		return errors.Annotate(err, "tele init")
	}
	log.Infof("tele gomqtt broker=%s client_id=%s", broker, clientID)
	return nil
}

func (self *transportGomqtt) Poll() { self.inbox.drain(self.onMessage) }

func (self *transportGomqtt) IsConnected() bool { return self.m != nil && self.m.IsConnected() }

func (self *transportGomqtt) Subscribe(topic string, qos byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout(&self.config))
	defer cancel()
	err := self.m.Subscribe(ctx, topic, packet.QOS(qos))
	return errors.Annotatef(err, "tele subscribe topic=%s", topic)
}

func (self *transportGomqtt) Publish(topic string, payload []byte, qos byte, retain bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout(&self.config))
	defer cancel()
	msg := &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOS(qos), Retain: retain}
	err := self.m.Publish(ctx, msg)
	return errors.Annotatef(err, "tele publish topic=%s", topic)
}

func (self *transportGomqtt) Close() {
	if self.m != nil {
		_ = self.m.Close()
	}
}

func tlsConfig(c *tele_config.Config) (*tls.Config, error) {
	if c.TlsCaFile == "" {
		return nil, nil
	}
	tlsconf := new(tls.Config)
	tlsconf.RootCAs = x509.NewCertPool()
	cabytes, err := ioutil.ReadFile(c.TlsCaFile)
	if err != nil {
		return nil, errors.Annotate(err, "TLS")
	}
	if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
		return nil, errors.NotValidf("TLS CA file=%s", c.TlsCaFile)
	}
	return tlsconf, nil
}
