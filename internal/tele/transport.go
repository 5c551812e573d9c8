package tele

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/log2"
	tele_config "github.com/temoto/telenode/tele/config"
)

const (
	DefaultNetworkTimeout = 10 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultKeepalive      = 60 * time.Second
	DefaultInboundBuffer  = 16

	DriverGomqtt = "gomqtt"
	DriverPaho   = "paho"
)

type Message struct {
	Topic   string
	Payload []byte
}

type MessageFunc func(Message)

// Transport contract:
// - Init fails only with invalid config or failed broker discovery, ignores network errors
// - connect runs in background with unlimited retries, observed through IsConnected
// - Subscribe and Publish never wait for connection, offline is immediate error
// - Subscribe and Publish wait for acknowledgement at most network timeout
// - inbound messages are queued and delivered to onMessage only from Poll, on caller goroutine
// - subscriptions do not survive reconnect, caller must repeat Subscribe
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config tele_config.Config, onMessage MessageFunc) error
	Poll()
	IsConnected() bool
	Subscribe(topic string, qos byte) error
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Close()
}

func New(driver string) (Transporter, error) {
	switch driver {
	case "", DriverGomqtt:
		return &transportGomqtt{}, nil
	case DriverPaho:
		return &transportPaho{}, nil
	}
	return nil, errors.NotValidf("tele driver=%s", driver)
}

func networkTimeout(c *tele_config.Config) time.Duration {
	d := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Bounded FIFO between transport goroutines and Poll.
// Full queue drops newest message, commands are idempotent levels (ON/OFF).
type inbox struct {
	ch  chan Message
	log *log2.Log
}

func newInbox(size int, log *log2.Log) *inbox {
	if size <= 0 {
		size = DefaultInboundBuffer
	}
	return &inbox{ch: make(chan Message, size), log: log}
}

func (self *inbox) push(m Message) {
	select {
	case self.ch <- m:
	default:
		self.log.Errorf("tele inbound queue full, dropped topic=%s payload=%q", m.Topic, m.Payload)
	}
}

func (self *inbox) drain(fun MessageFunc) int {
	n := 0
	for {
		select {
		case m := <-self.ch:
			n++
			if fun != nil {
				fun(m)
			}
		default:
			return n
		}
	}
}
