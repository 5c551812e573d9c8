// Operator console: watch node status topic, switch indicator.
package ctl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c-bata/go-prompt"
	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/helpers/cli"
	"github.com/temoto/telenode/internal/node"
	"github.com/temoto/telenode/internal/session"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/internal/tele"
	"github.com/temoto/telenode/log2"
)

const modName = "ctl"

const usage = `commands:
- on       publish ON to command topic
- off      publish OFF to command topic
- status   last received status and session state
- help     this text
`

var Mod = subcmd.Mod{Name: modName, Help: "operator console, send ON/OFF and watch status", Main: Main}

const pollInterval = 100 * time.Millisecond

type console struct {
	sync.Mutex
	log     *log2.Log
	config  *state.Config
	tele    tele.Transporter
	session session.Tracker
	last    []byte
	lastAt  time.Time
	out     func(format string, args ...interface{})
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	// console never touches hardware and must not take over node's client id
	synthConfig := state.Config{
		Identity: config.Identity,
		Tele:     config.Tele,
		LogLevel: config.LogLevel,
	}
	synthConfig.Hardware.Sensor.Driver = state.SensorSim
	synthConfig.Hardware.Indicator.Driver = state.IndicatorMemory
	synthConfig.Tele.ClientID = ""
	g.MustInit(ctx, &synthConfig)

	self := newConsole(g.Log, &synthConfig, g.Tele)
	if err := g.Tele.Init(ctx, g.Log, synthConfig.Tele, self.onMessage); err != nil {
		return errors.Annotate(err, "tele init")
	}

	g.Alive.Add(1)
	go func() {
		defer g.Alive.Done()
		for {
			self.poll()
			if !helpers.SleepStop(pollInterval, g.Alive.StopChan()) {
				return
			}
		}
	}()

	g.Log.Infof("command=%s status=%s, type help", synthConfig.Tele.TopicCommand, synthConfig.Tele.TopicStatus)
	cli.MainLoop(modName, self.exec, newCompleter(), g.Stop)
	return nil
}

func newConsole(log *log2.Log, config *state.Config, t tele.Transporter) *console {
	self := &console{
		log:    log,
		config: config,
		tele:   t,
		out:    log.Infof,
	}
	self.session.Log = log
	return self
}

// poll drains inbound queue and keeps status subscription across reconnects.
func (self *console) poll() {
	self.tele.Poll()
	self.session.Step(self.tele.IsConnected(), func() error {
		return self.tele.Subscribe(self.config.Tele.TopicStatus, byte(self.config.Tele.Qos))
	})
}

func (self *console) onMessage(m tele.Message) {
	if m.Topic != self.config.Tele.TopicStatus {
		return
	}
	self.Lock()
	self.last = append([]byte(nil), m.Payload...)
	self.lastAt = time.Now()
	self.Unlock()
	self.out("%s", FormatStatus(m.Payload))
}

func (self *console) exec(line string) {
	for _, word := range strings.Fields(line) {
		switch strings.ToLower(word) {
		case "on":
			self.send(node.CommandOn)
		case "off":
			self.send(node.CommandOff)
		case "status":
			self.Lock()
			last, at := self.last, self.lastAt
			self.Unlock()
			self.out("session=%s", self.session.State().String())
			if last == nil {
				self.out("no status received yet")
			} else {
				self.out("%s received=%s ago", FormatStatus(last), time.Since(at).Truncate(time.Second))
			}
		case "help":
			self.out("%s", usage)
		default:
			self.out("unknown command=%s\n%s", word, usage)
		}
	}
}

func (self *console) send(payload string) {
	topic := self.config.Tele.TopicCommand
	if err := self.tele.Publish(topic, []byte(payload), byte(self.config.Tele.Qos), false); err != nil {
		self.log.Errorf("publish topic=%s payload=%s err=%v", topic, payload, err)
		return
	}
	self.out("sent %s -> %s", payload, topic)
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "on", Description: "indicator on"},
		{Text: "off", Description: "indicator off"},
		{Text: "status", Description: "last status"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

// FormatStatus renders node status payload in one line, invalid payload is shown quoted.
func FormatStatus(b []byte) string {
	if !jsoniter.Valid(b) {
		return fmt.Sprintf("invalid status payload=%q", b)
	}
	st := jsoniter.Get(b)
	data := st.Get("data")
	vec := func(name string) string {
		v := data.Get(name)
		return fmt.Sprintf("(%.2f %.2f %.2f)", v.Get("x").ToFloat64(), v.Get("y").ToFloat64(), v.Get("z").ToFloat64())
	}
	return fmt.Sprintf("%s %s/%s ip=%s accel=%s gyro=%s t=%.1f",
		st.Get("timestamp").ToString(),
		st.Get("team").ToString(),
		st.Get("device").ToString(),
		st.Get("ip").ToString(),
		vec("accel"),
		vec("gyro"),
		data.Get("temperature").ToFloat64(),
	)
}
