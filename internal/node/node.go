// Package node runs the telemetry node control loop.
// One goroutine owns clock, session and publish state; each Tick is
// transport poll, time read, resync check, session step, publish check.
package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/helpers/atomic_clock"
	"github.com/temoto/telenode/internal/clock"
	"github.com/temoto/telenode/internal/publish"
	"github.com/temoto/telenode/internal/session"
	"github.com/temoto/telenode/internal/sntp"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/internal/tele"
	"github.com/temoto/telenode/internal/types"
	"github.com/temoto/telenode/log2"
)

var (
	ErrInit    = errors.New("node init")
	ErrStopped = errors.New("node stopped")
)

type SleepFunc func(d time.Duration, stop <-chan struct{}) bool

type Options struct {
	// nil: system monotonic counter.
	// Also bounds default SNTP query waits, so a manual counter needs a Querier too.
	Counter atomic_clock.Counter
	// nil: SNTP query to config time.ntp_server
	Querier clock.Querier
	// nil: tele.LocalIPv4
	LocalIP func() (string, error)
	// nil: helpers.SleepStop
	Sleep SleepFunc
	// called by Run after Init, before time bootstrap
	OnReady func()
}

type Node struct {
	g       *state.Global
	config  *state.Config
	log     *log2.Log
	counter atomic_clock.Counter
	localIP func() (string, error)
	sleep   SleepFunc
	onReady func()

	sensor    types.Sensor
	indicator types.Indicator
	tele      tele.Transporter

	clock    *clock.Clock
	session  session.Tracker
	sched    publish.Scheduler
	identity publish.Identity
	ipKnown  bool

	queryTimeout time.Duration
	tick         time.Duration
	ticks        uint32
	commands     uint32
}

// New wires node from initialized Global. Hardware is not touched until Init.
func New(g *state.Global, opt Options) (*Node, error) {
	if g == nil || g.Config == nil || g.Tele == nil {
		return nil, errors.NotValidf("node global without config or tele")
	}
	c := g.Config
	self := &Node{
		g:            g,
		config:       c,
		log:          g.Log,
		counter:      opt.Counter,
		localIP:      opt.LocalIP,
		sleep:        opt.Sleep,
		onReady:      opt.OnReady,
		tele:         g.Tele,
		queryTimeout: c.QueryTimeout(),
		tick:         c.Tick(),
		identity: publish.Identity{
			Team:   c.Identity.Team,
			Device: c.Identity.Device,
			SSID:   c.Identity.Ssid,
			Sensor: c.Identity.Sensor,
		},
	}
	if self.counter == nil {
		self.counter = atomic_clock.System
	}
	if self.localIP == nil {
		self.localIP = tele.LocalIPv4
	}
	if self.sleep == nil {
		self.sleep = helpers.SleepStop
	}

	q := opt.Querier
	if q == nil {
		sc := &sntp.Client{
			Counter: self.counter,
			Advance: self.tele.Poll,
			Log:     g.Log,
		}
		server := c.Time.NtpServer
		q = clock.QuerierFunc(func(timeout time.Duration) (int64, error) {
			return sc.Query(server, timeout)
		})
	}
	var backoff *helpers.Backoff
	if c.Time.RetryBackoffMaxSec > 0 {
		backoff = &helpers.Backoff{
			Min: time.Second,
			Max: time.Duration(c.Time.RetryBackoffMaxSec) * time.Second,
			K:   2,
		}
	}
	self.clock = clock.New(q, clock.Options{
		ResyncInterval: c.ResyncInterval(),
		RetryBackoff:   backoff,
		Log:            g.Log,
	})
	self.session.Log = g.Log
	self.sched = publish.Scheduler{
		Interval: c.PublishInterval(),
		Topic:    c.Tele.TopicStatus,
		QoS:      byte(c.Tele.Qos),
		Retain:   c.Tele.Retain,
		Log:      g.Log,
	}
	return self, nil
}

func (self *Node) Clock() *clock.Clock           { return self.clock }
func (self *Node) Session() *session.Tracker     { return &self.session }
func (self *Node) Scheduler() *publish.Scheduler { return &self.sched }
func (self *Node) Identity() publish.Identity    { return self.identity }
func (self *Node) Indicator() types.Indicator    { return self.indicator }
func (self *Node) Counter() atomic_clock.Counter { return self.counter }
func (self *Node) Commands() uint32              { return atomic.LoadUint32(&self.commands) }
func (self *Node) stopChan() <-chan struct{}     { return self.g.Alive.StopChan() }
func (self *Node) interrupted(ctx context.Context) bool {
	return !self.g.Alive.IsRunning() || ctx.Err() != nil
}

// Init brings up hardware then transport.
// Sensor or indicator failure is fatal (cause ErrInit), no retry.
// Transport init is retried with fixed delay until success, invalid config or stop.
func (self *Node) Init(ctx context.Context) error {
	sensor, err := self.g.Sensor()
	if err == nil {
		err = sensor.Init(self.config.SensorConfig())
	}
	if err != nil {
		return errors.Annotatef(errors.Wrap(err, ErrInit), "sensor init err=%v", err)
	}
	self.sensor = sensor
	self.log.Infof("sensor %s ready", sensor.Name())

	ind, err := self.g.Indicator()
	if err == nil {
		err = ind.Set(false)
	}
	if err != nil {
		return errors.Annotatef(errors.Wrap(err, ErrInit), "indicator init err=%v", err)
	}
	self.indicator = ind

	retry := self.config.InitRetry()
	for attempt := 1; ; attempt++ {
		err = self.tele.Init(ctx, self.log, self.config.Tele, self.onMessage)
		if err == nil {
			break
		}
		if errors.IsNotValid(err) {
			return errors.Annotatef(errors.Wrap(err, ErrInit), "tele init err=%v", err)
		}
		self.log.Errorf("tele init attempt=%d err=%v retry=%v", attempt, err, retry)
		if self.interrupted(ctx) || !self.sleep(retry, self.stopChan()) {
			return ErrStopped
		}
	}
	self.log.Infof("tele init status=%s command=%s", self.config.Tele.TopicStatus, self.config.Tele.TopicCommand)
	return nil
}

// Bootstrap blocks until first successful time sync, retrying with fixed delay.
func (self *Node) Bootstrap(ctx context.Context) error {
	retry := self.config.BootstrapRetry()
	for !self.clock.Synced() {
		if self.clock.Resync(self.counter.Now(), self.queryTimeout) {
			break
		}
		if self.interrupted(ctx) || !self.sleep(retry, self.stopChan()) {
			return ErrStopped
		}
	}
	a, _ := self.clock.Anchor()
	self.log.Infof("time bootstrap done local=%s", clock.FormatTimestamp(a.Epoch, self.config.Time.ZoneOffsetSec))
	return nil
}

// Tick is one orchestrator iteration, never blocks longer than configured timeouts.
func (self *Node) Tick() {
	atomic.AddUint32(&self.ticks, 1)
	self.tele.Poll()

	mono := self.counter.Now()
	epoch := self.clock.Now(mono)
	if self.clock.ResyncDue(mono) {
		if self.clock.Resync(mono, self.queryTimeout) {
			mono = self.counter.Now()
			epoch = self.clock.Now(mono)
		}
	}

	connected := self.tele.IsConnected()
	if connected && !self.ipKnown {
		self.captureIP()
	}
	st := self.session.Step(connected, self.subscribe)

	at := clock.Local(epoch, self.config.Time.ZoneOffsetSec)
	// errors are logged by scheduler, slot is consumed either way
	_, _ = self.sched.MaybePublish(mono, st, self.sensor, self.tele, self.identity, at)
}

// Run is Init, Bootstrap and tick loop until Alive stop or ctx done.
// Stop is not an error.
func (self *Node) Run(ctx context.Context) error {
	if !self.g.Alive.Add(1) {
		return nil
	}
	defer self.g.Alive.Done()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			self.g.Alive.Stop()
		case <-self.stopChan():
		case <-done:
		}
	}()

	err := self.Init(ctx)
	if err == nil {
		if self.onReady != nil {
			self.onReady()
		}
		err = self.Bootstrap(ctx)
	}
	if errors.Cause(err) == ErrStopped {
		return nil
	} else if err != nil {
		return err
	}

	for self.g.Alive.IsRunning() {
		self.Tick()
		if !self.sleep(self.tick, self.stopChan()) {
			break
		}
	}
	self.log.Infof("node loop stopped ticks=%d", atomic.LoadUint32(&self.ticks))
	return nil
}

func (self *Node) subscribe() error {
	return self.tele.Subscribe(self.config.Tele.TopicCommand, byte(self.config.Tele.Qos))
}

func (self *Node) captureIP() {
	if ip := self.config.Identity.IP; ip != "" {
		self.identity.IP = ip
		self.ipKnown = true
		return
	}
	ip, err := self.localIP()
	if err != nil {
		self.log.Errorf("local ip err=%v", err)
		return
	}
	self.identity.IP = ip
	self.ipKnown = true
	self.log.Infof("local ip=%s", ip)
}
