package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/internal/tele"
	"github.com/temoto/telenode/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Hardware     hardware // hardware.go
	Log          *log2.Log
	Tele         tele.Transporter

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init applies config and creates collaborators not injected before.
// Nothing is started: sensor init and transport connect belong to node lifecycle.
// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)

	if cfg.LogLevel != "" {
		level, err := log2.ParseLevel(cfg.LogLevel)
		if err != nil {
			return errors.NotValidf("config: log_level=%s", cfg.LogLevel)
		}
		g.Log.SetLevel(level)
	}

	if g.Tele == nil {
		t, err := tele.New(cfg.Tele.Driver)
		if err != nil {
			return errors.Annotate(err, "tele")
		}
		g.Tele = t
	}

	errs := make([]error, 0, 2)
	if _, err := g.Sensor(); err != nil {
		errs = append(errs, err)
	}
	if _, err := g.Indicator(); err != nil {
		errs = append(errs, err)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return errors.Annotate(err, "hardware")
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close releases transport and hardware. Safe after failed Init.
func (g *Global) Close() {
	if g.Tele != nil {
		g.Tele.Close()
	}
	g.Hardware.close(g.Log)
}
