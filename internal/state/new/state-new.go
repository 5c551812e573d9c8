// Sorry, workaround to import cycles.
package state_new

import (
	"context"
	"os"
	"testing"

	"github.com/temoto/alive/v2"
	"github.com/temoto/telenode/hardware/indicator"
	"github.com/temoto/telenode/hardware/sim"
	"github.com/temoto/telenode/internal/state"
	"github.com/temoto/telenode/internal/tele"
	"github.com/temoto/telenode/log2"
)

// NewContext creates Global with given transport, nil means config driven choice at Init.
func NewContext(log *log2.Log, teler tele.Transporter) (context.Context, *state.Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &state.Global{
		Alive: alive.NewAlive(),
		Log:   log,
		Tele:  teler,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, state.ContextKey, g)

	return ctx, g
}

// NewTestContext builds initialized Global with simulated sensor and memory indicator.
func NewTestContext(t testing.TB, confString string, teler tele.Transporter) (context.Context, *state.Global) {
	fs := state.NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("telenode_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log, teler)
	g.BuildVersion = "test"
	g.Inject(sim.New(nil), new(indicator.Memory))
	g.MustInit(ctx, state.MustReadConfig(log, fs, "test-inline"))

	return ctx, g
}
