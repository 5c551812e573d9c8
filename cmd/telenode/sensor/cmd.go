// Sensor bring-up check: init and print samples, no network.
package sensor

import (
	"context"
	"flag"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/helpers"
	"github.com/temoto/telenode/internal/state"
)

const modName = "sensor"

var Mod = subcmd.Mod{Name: modName, Help: "read and print sensor samples", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	flags := flag.NewFlagSet(modName, flag.ContinueOnError)
	count := flags.Int("count", 10, "0 = until stopped")
	interval := flags.Duration("interval", time.Second, "")
	if err := flags.Parse(subcmd.Args); err != nil {
		return err
	}

	s, err := g.Sensor()
	if err != nil {
		return err
	}
	if err = s.Init(config.SensorConfig()); err != nil {
		return errors.Annotatef(err, "sensor=%s init", s.Name())
	}
	defer s.Close()
	g.Log.Infof("sensor=%s config=%+v", s.Name(), config.SensorConfig())

	for i := 0; *count == 0 || i < *count; i++ {
		sample, err := s.Read()
		if err != nil {
			g.Log.Errorf("read err=%v", err)
		} else {
			g.Log.Infof("%s", sample.String())
		}
		if !helpers.SleepStop(*interval, g.Alive.StopChan()) {
			break
		}
	}
	return nil
}
