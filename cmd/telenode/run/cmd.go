// Main, device mode of operation.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/internal/node"
	"github.com/temoto/telenode/internal/state"
)

var Mod = subcmd.Mod{Name: "run", Help: "sample, timestamp and publish until stopped (default)", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	n, err := node.New(g, node.Options{
		OnReady: func() {
			subcmd.SdNotify(daemon.SdNotifyReady)
			g.Log.Debugf("node init complete")
		},
	})
	if err != nil {
		return errors.Annotate(err, "node")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case s := <-sigs:
			g.Log.Infof("signal=%v stopping", s)
			subcmd.SdNotify(daemon.SdNotifyStopping)
			g.Stop()
		case <-g.Alive.StopChan():
		}
	}()

	err = n.Run(ctx)
	g.Stop()
	return err
}
