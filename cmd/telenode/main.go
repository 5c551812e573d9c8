package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/telenode/cmd/telenode/ctl"
	"github.com/temoto/telenode/cmd/telenode/run"
	"github.com/temoto/telenode/cmd/telenode/sensor"
	"github.com/temoto/telenode/cmd/telenode/subcmd"
	"github.com/temoto/telenode/internal/state"
	state_new "github.com/temoto/telenode/internal/state/new"
	"github.com/temoto/telenode/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)
var modules = []subcmd.Mod{
	run.Mod,
	ctl.Mod,
	sensor.Mod,
}

func main() {
	flags := flag.NewFlagSet("telenode", flag.ContinueOnError)
	flagConfig := flags.String("config", "telenode.hcl", "")
	flags.Usage = func() {
		usage := "Usage: telenode [option] [command]\n\nOptions:\n"
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
		fmt.Fprint(flags.Output(), "\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flags.Output(), "  %-12s %s\n", m.Name, m.Help)
		}
	}
	err := flags.Parse(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			flags.Usage()
			os.Exit(0)
		}
		log.Fatal(err)
	}

	command := flags.Arg(0)
	if command == "" {
		command = run.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}
	if flags.NArg() > 1 {
		subcmd.Args = flags.Args()[1:]
	}

	if mod.Name == run.Mod.Name && subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}

	log.Infof("telenode version=%s starting %s", BuildVersion, mod.Name)
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)

	ctx, g := state_new.NewContext(log, nil)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, config); err != nil {
		g.Fatal(errors.Annotatef(err, "command=%s", mod.Name))
	}
	g.StopWait(5 * time.Second)
	g.Close()
}
