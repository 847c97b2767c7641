// tcprelay — headless one-way TCP relay.
//
// Forwards bytes from a single upstream producer to one or more downstream
// consumers, reconnecting when either side drops. Each side independently
// either connects out or listens, selected by -mode.
//
//	tcprelay [-mode connect-listen] [-dump] [-retry 5] src dst
//
// src and dst are host:port. SIGINT/SIGTERM trigger a graceful stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/urfave/cli"

	"github.com/tanaka-ryuya/tcprelay/internal/relay"
	"github.com/tanaka-ryuya/tcprelay/internal/util"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "tcprelay"
	app.Usage = "one-way TCP relay (upstream -> downstream)"
	app.ArgsUsage = "src dst"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "mode",
			Value: string(relay.ModeConnectListen),
			Usage: fmt.Sprintf("connection mode, one of %v", relay.Modes),
		},
		cli.BoolFlag{
			Name:  "dump",
			Usage: "dump relayed data to the log",
		},
		cli.IntFlag{
			Name:  "retry",
			Value: 5,
			Usage: "reconnect interval in seconds",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		util.EnableDebug()
	}

	if c.NArg() != 2 {
		return fmt.Errorf("expected exactly two arguments: src dst (host:port each)")
	}

	srcHost, srcPort, err := relay.SplitHostPort(c.Args().Get(0))
	if err != nil {
		return err
	}
	dstHost, dstPort, err := relay.SplitHostPort(c.Args().Get(1))
	if err != nil {
		return err
	}
	mode, err := relay.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}
	retry := c.Int("retry")
	if retry < 1 {
		return fmt.Errorf("invalid -retry %d (must be >= 1)", retry)
	}

	cfg := relay.Config{
		SrcHost: srcHost,
		SrcPort: srcPort,
		DstHost: dstHost,
		DstPort: dstPort,
		Mode:    mode,
		Dump:    c.Bool("dump"),
		Retry:   time.Duration(retry) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Root context — cancelled on Ctrl+C / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("tcprelay — v%s", version))
	pterm.Println()

	util.StartStatsReporter(ctx)

	return relay.New(cfg).Start(ctx)
}
