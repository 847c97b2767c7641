// relay-panel — browser control panel for the relay.
//
// Hosts the tab manager: each tab is one relay engine with its own
// configuration, start/stop buttons, live status, and log stream. Tab
// configurations persist in relay_gui_config.json in the working
// directory and are restored on the next launch.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tanaka-ryuya/tcprelay/internal/panel"
	"github.com/tanaka-ryuya/tcprelay/internal/util"
)

func main() {
	// Root context — cancelled on Ctrl+C / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := flag.String("addr", "127.0.0.1:8077", "panel listen address")
	configPath := flag.String("config", panel.ConfigFile, "tab configuration file")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	mgr := panel.NewManager(*configPath)
	srv := panel.NewServer(mgr)
	if err := srv.Start(*addr); err != nil {
		util.LogError("failed to start panel: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("control panel listening on http://%s", srv.Addr())

	<-ctx.Done()

	mgr.StopAll()
	util.LogInfo("panel shut down")
}
