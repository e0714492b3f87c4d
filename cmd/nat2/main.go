// Command nat2 holds NAT port mappings open with STUN and UPnP and
// keeps a set of DNS records or webhooks pointed at the reflexive
// address it observes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/notifier"
	"github.com/hlandau/nat2/internal/orchestrator"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("nat2")

// shutdownGrace bounds how long Shutdown waits for every supervisor's
// own UPnP cleanup and mapper teardown before returning anyway.
const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to configuration file")
	flag.StringVar(configPath, "c", *configPath, "shorthand for --config")
	debug := flag.Bool("debug", false, "enable verbose notifier-trace logs")
	flag.Parse()

	notifier.SetDebugTrace(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nat2: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, err := orchestrator.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nat2: %v\n", err)
		return 1
	}

	log.Infof("nat2 running with %d configured mapping(s)", len(cfg.Map))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)
	<-sigCh
	signal.Stop(sigCh)

	log.Infof("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)

	return 0
}
