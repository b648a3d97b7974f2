// Command conductord is the conductor server daemon. It wires the event bus,
// task store, agent pool, tool registry, orchestrator, webhook delivery and
// live event hub from a YAML config file and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/internal/tracing"
	"github.com/GoCodeAlone/conductor/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file (defaults apply when empty)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductord %s\n", version.Get())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting conductord",
		"version", version.Version,
		"commit", version.Commit,
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Driver,
	)

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, "stdout")
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	runErr := d.run(ctx)
	if err := shutdownTracing(context.Background()); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	if runErr != nil {
		logger.Error("conductord exited", "error", runErr)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
