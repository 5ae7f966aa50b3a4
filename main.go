// Unified entry point for ctr-feature-engine.
// If -cmd is set, runs a single CLI command and exits.
// Otherwise, starts the serving API on -addr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"ctr-feature-engine/internal/api"
	"ctr-feature-engine/internal/app"
	"ctr-feature-engine/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (defaults apply when empty)")
		cmd        = flag.String("cmd", "", "CLI command: "+strings.Join(app.Commands, " | "))
		addr       = flag.String("addr", "", "listen address; overrides server.addr")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The pipeline needs the writable store; serving only reads.
	a, err := app.Open(cfg, logger, *cmd == "")
	if err != nil {
		logger.Fatal("failed to open app", zap.Error(err))
	}
	defer a.Close()

	if *cmd != "" {
		if err := a.Run(ctx, *cmd, flag.Args(), os.Stdin, os.Stdout); err != nil {
			logger.Fatal("command failed", zap.String("cmd", *cmd), zap.Error(err))
		}
		return
	}

	// ── HTTP server mode ──
	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = cfg.Server.Addr
	}
	srv := api.NewServer(a.Dictionary, a.Buckets, logger)
	logger.Info("ctr-feature-engine serving",
		zap.String("addr", listenAddr),
		zap.String("dictionary", cfg.Dictionary.Path),
		zap.String("params_fingerprint", cfg.Buckets.Fingerprint()))
	if err := srv.Start(listenAddr); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
