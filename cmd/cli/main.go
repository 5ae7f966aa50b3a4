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

	"ctr-feature-engine/internal/app"
	"ctr-feature-engine/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (defaults apply when empty)")
		cmd        = flag.String("cmd", "", "command to run: "+strings.Join(app.Commands, " | "))
	)
	flag.Parse()

	if *cmd == "" {
		fmt.Fprintln(os.Stderr, "error: -cmd is required")
		os.Exit(2)
	}

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

	a, err := app.Open(cfg, logger, false)
	if err != nil {
		logger.Fatal("failed to open app", zap.Error(err))
	}
	defer a.Close()

	// Remaining args are the command's own flags, e.g. -cmd run -date 20240102.
	if err := a.Run(ctx, *cmd, flag.Args(), os.Stdin, os.Stdout); err != nil {
		logger.Error("command failed", zap.String("cmd", *cmd), zap.Error(err))
		os.Exit(1)
	}
}
