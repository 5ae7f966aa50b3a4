package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"ctr-feature-engine/internal/api"
	"ctr-feature-engine/internal/app"
	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/config"
	"ctr-feature-engine/internal/publish"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (defaults apply when empty)")
		addr       = flag.String("addr", "", "listen address; overrides server.addr")
		fromBundle = flag.Bool("bundle", false, "serve the latest published bundle instead of the dictionary store")
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

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = cfg.Server.Addr
	}

	var srv *api.Server
	if *fromBundle {
		// Bundle mode needs no local dictionary: codes and bucket params both
		// come from the published artifact.
		srv, err = bundleServer(cfg, logger)
		if err != nil {
			logger.Fatal("failed to load bundle", zap.Error(err))
		}
	} else {
		a, err := app.Open(cfg, logger, true)
		if err != nil {
			logger.Fatal("failed to open app", zap.Error(err))
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}()
		srv = api.NewServer(a.Dictionary, a.Buckets, logger)
	}

	if err := srv.Start(listenAddr); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func bundleServer(cfg *config.Config, logger *zap.Logger) (*api.Server, error) {
	ctx := context.Background()
	pub, err := app.NewPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b, err := publish.FetchLatest(ctx, pub)
	if err != nil {
		return nil, err
	}
	bz, err := bucket.NewBucketizer(b.Params)
	if err != nil {
		return nil, err
	}
	logger.Info("serving bundle",
		zap.String("date", b.Date.String()),
		zap.String("run_id", b.RunID),
		zap.String("params_fingerprint", b.ParamsFingerprint))
	return api.NewServer(b, bz, logger), nil
}
