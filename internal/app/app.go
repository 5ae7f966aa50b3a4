// Package app wires configuration into the stores, pipeline and commands
// shared by the unified binary and cmd/cli.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/config"
	"ctr-feature-engine/internal/dictionary"
	"ctr-feature-engine/internal/engine"
	"ctr-feature-engine/internal/publish"
	"ctr-feature-engine/internal/source"
	"ctr-feature-engine/internal/storage"
)

type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Dictionary *dictionary.Dictionary
	Buckets    *bucket.Bucketizer

	store *storage.BoltDictionaryStore
	src   *source.SQLiteSource
}

// Open opens the dictionary store. readOnly takes a shared lock so a serving
// process can coexist with readers but not with a running pipeline.
func Open(cfg *config.Config, logger *zap.Logger, readOnly bool) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bz, err := bucket.NewBucketizer(cfg.Buckets)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	var store *storage.BoltDictionaryStore
	if readOnly {
		store, err = storage.OpenBoltDictionaryStoreReadOnly(cfg.Dictionary.Path)
	} else {
		store, err = storage.NewBoltDictionaryStore(cfg.Dictionary.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open dictionary store: %w", err)
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Dictionary: dictionary.New(store, cfg.DictionaryOptions(), logger),
		Buckets:    bz,
		store:      store,
	}, nil
}

func (a *App) Source() (*source.SQLiteSource, error) {
	if a.src == nil {
		src, err := source.NewSQLiteSource(a.Config.Source.SQLitePath, a.Logger)
		if err != nil {
			return nil, err
		}
		a.src = src
	}
	return a.src, nil
}

// NewPublisher returns the configured bundle destination; S3 wins over a
// local dir.
func NewPublisher(ctx context.Context, cfg *config.Config) (publish.Publisher, error) {
	if cfg.Publish.S3 != nil {
		return publish.NewS3Publisher(ctx, *cfg.Publish.S3)
	}
	return publish.NewDirPublisher(cfg.Publish.Dir)
}

func (a *App) Pipeline(ctx context.Context) (*engine.Pipeline, error) {
	src, err := a.Source()
	if err != nil {
		return nil, err
	}
	pub, err := NewPublisher(ctx, a.Config)
	if err != nil {
		return nil, err
	}
	writer, err := storage.NewPartitionWriter(a.Config.Samples.Dir, a.Logger)
	if err != nil {
		return nil, err
	}
	return engine.NewPipeline(engine.Config{
		Source:     src,
		Dictionary: a.Dictionary,
		Buckets:    a.Buckets,
		Schema:     a.Config.Schema,
		Writer:     writer,
		Publisher:  pub,
		Workers:    a.Config.Workers,
		Logger:     a.Logger,
	})
}

func (a *App) Close() error {
	var errs []error
	if a.src != nil {
		errs = append(errs, a.src.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
