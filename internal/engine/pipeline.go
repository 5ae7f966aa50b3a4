// Package engine runs the daily feature pipeline: advance the dictionary,
// encode D and D-1 snapshots, assemble training rows, write the partition and
// publish the serving bundle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ctr-feature-engine/internal/assembler"
	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/dictionary"
	"ctr-feature-engine/internal/encoder"
	"ctr-feature-engine/internal/metrics"
	"ctr-feature-engine/internal/publish"
	"ctr-feature-engine/internal/source"
	"ctr-feature-engine/internal/storage"
	"ctr-feature-engine/internal/types"
)

type Config struct {
	Source     source.Source
	Dictionary *dictionary.Dictionary
	Buckets    *bucket.Bucketizer
	Schema     encoder.Schema
	Writer     *storage.PartitionWriter
	// Publisher is optional; without it no bundle is shipped.
	Publisher publish.Publisher
	Workers   int
	Logger    *zap.Logger
}

type Pipeline struct {
	src       source.Source
	dict      *dictionary.Dictionary
	buckets   *bucket.Bucketizer
	schema    encoder.Schema
	enc       *encoder.Encoder
	asm       *assembler.Assembler
	writer    *storage.PartitionWriter
	publisher publish.Publisher

	workers int
	logger  *zap.Logger
}

// FeatureAdvance summarizes one feature's dictionary step.
type FeatureAdvance struct {
	Feature      string `json:"feature"`
	PriorSize    int32  `json:"prior_size"`
	Size         int32  `json:"size"`
	Added        int    `json:"added"`
	BelowSupport int    `json:"below_support"`
	Unchanged    bool   `json:"unchanged"`
}

type RunReport struct {
	RunID     string           `json:"run_id"`
	Date      types.Date       `json:"date"`
	Advances  []FeatureAdvance `json:"advances"`
	Assembly  assembler.Stats  `json:"assembly"`
	BundleKey string           `json:"bundle_key,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil || cfg.Dictionary == nil || cfg.Buckets == nil || cfg.Writer == nil {
		return nil, errors.New("pipeline: source, dictionary, buckets and writer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	enc, err := encoder.New(cfg.Schema, cfg.Dictionary, cfg.Buckets)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		src:       cfg.Source,
		dict:      cfg.Dictionary,
		buckets:   cfg.Buckets,
		schema:    cfg.Schema,
		enc:       enc,
		asm:       assembler.New(cfg.Schema, cfg.Logger),
		writer:    cfg.Writer,
		publisher: cfg.Publisher,
		workers:   cfg.Workers,
		logger:    cfg.Logger,
	}, nil
}

// dayInput is everything read from the source for one run.
type dayInput struct {
	users, items       []types.RawEntityRecord
	lagUsers, lagItems []types.RawEntityRecord
	interactions       []types.Interaction
	behaviors          map[string][]types.BehaviorEvent
}

// Run processes date. Any dictionary failure aborts before rows are written.
func (p *Pipeline) Run(ctx context.Context, date types.Date) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), Date: date}
	if !date.Valid() {
		return report, fmt.Errorf("run: invalid date %q", date)
	}
	start := time.Now()
	log := p.logger.With(zap.String("run_id", report.RunID), zap.String("date", date.String()))
	log.Info("pipeline run started")

	err := p.run(ctx, date, &report, log)
	report.Duration = time.Since(start)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failure").Inc()
		log.Error("pipeline run failed", zap.Error(err), zap.Duration("duration", report.Duration))
		return report, err
	}
	metrics.RunsTotal.WithLabelValues("success").Inc()
	log.Info("pipeline run finished",
		zap.Int("rows", report.Assembly.Rows),
		zap.Int("duplicates", report.Assembly.Duplicates),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, date types.Date, report *RunReport, log *zap.Logger) error {
	stage := time.Now()
	in, err := p.load(ctx, date)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	metrics.ObserveStage("load", stage)

	stage = time.Now()
	current := append(append([]types.RawEntityRecord(nil), in.users...), in.items...)
	advances, err := p.advance(ctx, date, encoder.Candidates(current, p.schema), log)
	if err != nil {
		return fmt.Errorf("advance dictionary: %w", err)
	}
	report.Advances = advances
	metrics.ObserveStage("advance", stage)

	stage = time.Now()
	encoded := make([][]types.EncodedFeatureRecord, 4)
	g, gctx := errgroup.WithContext(ctx)
	for i, recs := range [][]types.RawEntityRecord{in.users, in.items, in.lagUsers, in.lagItems} {
		g.Go(func() error {
			out, err := p.enc.EncodeAll(gctx, recs, p.workers)
			encoded[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	metrics.ObserveStage("encode", stage)

	stage = time.Now()
	rows, stats := p.asm.Assemble(assembler.Input{
		Date:         date,
		Interactions: in.interactions,
		CurrentUsers: encoder.Index(encoded[0]),
		CurrentItems: encoder.Index(encoded[1]),
		LaggedUsers:  encoder.Index(encoded[2]),
		LaggedItems:  encoder.Index(encoded[3]),
		Behaviors:    in.behaviors,
	})
	report.Assembly = stats
	metrics.DuplicateInteractions.Add(float64(stats.Duplicates))
	metrics.ObserveStage("assemble", stage)

	if err := ctx.Err(); err != nil {
		return err
	}

	stage = time.Now()
	flat := make([][]int64, len(rows))
	for i, r := range rows {
		flat[i] = r.Flatten()
	}
	err = p.writer.Write(storage.PartitionHeader{
		Date:              date,
		Layout:            p.asm.Layout(),
		RunID:             report.RunID,
		ParamsFingerprint: p.buckets.Params().Fingerprint(),
	}, flat)
	if err != nil {
		return fmt.Errorf("write partition: %w", err)
	}
	metrics.RowsWritten.Add(float64(len(flat)))
	metrics.ObserveStage("write", stage)

	if p.publisher == nil {
		return nil
	}
	stage = time.Now()
	key, err := p.publish(ctx, date, report.RunID, log)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	report.BundleKey = key
	metrics.ObserveStage("publish", stage)
	return nil
}

func (p *Pipeline) load(ctx context.Context, date types.Date) (*dayInput, error) {
	in := &dayInput{}
	prev := date.Prev()
	g, ctx := errgroup.WithContext(ctx)
	entity := func(dst *[]types.RawEntityRecord, kind types.EntityKind, d types.Date) {
		g.Go(func() error {
			recs, err := p.src.EntityRecords(ctx, kind, d)
			*dst = recs
			return err
		})
	}
	entity(&in.users, types.EntityUser, date)
	entity(&in.items, types.EntityItem, date)
	entity(&in.lagUsers, types.EntityUser, prev)
	entity(&in.lagItems, types.EntityItem, prev)
	g.Go(func() error {
		its, err := p.src.Interactions(ctx, date)
		in.interactions = its
		return err
	})
	g.Go(func() error {
		beh, err := p.src.Behaviors(ctx, date)
		in.behaviors = beh
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

// advance steps every categorical feature to date. Features are independent
// and run concurrently; each result is verified against the store.
func (p *Pipeline) advance(ctx context.Context, date types.Date, candidates map[string]map[string]int64, log *zap.Logger) ([]FeatureAdvance, error) {
	features := p.schema.CategoricalNames()
	sort.Strings(features)

	var mu sync.Mutex
	out := make([]FeatureAdvance, 0, len(features))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, f := range features {
		g.Go(func() error {
			res, err := p.dict.Advance(ctx, f, date, candidates[f])
			if err != nil {
				return err
			}
			if err := p.dict.Verify(f); err != nil {
				return err
			}
			metrics.CodesAssigned.WithLabelValues(f).Add(float64(len(res.Added)))
			metrics.DictionarySize.WithLabelValues(f).Set(float64(res.Size))
			log.Info("dictionary advanced",
				zap.String("feature", f),
				zap.Int32("prior_size", res.PriorSize),
				zap.Int32("size", res.Size),
				zap.Int("codes_assigned", len(res.Added)),
				zap.Int("below_support", res.BelowSupport),
				zap.Bool("unchanged", res.Unchanged))

			mu.Lock()
			out = append(out, FeatureAdvance{
				Feature:      f,
				PriorSize:    res.PriorSize,
				Size:         res.Size,
				Added:        len(res.Added),
				BelowSupport: res.BelowSupport,
				Unchanged:    res.Unchanged,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out, nil
}

func (p *Pipeline) publish(ctx context.Context, date types.Date, runID string, log *zap.Logger) (string, error) {
	dicts := make(map[string][]types.DictionaryEntry)
	for _, f := range p.schema.CategoricalNames() {
		entries, err := p.dict.Snapshot(f, date)
		if err != nil {
			return "", err
		}
		dicts[f] = entries
	}
	params := p.buckets.Params()
	admission := p.dict.Options()
	return publish.Publish(ctx, p.publisher, &publish.Bundle{
		RunID:             runID,
		Date:              date,
		ParamsFingerprint: params.Fingerprint(),
		Params:            params,
		MinSupport:        admission.MinSupport,
		FeatureMinSupport: admission.FeatureMinSupport,
		Dictionaries:      dicts,
	}, log)
}

// Backfill runs every date in [from, to] in order, stopping at the first
// failure. A feature's history is a single ordered stream, so dates never run
// concurrently.
func (p *Pipeline) Backfill(ctx context.Context, from, to types.Date) ([]RunReport, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("backfill: invalid range %q..%q", from, to)
	}
	if from > to {
		return nil, fmt.Errorf("backfill: from %s is after to %s", from, to)
	}
	var reports []RunReport
	for d := from; d <= to; d = d.Next() {
		r, err := p.Run(ctx, d)
		if err != nil {
			return reports, fmt.Errorf("backfill %s: %w", d, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
