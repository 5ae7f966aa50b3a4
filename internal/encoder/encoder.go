// Package encoder turns raw entity snapshots into integer feature records
// using the incremental dictionary and the shared bucketizer.
package encoder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/types"
)

// Lookuper resolves categorical codes. *dictionary.Dictionary satisfies it.
type Lookuper interface {
	Lookup(feature, value string, asOf types.Date) int32
}

type Encoder struct {
	schema  Schema
	dict    Lookuper
	buckets *bucket.Bucketizer
}

// New validates schema and requires buckets to carry exactly the schema's
// feature bindings (see Schema.BucketParams), so that the fingerprint shipped
// with the params covers every setting the encoder applies.
func New(schema Schema, dict Lookuper, buckets *bucket.Bucketizer) (*Encoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	want := schema.Bindings()
	for _, f := range schema.Features {
		if f.Kind == KindRate && !buckets.HasTable(f.Table) {
			return nil, fmt.Errorf("%w: feature %q uses unknown threshold table %q", ErrInvalidSchema, f.Name, f.Table)
		}
		if w, ok := want[f.Name]; ok {
			if got, bound := buckets.Binding(f.Name); !bound || got != w {
				return nil, fmt.Errorf("%w: bucket params do not bind feature %q as %+v", ErrInvalidSchema, f.Name, w)
			}
		}
	}
	if n := len(buckets.Params().Features); n != len(want) {
		return nil, fmt.Errorf("%w: bucket params bind %d features, schema has %d", ErrInvalidSchema, n, len(want))
	}
	return &Encoder{schema: schema, dict: dict, buckets: buckets}, nil
}

func (e *Encoder) Schema() Schema { return e.schema }

// Encode applies every feature of rec.Kind. Categorical lookups are made as of
// rec.Date; missing values and counters encode as 0.
func (e *Encoder) Encode(rec types.RawEntityRecord) types.EncodedFeatureRecord {
	out := types.EncodedFeatureRecord{
		EntityID: rec.EntityID,
		Kind:     rec.Kind,
		Date:     rec.Date,
		Values:   make(map[string]int64),
	}
	for _, f := range e.schema.Features {
		if f.Entity != rec.Kind {
			continue
		}
		out.Values[f.Name] = e.value(f, rec)
	}
	return out
}

func (e *Encoder) value(f FeatureSpec, rec types.RawEntityRecord) int64 {
	switch f.Kind {
	case KindCategorical:
		raw := rec.Categorical[f.Column]
		if raw == "" {
			return 0
		}
		return int64(e.dict.Lookup(f.Name, raw, rec.Date))
	case KindLog, KindTruncate:
		v, _ := e.buckets.Feature(f.Name, rec.Counters[f.Column], 0)
		return v
	case KindRate:
		v, _ := e.buckets.Feature(f.Name, rec.Counters[f.Numerator], rec.Counters[f.Denominator])
		return v
	}
	return 0
}

// EncodeAll encodes recs with at most workers goroutines, preserving order.
func (e *Encoder) EncodeAll(ctx context.Context, recs []types.RawEntityRecord, workers int) ([]types.EncodedFeatureRecord, error) {
	if workers <= 0 {
		workers = 1
	}
	out := make([]types.EncodedFeatureRecord, len(recs))
	chunk := (len(recs) + workers - 1) / workers
	if chunk == 0 {
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(recs); start += chunk {
		start, end := start, min(start+chunk, len(recs))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				out[i] = e.Encode(recs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Index keys encoded records by entity id.
func Index(recs []types.EncodedFeatureRecord) map[string]types.EncodedFeatureRecord {
	m := make(map[string]types.EncodedFeatureRecord, len(recs))
	for _, r := range recs {
		m[r.EntityID] = r
	}
	return m
}

// Candidates counts, per categorical feature, how many records carry each raw
// value. Empty values are missing and never become candidates.
func Candidates(recs []types.RawEntityRecord, schema Schema) map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	for _, f := range schema.Features {
		if f.Kind == KindCategorical {
			out[f.Name] = make(map[string]int64)
		}
	}
	for _, rec := range recs {
		for _, f := range schema.Categorical(rec.Kind) {
			if v := rec.Categorical[f.Column]; v != "" {
				out[f.Name][v]++
			}
		}
	}
	return out
}
