package bucket

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// LogParams configures LogBucket.
type LogParams struct {
	Base      float64 `yaml:"base" json:"base"`
	MaxBucket int     `yaml:"max_bucket" json:"max_bucket"`
	Scale     float64 `yaml:"scale" json:"scale"`
}

// RateParams configures ConversionRateBucket. Tables are the named, versioned
// threshold tables shipped to serving.
type RateParams struct {
	Alpha  float64              `yaml:"alpha" json:"alpha"`
	Beta   float64              `yaml:"beta" json:"beta"`
	Tables map[string][]float64 `yaml:"tables" json:"tables"`
}

// Params is the single versioned bucketizer configuration consumed by both the
// batch pipeline and the serving API.
type Params struct {
	Version     string     `yaml:"version" json:"version"`
	Log         LogParams  `yaml:"log" json:"log"`
	TruncateCap int64      `yaml:"truncate_cap" json:"truncate_cap"`
	Rate        RateParams `yaml:"rate" json:"rate"`

	// Features binds numeric features to their transform and overrides. It is
	// derived from the feature schema, never written by hand.
	Features map[string]Binding `yaml:"-" json:"features,omitempty"`
}

// DefaultParams mirrors the constants the upstream UDFs were registered with.
func DefaultParams() Params {
	return Params{
		Version:     "v1",
		Log:         LogParams{Base: 2, MaxBucket: 20, Scale: 1},
		TruncateCap: 100,
		Rate: RateParams{
			Alpha:  1,
			Beta:   1,
			Tables: map[string][]float64{},
		},
	}
}

func (p Params) Validate() error {
	if p.Version == "" {
		return paramErr("version", "must not be empty")
	}
	if err := validateLog(p.Log.Base, p.Log.MaxBucket, p.Log.Scale); err != nil {
		return err
	}
	if p.TruncateCap < 0 {
		return paramErr("truncate_cap", "must be >= 0, got %d", p.TruncateCap)
	}
	if err := validateSmoothing(p.Rate.Alpha, p.Rate.Beta); err != nil {
		return err
	}
	for name, table := range p.Rate.Tables {
		if err := ValidateThresholds(table); err != nil {
			return fmt.Errorf("table %q: %w", name, err)
		}
	}
	for name, b := range p.Features {
		if err := b.validate(p); err != nil {
			return fmt.Errorf("feature %q: %w", name, err)
		}
	}
	return nil
}

// Fingerprint hashes the canonical JSON form of p. Offline and online paths
// compare fingerprints to detect parameter drift.
func (p Params) Fingerprint() string {
	names := make([]string, 0, len(p.Rate.Tables))
	for name := range p.Rate.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	h := xxhash.New()
	head, _ := json.Marshal(struct {
		Version string    `json:"version"`
		Log     LogParams `json:"log"`
		Cap     int64     `json:"cap"`
		Alpha   float64   `json:"alpha"`
		Beta    float64   `json:"beta"`
	}{p.Version, p.Log, p.TruncateCap, p.Rate.Alpha, p.Rate.Beta})
	_, _ = h.Write(head)
	for _, name := range names {
		row, _ := json.Marshal(p.Rate.Tables[name])
		_, _ = h.WriteString(name)
		_, _ = h.Write(row)
	}

	features := make([]string, 0, len(p.Features))
	for name := range p.Features {
		features = append(features, name)
	}
	sort.Strings(features)
	for _, name := range features {
		row, _ := json.Marshal(p.Features[name])
		_, _ = h.WriteString("feature:" + name)
		_, _ = h.Write(row)
	}
	return fmt.Sprintf("%s-%016x", p.Version, h.Sum64())
}

// Bucketizer applies a validated Params. Its methods cannot fail.
type Bucketizer struct {
	params Params
}

// NewBucketizer validates p once; per-record calls never re-validate.
func NewBucketizer(p Params) (*Bucketizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Bucketizer{params: p}, nil
}

func (b *Bucketizer) Params() Params { return b.params }

func (b *Bucketizer) Log(count int64) int {
	lp := b.params.Log
	return logBucket(count, lp.Base, lp.MaxBucket, lp.Scale)
}

// LogCapped uses maxBucket instead of the configured one. A negative maxBucket
// falls back to the configured value.
func (b *Bucketizer) LogCapped(count int64, maxBucket int) int {
	if maxBucket < 0 {
		return b.Log(count)
	}
	lp := b.params.Log
	return logBucket(count, lp.Base, maxBucket, lp.Scale)
}

func (b *Bucketizer) Truncate(count int64) int64 {
	return truncateBucket(count, b.params.TruncateCap)
}

// TruncateAt clamps with an explicit cap; a negative cap falls back to the configured one.
func (b *Bucketizer) TruncateAt(count, cap int64) int64 {
	if cap < 0 {
		return b.Truncate(count)
	}
	return truncateBucket(count, cap)
}

// Rate buckets numerator/denominator against the named threshold table.
// ok is false when the table is not configured.
func (b *Bucketizer) Rate(table string, numerator, denominator int64) (bucket int, ok bool) {
	thresholds, ok := b.params.Rate.Tables[table]
	if !ok {
		return 0, false
	}
	return rateBucket(numerator, denominator, thresholds, b.params.Rate.Alpha, b.params.Rate.Beta), true
}

// HasTable reports whether a threshold table is configured.
func (b *Bucketizer) HasTable(table string) bool {
	_, ok := b.params.Rate.Tables[table]
	return ok
}
