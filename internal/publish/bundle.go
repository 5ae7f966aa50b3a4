// Package publish ships serving bundles: the dictionary snapshot and bucket
// parameters an online scorer needs to reproduce offline encodings.
package publish

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/types"
)

// BundleFormat identifies the bundle layout. Version 2 added per-feature
// bucket bindings and per-feature admission thresholds.
const BundleFormat = "ctrfeat-bundle/2"

type Bundle struct {
	Format            string                             `json:"format"`
	RunID             string                             `json:"run_id"`
	Date              types.Date                         `json:"date"`
	ParamsFingerprint string                             `json:"params_fingerprint"`
	Params            bucket.Params                      `json:"params"`
	MinSupport        int64                              `json:"min_support"`
	FeatureMinSupport map[string]int64                   `json:"feature_min_support,omitempty"`
	Dictionaries      map[string][]types.DictionaryEntry `json:"dictionaries"`

	index map[string]map[string]types.DictionaryEntry
}

// EncodeBundle serializes b as snappy-compressed JSON.
func EncodeBundle(b *Bundle) ([]byte, error) {
	if b.Format == "" {
		b.Format = BundleFormat
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func DecodeBundle(data []byte) (*Bundle, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("unmarshal bundle: %w", err)
	}
	if b.Format != BundleFormat {
		return nil, fmt.Errorf("unsupported bundle format %q", b.Format)
	}
	if got := b.Params.Fingerprint(); got != b.ParamsFingerprint {
		return nil, fmt.Errorf("bundle params fingerprint %s does not match contents (%s)", b.ParamsFingerprint, got)
	}
	b.buildIndex()
	return &b, nil
}

func (b *Bundle) buildIndex() {
	b.index = make(map[string]map[string]types.DictionaryEntry, len(b.Dictionaries))
	for f, entries := range b.Dictionaries {
		m := make(map[string]types.DictionaryEntry, len(entries))
		for _, e := range entries {
			m[e.RawValue] = e
		}
		b.index[f] = m
	}
}

// Lookup resolves value as of asOf. Entries assigned after asOf are unknown,
// which matches the dated snapshot the dictionary would serve.
func (b *Bundle) Lookup(feature, value string, asOf types.Date) int32 {
	if b.index == nil {
		b.buildIndex()
	}
	e, ok := b.index[feature][value]
	if !ok || e.AssignedOn > asOf {
		return 0
	}
	return e.Code
}

// Sizes reports the dictionary size per feature as of asOf.
func (b *Bundle) Sizes(asOf types.Date) (map[string]int32, error) {
	out := make(map[string]int32, len(b.Dictionaries))
	for f, entries := range b.Dictionaries {
		var n int32
		for _, e := range entries {
			if e.AssignedOn <= asOf {
				n++
			}
		}
		out[f] = n
	}
	return out, nil
}
