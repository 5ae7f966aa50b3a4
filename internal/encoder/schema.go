package encoder

import (
	"errors"
	"fmt"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/types"
)

// ErrInvalidSchema is returned by Schema.Validate.
var ErrInvalidSchema = errors.New("invalid feature schema")

// Kind selects the transform applied to a feature.
type Kind string

const (
	KindCategorical Kind = "categorical"
	KindLog         Kind = "log"
	KindTruncate    Kind = "truncate"
	KindRate        Kind = "rate"
)

// FeatureSpec describes one encoded column.
//
// Categorical features read Column from RawEntityRecord.Categorical and are
// coded through the dictionary under Name. Log and truncate features read
// Column from Counters. Rate features divide the Numerator counter by the
// Denominator counter and bucket against threshold Table. Lagged features are
// joined from the previous day's snapshot.
//
// Rate features are aggregates over the label window and must be lagged.
// Log and truncate features may read same-day values for attributes that do
// not accumulate with the label (age, account tenure); accumulating counters
// should set Lagged.
type FeatureSpec struct {
	Name        string           `yaml:"name" json:"name"`
	Entity      types.EntityKind `yaml:"entity" json:"entity"`
	Kind        Kind             `yaml:"kind" json:"kind"`
	Column      string           `yaml:"column,omitempty" json:"column,omitempty"`
	Numerator   string           `yaml:"numerator,omitempty" json:"numerator,omitempty"`
	Denominator string           `yaml:"denominator,omitempty" json:"denominator,omitempty"`
	Table       string           `yaml:"table,omitempty" json:"table,omitempty"`
	Lagged      bool             `yaml:"lagged,omitempty" json:"lagged,omitempty"`
	// Cap and MaxBucket override the configured bucket parameters when > 0.
	Cap       int64 `yaml:"cap,omitempty" json:"cap,omitempty"`
	MaxBucket int   `yaml:"max_bucket,omitempty" json:"max_bucket,omitempty"`
}

// SequenceSpec describes one behavior-window column group.
type SequenceSpec struct {
	Name            string `yaml:"name" json:"name"`
	WindowSize      int    `yaml:"window_size" json:"window_size"`
	MostRecentFirst bool   `yaml:"most_recent_first" json:"most_recent_first"`
}

// Schema is the full column set of a training row.
type Schema struct {
	Labels    []string       `yaml:"labels" json:"labels"`
	Features  []FeatureSpec  `yaml:"features" json:"features"`
	Sequences []SequenceSpec `yaml:"sequences" json:"sequences"`
}

func (s Schema) Validate() error {
	seen := make(map[string]bool)
	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("%w: empty column name", ErrInvalidSchema)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, name)
		}
		seen[name] = true
		return nil
	}

	for _, l := range s.Labels {
		if err := claim(l); err != nil {
			return err
		}
	}
	for _, f := range s.Features {
		if err := claim(f.Name); err != nil {
			return err
		}
		if err := f.validate(); err != nil {
			return err
		}
	}
	for _, q := range s.Sequences {
		if err := claim(q.Name); err != nil {
			return err
		}
		if q.WindowSize <= 0 {
			return fmt.Errorf("%w: sequence %q window_size must be > 0", ErrInvalidSchema, q.Name)
		}
	}
	return nil
}

func (f FeatureSpec) validate() error {
	if !f.Entity.Valid() {
		return fmt.Errorf("%w: feature %q has entity %q", ErrInvalidSchema, f.Name, f.Entity)
	}
	switch f.Kind {
	case KindCategorical, KindLog, KindTruncate:
		if f.Column == "" {
			return fmt.Errorf("%w: feature %q needs a column", ErrInvalidSchema, f.Name)
		}
	case KindRate:
		if f.Numerator == "" || f.Denominator == "" || f.Table == "" {
			return fmt.Errorf("%w: rate feature %q needs numerator, denominator and table", ErrInvalidSchema, f.Name)
		}
		if !f.Lagged {
			return fmt.Errorf("%w: rate feature %q must be lagged", ErrInvalidSchema, f.Name)
		}
	default:
		return fmt.Errorf("%w: feature %q has unknown kind %q", ErrInvalidSchema, f.Name, f.Kind)
	}
	if f.Cap < 0 || f.MaxBucket < 0 {
		return fmt.Errorf("%w: feature %q has a negative override", ErrInvalidSchema, f.Name)
	}
	return nil
}

// Bindings returns the bucket binding of every numeric feature. Overrides are
// kept only for the transform they apply to.
func (s Schema) Bindings() map[string]bucket.Binding {
	out := make(map[string]bucket.Binding)
	for _, f := range s.Features {
		switch f.Kind {
		case KindLog:
			out[f.Name] = bucket.Binding{Transform: bucket.TransformLog, MaxBucket: f.MaxBucket}
		case KindTruncate:
			out[f.Name] = bucket.Binding{Transform: bucket.TransformTruncate, Cap: f.Cap}
		case KindRate:
			out[f.Name] = bucket.Binding{Transform: bucket.TransformRate, Table: f.Table}
		}
	}
	return out
}

// BucketParams returns p with the schema's feature bindings attached, the
// form both the encoder and the serving API require.
func (s Schema) BucketParams(p bucket.Params) bucket.Params {
	p.Features = s.Bindings()
	return p
}

// Categorical returns the categorical features of the given entity kind.
func (s Schema) Categorical(kind types.EntityKind) []FeatureSpec {
	var out []FeatureSpec
	for _, f := range s.Features {
		if f.Kind == KindCategorical && f.Entity == kind {
			out = append(out, f)
		}
	}
	return out
}

// CategoricalNames lists every dictionary-backed feature name.
func (s Schema) CategoricalNames() []string {
	var out []string
	for _, f := range s.Features {
		if f.Kind == KindCategorical {
			out = append(out, f.Name)
		}
	}
	return out
}

// Layout describes the flattened row: labels, features, sequence windows,
// then one length column per sequence.
func (s Schema) Layout() types.Layout {
	var cols []types.Column
	for _, l := range s.Labels {
		cols = append(cols, types.Column{Name: l, Width: 1})
	}
	for _, f := range s.Features {
		cols = append(cols, types.Column{Name: f.Name, Width: 1})
	}
	for _, q := range s.Sequences {
		cols = append(cols, types.Column{Name: q.Name, Width: q.WindowSize})
	}
	for _, q := range s.Sequences {
		cols = append(cols, types.Column{Name: q.Name + "_len", Width: 1})
	}
	return types.Layout{Columns: cols}
}
