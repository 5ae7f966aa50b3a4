package bucket

// Transform names a numeric bucketizer a feature is bound to.
type Transform string

const (
	TransformLog      Transform = "log"
	TransformTruncate Transform = "truncate"
	TransformRate     Transform = "rate"
)

// Binding pins the bucket settings of one numeric feature so that training
// and serving resolve the feature the same way. A zero Cap or MaxBucket
// means the global value applies.
type Binding struct {
	Transform Transform `json:"transform"`
	Cap       int64     `json:"cap,omitempty"`
	MaxBucket int       `json:"max_bucket,omitempty"`
	Table     string    `json:"table,omitempty"`
}

func (b Binding) validate(p Params) error {
	if b.Cap < 0 {
		return paramErr("cap", "must be >= 0, got %d", b.Cap)
	}
	if b.MaxBucket < 0 {
		return paramErr("max_bucket", "must be >= 0, got %d", b.MaxBucket)
	}
	switch b.Transform {
	case TransformLog, TransformTruncate:
	case TransformRate:
		if _, ok := p.Rate.Tables[b.Table]; !ok {
			return paramErr("table", "unknown threshold table %q", b.Table)
		}
	default:
		return paramErr("transform", "unknown transform %q", b.Transform)
	}
	return nil
}

// Binding returns the settings bound to feature.
func (b *Bucketizer) Binding(feature string) (Binding, bool) {
	bind, ok := b.params.Features[feature]
	return bind, ok
}

// Feature buckets a value of a bound feature. Log and truncate features read
// a; rate features use a as numerator and d as denominator. ok is false when
// feature has no binding.
func (b *Bucketizer) Feature(feature string, a, d int64) (value int64, ok bool) {
	bind, ok := b.params.Features[feature]
	if !ok {
		return 0, false
	}
	switch bind.Transform {
	case TransformLog:
		if bind.MaxBucket > 0 {
			return int64(b.LogCapped(a, bind.MaxBucket)), true
		}
		return int64(b.Log(a)), true
	case TransformTruncate:
		if bind.Cap > 0 {
			return b.TruncateAt(a, bind.Cap), true
		}
		return b.Truncate(a), true
	case TransformRate:
		r, ok := b.Rate(bind.Table, a, d)
		return int64(r), ok
	}
	return 0, false
}
