// Package dictionary assigns stable integer codes to raw categorical values.
//
// Each feature owns an append-only arena of interned values; code i is the
// value at arena position i-1, and code 0 is reserved for unknown or missing
// values. A dated snapshot is an arena prefix, so snapshots only ever grow and
// an assigned code is never changed. Advance calls for one feature are
// serialized; distinct features advance independently.
package dictionary

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"ctr-feature-engine/internal/types"
)

// DefaultMinSupport is the admission threshold used when none is configured.
const DefaultMinSupport int64 = 100

// Options configures admission.
type Options struct {
	// MinSupport is the minimum frequency a value needs to enter the dictionary.
	MinSupport int64
	// FeatureMinSupport overrides MinSupport per feature.
	FeatureMinSupport map[string]int64
}

func (o Options) minSupport(feature string) int64 {
	if v, ok := o.FeatureMinSupport[feature]; ok {
		return v
	}
	return o.MinSupport
}

// AdvanceResult describes one Advance call.
type AdvanceResult struct {
	Feature   string
	Date      types.Date
	PriorSize int32
	Size      int32
	Added     []types.DictionaryEntry
	// BelowSupport counts candidates rejected by the support threshold.
	BelowSupport int
	// Unchanged is set when the stored snapshot already matched and nothing was written.
	Unchanged bool
}

type featureState struct {
	mu     sync.RWMutex
	loaded bool
	arena  *arena
}

// Dictionary is the incremental categorical encoder.
type Dictionary struct {
	store  Store
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	features map[string]*featureState
}

func New(store Store, opts Options, logger *zap.Logger) *Dictionary {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MinSupport <= 0 {
		opts.MinSupport = DefaultMinSupport
	}
	return &Dictionary{
		store:    store,
		opts:     opts,
		logger:   logger,
		features: make(map[string]*featureState),
	}
}

// Load reads the given features from the store, surfacing storage or
// integrity errors that Lookup would otherwise only log.
func (d *Dictionary) Load(features ...string) error {
	for _, f := range features {
		if _, err := d.state(f); err != nil {
			return err
		}
	}
	return nil
}

// Options returns the admission settings in effect.
func (d *Dictionary) Options() Options {
	return Options{MinSupport: d.opts.MinSupport, FeatureMinSupport: maps.Clone(d.opts.FeatureMinSupport)}
}

func (d *Dictionary) state(feature string) (*featureState, error) {
	d.mu.RLock()
	st, ok := d.features[feature]
	d.mu.RUnlock()
	if !ok {
		d.mu.Lock()
		if st, ok = d.features[feature]; !ok {
			st = &featureState{}
			d.features[feature] = st
		}
		d.mu.Unlock()
	}

	st.mu.RLock()
	loaded := st.loaded
	st.mu.RUnlock()
	if loaded {
		return st, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.loaded {
		return st, nil
	}
	h, err := d.store.LoadFeature(feature)
	if err != nil {
		return nil, fmt.Errorf("load feature %q: %w", feature, err)
	}
	if h.Feature == "" {
		h.Feature = feature
	}
	a, err := fromHistory(h)
	if err != nil {
		return nil, err
	}
	st.arena = a
	st.loaded = true
	return st, nil
}

// Advance builds the snapshot for date from the preceding snapshot plus the
// candidates whose support reaches the admission threshold. New values get
// codes in ascending raw-value order, continuing after the preceding maximum.
//
// Re-running the latest date recomputes it from its predecessor and is
// idempotent. Re-running an older date is accepted only when it reproduces
// the stored snapshot.
func (d *Dictionary) Advance(ctx context.Context, feature string, date types.Date, candidates map[string]int64) (AdvanceResult, error) {
	res := AdvanceResult{Feature: feature, Date: date}
	if feature == "" {
		return res, fmt.Errorf("advance: empty feature name")
	}
	if !date.Valid() {
		return res, fmt.Errorf("advance %q: invalid date %q", feature, date)
	}

	st, err := d.state(feature)
	if err != nil {
		return res, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a := st.arena

	prior, _ := a.markBefore(date)
	res.PriorSize = prior.Size

	threshold := d.opts.minSupport(feature)
	var added []types.DictionaryEntry
	for value, support := range candidates {
		if value == "" {
			continue
		}
		if support < threshold {
			res.BelowSupport++
			continue
		}
		if a.code(value, prior.Size) != 0 {
			continue
		}
		added = append(added, types.DictionaryEntry{Feature: feature, RawValue: value, AssignedOn: date})
	}
	sortCandidates(added)
	for i := range added {
		added[i].Code = prior.Size + int32(i) + 1
	}
	size := prior.Size + int32(len(added))
	res.Size = size
	res.Added = added

	latest, hasLatest := a.latest()
	if hasLatest && latest.Date >= date {
		existing, ok := a.exact(date)
		if ok && existing.Size == size && sameTail(a, prior.Size, added) {
			res.Unchanged = true
			return res, nil
		}
		if latest.Date > date {
			return res, fmt.Errorf("%w: feature %q date %s precedes latest snapshot %s and would change it", ErrOutOfOrder, feature, date, latest.Date)
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	commit := Commit{
		Feature:    feature,
		Date:       date,
		TruncateTo: prior.Size,
		Added:      added,
		Size:       size,
	}
	if err := d.store.Commit(commit); err != nil {
		return res, fmt.Errorf("commit feature %q date %s: %w", feature, date, err)
	}

	if int(prior.Size) < len(a.values) {
		a.truncate(prior.Size)
	}
	for _, e := range added {
		if code := a.append(e.RawValue, e.AssignedOn); code != e.Code {
			return res, fmt.Errorf("%w: feature %q value %q got code %d, expected %d", ErrCodeReassigned, feature, e.RawValue, code, e.Code)
		}
	}
	a.marks = upsertMark(a.marks, Mark{Date: date, Size: size})

	d.logger.Debug("dictionary advanced",
		zap.String("feature", feature),
		zap.String("date", date.String()),
		zap.Int32("prior_size", prior.Size),
		zap.Int32("size", size),
		zap.Int("codes_assigned", len(added)),
		zap.Int("below_support", res.BelowSupport))
	return res, nil
}

func sameTail(a *arena, from int32, added []types.DictionaryEntry) bool {
	if int(from)+len(added) > len(a.values) {
		return false
	}
	for i, e := range added {
		if a.values[int(from)+i] != e.RawValue || a.assignedOn[int(from)+i] != e.AssignedOn {
			return false
		}
	}
	return true
}

// SnapshotFor returns the mark of the latest snapshot at or before asOf, or
// ErrMissingSnapshot.
func (d *Dictionary) SnapshotFor(feature string, asOf types.Date) (Mark, error) {
	st, err := d.state(feature)
	if err != nil {
		return Mark{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	mk, ok := st.arena.markAt(asOf)
	if !ok {
		return Mark{}, fmt.Errorf("%w: feature %q as of %s", ErrMissingSnapshot, feature, asOf)
	}
	return mk, nil
}

// lookupState returns the state of feature, or nil when neither memory nor
// the store knows it. Names that only appear in lookups never allocate state.
func (d *Dictionary) lookupState(feature string) (*featureState, error) {
	d.mu.RLock()
	_, ok := d.features[feature]
	d.mu.RUnlock()
	if !ok {
		stored, err := d.store.Features()
		if err != nil {
			return nil, fmt.Errorf("list features: %w", err)
		}
		if !slices.Contains(stored, feature) {
			return nil, nil
		}
	}
	return d.state(feature)
}

// Lookup returns the code of value in the latest snapshot at or before asOf.
// Unknown values, unknown features, missing snapshots and unreadable features
// all yield 0.
func (d *Dictionary) Lookup(feature, value string, asOf types.Date) int32 {
	st, err := d.lookupState(feature)
	if err != nil {
		d.logger.Error("dictionary lookup failed", zap.String("feature", feature), zap.Error(err))
		return 0
	}
	if st == nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	mk, ok := st.arena.markAt(asOf)
	if !ok {
		return 0
	}
	return st.arena.code(value, mk.Size)
}

// Snapshot returns the entries of feature as of asOf ordered by code. A
// missing snapshot is an empty dictionary.
func (d *Dictionary) Snapshot(feature string, asOf types.Date) ([]types.DictionaryEntry, error) {
	st, err := d.state(feature)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	mk, ok := st.arena.markAt(asOf)
	if !ok {
		d.logger.Debug("no dictionary snapshot, treating as empty",
			zap.String("feature", feature), zap.String("as_of", asOf.String()))
		return []types.DictionaryEntry{}, nil
	}
	return st.arena.entries(feature, mk.Size), nil
}

// Features lists every feature known to the store.
func (d *Dictionary) Features() ([]string, error) {
	return d.store.Features()
}

// Export returns the snapshot of every stored feature as of asOf.
func (d *Dictionary) Export(asOf types.Date) (map[string][]types.DictionaryEntry, error) {
	features, err := d.store.Features()
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	out := make(map[string][]types.DictionaryEntry, len(features))
	for _, f := range features {
		entries, err := d.Snapshot(f, asOf)
		if err != nil {
			return nil, err
		}
		out[f] = entries
	}
	return out, nil
}

// Sizes reports the snapshot size of each stored feature as of asOf.
func (d *Dictionary) Sizes(asOf types.Date) (map[string]int32, error) {
	features, err := d.store.Features()
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	out := make(map[string]int32, len(features))
	for _, f := range features {
		mk, err := d.SnapshotFor(f, asOf)
		if err != nil {
			out[f] = 0
			continue
		}
		out[f] = mk.Size
	}
	return out, nil
}

// Verify re-reads feature from the store and checks it against the in-memory
// arena. Any code that moved is reported as ErrCodeReassigned.
func (d *Dictionary) Verify(feature string) error {
	st, err := d.state(feature)
	if err != nil {
		return err
	}
	h, err := d.store.LoadFeature(feature)
	if err != nil {
		return fmt.Errorf("verify feature %q: %w", feature, err)
	}
	if h.Feature == "" {
		h.Feature = feature
	}
	stored, err := fromHistory(h)
	if err != nil {
		return err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	mem := st.arena
	if len(stored.values) != len(mem.values) {
		return fmt.Errorf("%w: feature %q store has %d codes, memory has %d", ErrCodeReassigned, feature, len(stored.values), len(mem.values))
	}
	for i, v := range mem.values {
		if stored.values[i] != v {
			return fmt.Errorf("%w: feature %q code %d is %q in store, %q in memory", ErrCodeReassigned, feature, i+1, stored.values[i], v)
		}
	}
	if len(stored.marks) != len(mem.marks) {
		return fmt.Errorf("%w: feature %q store has %d snapshots, memory has %d", ErrCodeReassigned, feature, len(stored.marks), len(mem.marks))
	}
	for i, mk := range mem.marks {
		if stored.marks[i] != mk {
			return fmt.Errorf("%w: feature %q snapshot %s differs between store and memory", ErrCodeReassigned, feature, mk.Date)
		}
	}
	return nil
}
