package dictionary

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ctr-feature-engine/internal/types"
)

const (
	day1 = types.Date("20240101")
	day2 = types.Date("20240102")
	day3 = types.Date("20240103")
)

func newTestDictionary(t *testing.T, store Store) *Dictionary {
	t.Helper()
	return New(store, Options{MinSupport: 100}, zaptest.NewLogger(t))
}

func TestAdvanceCountryExample(t *testing.T) {
	ctx := context.Background()
	d := newTestDictionary(t, NewMemoryStore())

	res, err := d.Advance(ctx, "country", day1, map[string]int64{"US": 500, "FR": 10})
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.PriorSize)
	assert.Equal(t, int32(1), res.Size)
	assert.Equal(t, 1, res.BelowSupport)
	assert.Equal(t, int32(1), d.Lookup("country", "US", day1))
	assert.Equal(t, int32(0), d.Lookup("country", "FR", day1))

	res, err = d.Advance(ctx, "country", day2, map[string]int64{"US": 500, "DE": 200})
	require.NoError(t, err)
	require.Len(t, res.Added, 1)
	assert.Equal(t, "DE", res.Added[0].RawValue)
	assert.Equal(t, int32(1), d.Lookup("country", "US", day2))
	assert.Equal(t, int32(2), d.Lookup("country", "DE", day2))

	// As of day 1, DE did not exist yet.
	assert.Equal(t, int32(0), d.Lookup("country", "DE", day1))
	// Before the first snapshot everything is unknown.
	assert.Equal(t, int32(0), d.Lookup("country", "US", "20231231"))
	// Later dates resolve to the latest snapshot.
	assert.Equal(t, int32(2), d.Lookup("country", "DE", "20250101"))
}

func TestAdvanceAssignsInLexicographicOrder(t *testing.T) {
	d := newTestDictionary(t, NewMemoryStore())
	res, err := d.Advance(context.Background(), "city", day1, map[string]int64{
		"paris": 300, "berlin": 300, "amsterdam": 300, "rome": 1,
	})
	require.NoError(t, err)
	got := make([]string, 0, len(res.Added))
	for _, e := range res.Added {
		got = append(got, fmt.Sprintf("%s=%d", e.RawValue, e.Code))
	}
	assert.Equal(t, []string{"amsterdam=1", "berlin=2", "paris=3"}, got)
}

func TestAdvanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d := newTestDictionary(t, store)
	cands := map[string]int64{"a": 150, "b": 150, "c": 99}

	first, err := d.Advance(ctx, "f", day1, cands)
	require.NoError(t, err)
	snap1, err := d.Snapshot("f", day1)
	require.NoError(t, err)

	second, err := d.Advance(ctx, "f", day1, cands)
	require.NoError(t, err)
	assert.True(t, second.Unchanged)
	assert.Equal(t, first.Added, second.Added)
	snap2, err := d.Snapshot("f", day1)
	require.NoError(t, err)
	assert.Equal(t, snap1, snap2)

	// A fresh dictionary over the same store reaches the same state.
	reopened := newTestDictionary(t, store)
	again, err := reopened.Advance(ctx, "f", day1, cands)
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	snap3, err := reopened.Snapshot("f", day1)
	require.NoError(t, err)
	assert.Equal(t, snap1, snap3)
}

func TestAdvanceNeverChangesEarlierCodes(t *testing.T) {
	ctx := context.Background()
	d := newTestDictionary(t, NewMemoryStore())

	_, err := d.Advance(ctx, "f", day1, map[string]int64{"m": 100, "z": 100})
	require.NoError(t, err)
	before, err := d.Snapshot("f", day1)
	require.NoError(t, err)

	// "a" sorts before existing values but must still be appended.
	_, err = d.Advance(ctx, "f", day2, map[string]int64{"a": 100, "m": 1})
	require.NoError(t, err)
	_, err = d.Advance(ctx, "f", day3, map[string]int64{"b": 100})
	require.NoError(t, err)

	after, err := d.Snapshot("f", day3)
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, before, after[:len(before)])
	assert.Equal(t, int32(3), d.Lookup("f", "a", day3))
	assert.Equal(t, int32(4), d.Lookup("f", "b", day3))
	assert.Equal(t, int32(1), d.Lookup("f", "m", day3), "dropping below support later keeps the code")
	require.NoError(t, d.Verify("f"))
}

func TestAdvanceRerunLatestDateWithNewCandidates(t *testing.T) {
	ctx := context.Background()
	d := newTestDictionary(t, NewMemoryStore())

	_, err := d.Advance(ctx, "f", day1, map[string]int64{"a": 100})
	require.NoError(t, err)
	_, err = d.Advance(ctx, "f", day2, map[string]int64{"c": 100})
	require.NoError(t, err)

	// An aborted day 2 is re-run with a corrected candidate set.
	res, err := d.Advance(ctx, "f", day2, map[string]int64{"b": 100, "c": 100})
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, int32(1), d.Lookup("f", "a", day2))
	assert.Equal(t, int32(2), d.Lookup("f", "b", day2))
	assert.Equal(t, int32(3), d.Lookup("f", "c", day2))
	require.NoError(t, d.Verify("f"))
}

func TestAdvanceOutOfOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDictionary(t, NewMemoryStore())

	_, err := d.Advance(ctx, "f", day1, map[string]int64{"a": 100})
	require.NoError(t, err)
	_, err = d.Advance(ctx, "f", day3, map[string]int64{"b": 100})
	require.NoError(t, err)

	// Replaying day 1 unchanged is fine.
	res, err := d.Advance(ctx, "f", day1, map[string]int64{"a": 100})
	require.NoError(t, err)
	assert.True(t, res.Unchanged)

	// Filling the day 2 gap or altering day 1 would rewrite history.
	_, err = d.Advance(ctx, "f", day2, map[string]int64{"c": 100})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = d.Advance(ctx, "f", day1, map[string]int64{"a": 100, "z": 100})
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAdvanceRejectsBadInput(t *testing.T) {
	d := newTestDictionary(t, NewMemoryStore())
	_, err := d.Advance(context.Background(), "", day1, nil)
	assert.Error(t, err)
	_, err = d.Advance(context.Background(), "f", "2024-01-01", nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Advance(ctx, "f", day1, map[string]int64{"a": 100})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeatureMinSupportOverride(t *testing.T) {
	d := New(NewMemoryStore(), Options{MinSupport: 100, FeatureMinSupport: map[string]int64{"brand": 5}}, zaptest.NewLogger(t))
	_, err := d.Advance(context.Background(), "brand", day1, map[string]int64{"acme": 5, "tiny": 4})
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.Lookup("brand", "acme", day1))
	assert.Equal(t, int32(0), d.Lookup("brand", "tiny", day1))
}

func TestSnapshotForMissing(t *testing.T) {
	d := newTestDictionary(t, NewMemoryStore())
	_, err := d.SnapshotFor("f", day1)
	assert.ErrorIs(t, err, ErrMissingSnapshot)

	entries, err := d.Snapshot("f", day1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentAdvanceAcrossFeatures(t *testing.T) {
	ctx := context.Background()
	d := newTestDictionary(t, NewMemoryStore())

	var wg sync.WaitGroup
	errs := make(chan error, 8*3)
	for f := 0; f < 8; f++ {
		feature := fmt.Sprintf("f%d", f)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, day := range []types.Date{day1, day2, day3} {
				cands := map[string]int64{"v" + string(day): 100, "shared": 100}
				if _, err := d.Advance(ctx, feature, day, cands); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for f := 0; f < 8; f++ {
		feature := fmt.Sprintf("f%d", f)
		assert.Equal(t, int32(1), d.Lookup(feature, "shared", day3))
		assert.Equal(t, int32(2), d.Lookup(feature, "v"+string(day1), day3))
		assert.Equal(t, int32(3), d.Lookup(feature, "v"+string(day2), day3))
		assert.Equal(t, int32(4), d.Lookup(feature, "v"+string(day3), day3))
	}
	sizes, err := d.Sizes(day3)
	require.NoError(t, err)
	assert.Len(t, sizes, 8)
}

func TestConcurrentAdvanceSameFeatureIsSerialized(t *testing.T) {
	ctx := context.Background()
	d := newTestDictionary(t, NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Advance(ctx, "f", day1, map[string]int64{"a": 100, "b": 100})
		}()
	}
	wg.Wait()
	snap, err := d.Snapshot("f", day1)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.NoError(t, d.Verify("f"))
}

// tamperStore lets a test rewrite persisted history behind the dictionary.
type tamperStore struct {
	*MemoryStore
}

func (s tamperStore) swapCodes(feature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.features[feature]
	h.Entries[0].RawValue, h.Entries[1].RawValue = h.Entries[1].RawValue, h.Entries[0].RawValue
}

func TestVerifyDetectsReassignedCodes(t *testing.T) {
	store := tamperStore{NewMemoryStore()}
	d := newTestDictionary(t, store)
	_, err := d.Advance(context.Background(), "f", day1, map[string]int64{"a": 100, "b": 100})
	require.NoError(t, err)
	require.NoError(t, d.Verify("f"))

	store.swapCodes("f")
	assert.ErrorIs(t, d.Verify("f"), ErrCodeReassigned)
}

func TestLoadRejectsCorruptHistory(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Commit(Commit{
		Feature: "f",
		Date:    day1,
		Added: []types.DictionaryEntry{
			{Feature: "f", RawValue: "a", Code: 1, AssignedOn: day1},
			{Feature: "f", RawValue: "b", Code: 3, AssignedOn: day1},
		},
		Size: 2,
	}))
	d := newTestDictionary(t, store)
	assert.ErrorIs(t, d.Load("f"), ErrCodeReassigned)
	assert.Equal(t, int32(0), d.Lookup("f", "a", day1))
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	d := newTestDictionary(t, NewMemoryStore())
	_, err := d.Advance(ctx, "country", day1, map[string]int64{"US": 500})
	require.NoError(t, err)
	_, err = d.Advance(ctx, "device", day2, map[string]int64{"ios": 500, "android": 500})
	require.NoError(t, err)

	out, err := d.Export(day1)
	require.NoError(t, err)
	assert.Len(t, out["country"], 1)
	assert.Empty(t, out["device"])

	out, err = d.Export(day2)
	require.NoError(t, err)
	require.Len(t, out["device"], 2)
	assert.Equal(t, "android", out["device"][0].RawValue)
	assert.Equal(t, day2, out["device"][0].AssignedOn)
}

func TestLookupUnknownFeatureAllocatesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := newTestDictionary(t, store).Advance(ctx, "country", day1, map[string]int64{"US": 500})
	require.NoError(t, err)

	d := newTestDictionary(t, store)
	for i := 0; i < 100; i++ {
		assert.Equal(t, int32(0), d.Lookup(fmt.Sprintf("junk%d", i), "US", day1))
	}
	assert.Empty(t, d.features)

	assert.Equal(t, int32(1), d.Lookup("country", "US", day1))
	assert.Len(t, d.features, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Equal(t, int32(1), d.Lookup("country", "US", day2))
			}
		}()
	}
	wg.Wait()
}

func TestOptionsIsACopy(t *testing.T) {
	d := New(NewMemoryStore(), Options{MinSupport: 7, FeatureMinSupport: map[string]int64{"brand": 5}}, zaptest.NewLogger(t))
	o := d.Options()
	assert.Equal(t, int64(7), o.MinSupport)
	o.FeatureMinSupport["brand"] = 1
	assert.Equal(t, int64(5), d.Options().FeatureMinSupport["brand"])
}
