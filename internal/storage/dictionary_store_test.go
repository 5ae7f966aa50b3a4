package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ctr-feature-engine/internal/dictionary"
	"ctr-feature-engine/internal/types"
)

func TestBoltDictionaryStorePersistsSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictionary.db")
	ctx := context.Background()

	store, err := NewBoltDictionaryStore(path)
	require.NoError(t, err)
	d := dictionary.New(store, dictionary.Options{MinSupport: 100}, zaptest.NewLogger(t))
	_, err = d.Advance(ctx, "country", "20240101", map[string]int64{"US": 500, "FR": 10})
	require.NoError(t, err)
	_, err = d.Advance(ctx, "country", "20240102", map[string]int64{"US": 500, "DE": 200})
	require.NoError(t, err)
	_, err = d.Advance(ctx, "device", "20240102", map[string]int64{"ios": 300})
	require.NoError(t, err)
	require.NoError(t, d.Verify("country"))
	require.NoError(t, store.Close())

	ro, err := OpenBoltDictionaryStoreReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()

	features, err := ro.Features()
	require.NoError(t, err)
	assert.Equal(t, []string{"country", "device"}, features)

	h, err := ro.LoadFeature("country")
	require.NoError(t, err)
	require.Len(t, h.Entries, 2)
	assert.Equal(t, types.DictionaryEntry{Feature: "country", RawValue: "DE", Code: 2, AssignedOn: "20240102"}, h.Entries[1])
	assert.Equal(t, []dictionary.Mark{{Date: "20240101", Size: 1}, {Date: "20240102", Size: 2}}, h.Marks)

	reader := dictionary.New(ro, dictionary.Options{}, zaptest.NewLogger(t))
	assert.Equal(t, int32(2), reader.Lookup("country", "DE", "20240102"))
	assert.Equal(t, int32(0), reader.Lookup("country", "DE", "20240101"))
}

func TestBoltDictionaryStoreTruncatesOnRerun(t *testing.T) {
	store, err := NewBoltDictionaryStore(filepath.Join(t.TempDir(), "dictionary.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Commit(dictionary.Commit{
		Feature: "f", Date: "20240101", TruncateTo: 0, Size: 3,
		Added: []types.DictionaryEntry{
			{Feature: "f", RawValue: "a", Code: 1, AssignedOn: "20240101"},
			{Feature: "f", RawValue: "b", Code: 2, AssignedOn: "20240101"},
			{Feature: "f", RawValue: "c", Code: 3, AssignedOn: "20240101"},
		},
	}))
	require.NoError(t, store.Commit(dictionary.Commit{
		Feature: "f", Date: "20240101", TruncateTo: 1, Size: 2,
		Added: []types.DictionaryEntry{
			{Feature: "f", RawValue: "z", Code: 2, AssignedOn: "20240101"},
		},
	}))

	h, err := store.LoadFeature("f")
	require.NoError(t, err)
	require.Len(t, h.Entries, 2)
	assert.Equal(t, "z", h.Entries[1].RawValue)
	assert.Equal(t, []dictionary.Mark{{Date: "20240101", Size: 2}}, h.Marks)

	missing, err := store.LoadFeature("nope")
	require.NoError(t, err)
	assert.Empty(t, missing.Entries)
}
