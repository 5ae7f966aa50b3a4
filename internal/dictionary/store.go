package dictionary

import (
	"sort"
	"sync"

	"ctr-feature-engine/internal/types"
)

// Mark records the arena size of a feature as of a snapshot date. The snapshot
// itself is the arena prefix of that size.
type Mark struct {
	Date types.Date `json:"date"`
	Size int32      `json:"size"`
}

// History is the persisted state of one feature: its entries ordered by code
// and its snapshot marks ordered by date.
type History struct {
	Feature string
	Entries []types.DictionaryEntry
	Marks   []Mark
}

// Commit is one atomic snapshot write. Entries with code > TruncateTo are
// dropped before Added is appended; only the latest snapshot may be rewritten.
type Commit struct {
	Feature    string
	Date       types.Date
	TruncateTo int32
	Added      []types.DictionaryEntry
	Size       int32
}

// Store persists dictionary histories. Commit must be atomic.
type Store interface {
	LoadFeature(feature string) (*History, error)
	Commit(c Commit) error
	Features() ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	features map[string]*History
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{features: make(map[string]*History)}
}

func (m *MemoryStore) LoadFeature(feature string) (*History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.features[feature]
	if !ok {
		return &History{Feature: feature}, nil
	}
	return &History{
		Feature: feature,
		Entries: append([]types.DictionaryEntry(nil), h.Entries...),
		Marks:   append([]Mark(nil), h.Marks...),
	}, nil
}

func (m *MemoryStore) Commit(c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.features[c.Feature]
	if !ok {
		h = &History{Feature: c.Feature}
		m.features[c.Feature] = h
	}
	if int(c.TruncateTo) < len(h.Entries) {
		h.Entries = h.Entries[:c.TruncateTo]
	}
	h.Entries = append(h.Entries, c.Added...)
	h.Marks = upsertMark(h.Marks, Mark{Date: c.Date, Size: c.Size})
	return nil
}

func (m *MemoryStore) Features() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.features))
	for f := range m.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func upsertMark(marks []Mark, mk Mark) []Mark {
	i := sort.Search(len(marks), func(i int) bool { return marks[i].Date >= mk.Date })
	if i < len(marks) && marks[i].Date == mk.Date {
		marks[i] = mk
		return marks
	}
	marks = append(marks, Mark{})
	copy(marks[i+1:], marks[i:])
	marks[i] = mk
	return marks
}
