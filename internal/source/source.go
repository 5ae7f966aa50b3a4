// Package source reads the daily upstream tables the pipeline consumes:
// per-entity attribute snapshots, labeled interactions and behavior logs.
package source

import (
	"context"
	"sort"
	"sync"

	"ctr-feature-engine/internal/types"
)

// Source is the boundary to the upstream query engine.
type Source interface {
	EntityRecords(ctx context.Context, kind types.EntityKind, date types.Date) ([]types.RawEntityRecord, error)
	Interactions(ctx context.Context, date types.Date) ([]types.Interaction, error)
	Behaviors(ctx context.Context, date types.Date) (map[string][]types.BehaviorEvent, error)
}

// MemorySource is an in-process Source.
type MemorySource struct {
	mu           sync.RWMutex
	entities     map[types.Date][]types.RawEntityRecord
	interactions map[types.Date][]types.Interaction
	behaviors    map[types.Date]map[string][]types.BehaviorEvent
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		entities:     make(map[types.Date][]types.RawEntityRecord),
		interactions: make(map[types.Date][]types.Interaction),
		behaviors:    make(map[types.Date]map[string][]types.BehaviorEvent),
	}
}

func (m *MemorySource) AddEntityRecords(recs ...types.RawEntityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.entities[r.Date] = append(m.entities[r.Date], r)
	}
}

func (m *MemorySource) AddInteractions(date types.Date, its ...types.Interaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions[date] = append(m.interactions[date], its...)
}

func (m *MemorySource) SetBehaviors(date types.Date, userID string, events []types.BehaviorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.behaviors[date] == nil {
		m.behaviors[date] = make(map[string][]types.BehaviorEvent)
	}
	m.behaviors[date][userID] = events
}

func (m *MemorySource) EntityRecords(_ context.Context, kind types.EntityKind, date types.Date) ([]types.RawEntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.RawEntityRecord
	for _, r := range m.entities[date] {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *MemorySource) Interactions(_ context.Context, date types.Date) ([]types.Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Interaction(nil), m.interactions[date]...), nil
}

func (m *MemorySource) Behaviors(_ context.Context, date types.Date) (map[string][]types.BehaviorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]types.BehaviorEvent, len(m.behaviors[date]))
	for u, evs := range m.behaviors[date] {
		out[u] = evs
	}
	return out, nil
}
