package dictionary

import (
	"fmt"
	"sort"

	"ctr-feature-engine/internal/types"
)

// arena interns the raw values of one feature. values[i] holds code i+1;
// codes are issued in append order and never reused.
type arena struct {
	values     []string
	assignedOn []types.Date
	index      map[string]int32
	marks      []Mark
}

func newArena() *arena {
	return &arena{index: make(map[string]int32)}
}

// fromHistory rebuilds an arena, rejecting any history that breaks the
// contiguous, never-reassigned code sequence.
func fromHistory(h *History) (*arena, error) {
	a := newArena()
	for i, e := range h.Entries {
		want := int32(i + 1)
		if e.Code != want {
			return nil, fmt.Errorf("%w: feature %q entry %q has code %d, expected %d", ErrCodeReassigned, h.Feature, e.RawValue, e.Code, want)
		}
		if prev, ok := a.index[e.RawValue]; ok {
			return nil, fmt.Errorf("%w: feature %q value %q holds codes %d and %d", ErrCodeReassigned, h.Feature, e.RawValue, prev, e.Code)
		}
		a.append(e.RawValue, e.AssignedOn)
	}
	for i, mk := range h.Marks {
		if int(mk.Size) > len(a.values) || mk.Size < 0 {
			return nil, fmt.Errorf("%w: feature %q snapshot %s size %d exceeds %d entries", ErrCodeReassigned, h.Feature, mk.Date, mk.Size, len(a.values))
		}
		if i > 0 {
			prev := h.Marks[i-1]
			if mk.Date <= prev.Date || mk.Size < prev.Size {
				return nil, fmt.Errorf("%w: feature %q snapshot %s (size %d) does not extend %s (size %d)", ErrCodeReassigned, h.Feature, mk.Date, mk.Size, prev.Date, prev.Size)
			}
		}
	}
	for i := 1; i < len(a.assignedOn); i++ {
		if a.assignedOn[i] < a.assignedOn[i-1] {
			return nil, fmt.Errorf("%w: feature %q code %d assigned on %s before code %d on %s", ErrCodeReassigned, h.Feature, i+1, a.assignedOn[i], i, a.assignedOn[i-1])
		}
	}
	for _, mk := range h.Marks {
		if mk.Size > 0 && a.assignedOn[mk.Size-1] > mk.Date {
			return nil, fmt.Errorf("%w: feature %q snapshot %s holds code %d assigned on %s", ErrCodeReassigned, h.Feature, mk.Date, mk.Size, a.assignedOn[mk.Size-1])
		}
		if int(mk.Size) < len(a.assignedOn) && a.assignedOn[mk.Size] <= mk.Date {
			return nil, fmt.Errorf("%w: feature %q snapshot %s omits code %d assigned on %s", ErrCodeReassigned, h.Feature, mk.Date, mk.Size+1, a.assignedOn[mk.Size])
		}
	}
	a.marks = append(a.marks, h.Marks...)
	return a, nil
}

func (a *arena) append(value string, on types.Date) int32 {
	a.values = append(a.values, value)
	a.assignedOn = append(a.assignedOn, on)
	code := int32(len(a.values))
	a.index[value] = code
	return code
}

func (a *arena) truncate(size int32) {
	for _, v := range a.values[size:] {
		delete(a.index, v)
	}
	a.values = a.values[:size]
	a.assignedOn = a.assignedOn[:size]
}

// markAt returns the latest mark dated at or before d.
func (a *arena) markAt(d types.Date) (Mark, bool) {
	i := sort.Search(len(a.marks), func(i int) bool { return a.marks[i].Date > d })
	if i == 0 {
		return Mark{}, false
	}
	return a.marks[i-1], true
}

// markBefore returns the latest mark dated strictly before d.
func (a *arena) markBefore(d types.Date) (Mark, bool) {
	i := sort.Search(len(a.marks), func(i int) bool { return a.marks[i].Date >= d })
	if i == 0 {
		return Mark{}, false
	}
	return a.marks[i-1], true
}

func (a *arena) exact(d types.Date) (Mark, bool) {
	mk, ok := a.markAt(d)
	if !ok || mk.Date != d {
		return Mark{}, false
	}
	return mk, true
}

func (a *arena) latest() (Mark, bool) {
	if len(a.marks) == 0 {
		return Mark{}, false
	}
	return a.marks[len(a.marks)-1], true
}

func (a *arena) code(value string, size int32) int32 {
	c, ok := a.index[value]
	if !ok || c > size {
		return 0
	}
	return c
}

func (a *arena) entries(feature string, size int32) []types.DictionaryEntry {
	out := make([]types.DictionaryEntry, size)
	for i := int32(0); i < size; i++ {
		out[i] = types.DictionaryEntry{
			Feature:    feature,
			RawValue:   a.values[i],
			Code:       i + 1,
			AssignedOn: a.assignedOn[i],
		}
	}
	return out
}

// sortCandidates orders new values for code assignment: ascending raw value,
// then feature name.
func sortCandidates(entries []types.DictionaryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RawValue != entries[j].RawValue {
			return entries[i].RawValue < entries[j].RawValue
		}
		return entries[i].Feature < entries[j].Feature
	})
}
