// Package sequence derives fixed-length behavior sequence features.
package sequence

import (
	"sort"

	"ctr-feature-engine/internal/types"
)

// Sentinel pads sequences shorter than the window.
const Sentinel int64 = 0

// BehaviorFilter returns exactly windowSize item ids taken from events at or
// before referenceTime, newest first when mostRecentFirst is set and oldest
// first otherwise, right-padded with Sentinel.
func BehaviorFilter(events []types.BehaviorEvent, referenceTime int64, windowSize int, mostRecentFirst bool) []int64 {
	if windowSize <= 0 {
		return []int64{}
	}
	ordered := eligible(events, referenceTime)
	out := make([]int64, windowSize)
	n := len(ordered)
	if n > windowSize {
		n = windowSize
	}
	for i := 0; i < n; i++ {
		if mostRecentFirst {
			out[i] = ordered[len(ordered)-1-i].ItemID
		} else {
			out[i] = ordered[i].ItemID
		}
	}
	return out
}

// BehaviorLen counts the events BehaviorFilter would emit for the same input,
// i.e. the non-sentinel entries of its output.
func BehaviorLen(events []types.BehaviorEvent, referenceTime int64, windowSize int) int {
	if windowSize <= 0 {
		return 0
	}
	n := len(eligible(events, referenceTime))
	if n > windowSize {
		return windowSize
	}
	return n
}

// eligible returns the events visible at referenceTime in ascending
// (Timestamp, Seq, position) order. Events carrying the sentinel item id are
// dropped, and repeated (item, timestamp) pairs are kept once.
func eligible(events []types.BehaviorEvent, referenceTime int64) []types.BehaviorEvent {
	type indexed struct {
		ev  types.BehaviorEvent
		pos int
	}
	kept := make([]indexed, 0, len(events))
	for i, ev := range events {
		if ev.Timestamp > referenceTime || ev.ItemID == Sentinel {
			continue
		}
		kept = append(kept, indexed{ev: ev, pos: i})
	}
	sort.Slice(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.ev.Timestamp != b.ev.Timestamp {
			return a.ev.Timestamp < b.ev.Timestamp
		}
		if a.ev.Seq != b.ev.Seq {
			return a.ev.Seq < b.ev.Seq
		}
		return a.pos < b.pos
	})

	type seen struct {
		item int64
		ts   int64
	}
	dup := make(map[seen]struct{}, len(kept))
	out := make([]types.BehaviorEvent, 0, len(kept))
	for _, k := range kept {
		key := seen{k.ev.ItemID, k.ev.Timestamp}
		if _, ok := dup[key]; ok {
			continue
		}
		dup[key] = struct{}{}
		out = append(out, k.ev)
	}
	return out
}
