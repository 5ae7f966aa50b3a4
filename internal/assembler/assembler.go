// Package assembler joins labeled interactions with encoded entity snapshots
// and behavior windows into flat training rows.
package assembler

import (
	"sort"

	"go.uber.org/zap"

	"ctr-feature-engine/internal/encoder"
	"ctr-feature-engine/internal/sequence"
	"ctr-feature-engine/internal/types"
)

// Input is one day's worth of joined material. Current holds snapshots of
// Date, Lagged holds snapshots of Date.Prev().
type Input struct {
	Date         types.Date
	Interactions []types.Interaction
	CurrentUsers map[string]types.EncodedFeatureRecord
	CurrentItems map[string]types.EncodedFeatureRecord
	LaggedUsers  map[string]types.EncodedFeatureRecord
	LaggedItems  map[string]types.EncodedFeatureRecord
	Behaviors    map[string][]types.BehaviorEvent
}

// Stats summarizes an Assemble call.
type Stats struct {
	Interactions int `json:"interactions"`
	Duplicates   int `json:"duplicates"`
	Rows         int `json:"rows"`

	// Missing counts lookups that fell back to zero features.
	MissingUsers       int `json:"missing_users"`
	MissingItems       int `json:"missing_items"`
	MissingLaggedUsers int `json:"missing_lagged_users"`
	MissingLaggedItems int `json:"missing_lagged_items"`
}

type Assembler struct {
	schema encoder.Schema
	layout types.Layout
	logger *zap.Logger
}

func New(schema encoder.Schema, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{schema: schema, layout: schema.Layout(), logger: logger}
}

func (a *Assembler) Layout() types.Layout { return a.layout }

// Assemble produces exactly one row per distinct (user, item, trace). The
// earliest interaction wins, ties broken by Seq then input order. Rows come
// back sorted by (EventTime, UserID, ItemID, TraceID).
func (a *Assembler) Assemble(in Input) ([]types.TrainingSampleRow, Stats) {
	stats := Stats{Interactions: len(in.Interactions)}
	kept := Dedup(in.Interactions)
	stats.Duplicates = len(in.Interactions) - len(kept)
	if stats.Duplicates > 0 {
		a.logger.Warn("duplicate interactions collapsed",
			zap.String("date", in.Date.String()),
			zap.Int("duplicates", stats.Duplicates))
	}

	rows := make([]types.TrainingSampleRow, 0, len(kept))
	for _, it := range kept {
		rows = append(rows, a.row(in, it, &stats))
	}
	sort.Slice(rows, func(i, j int) bool {
		ri, rj := rows[i], rows[j]
		if ri.EventTime != rj.EventTime {
			return ri.EventTime < rj.EventTime
		}
		if ri.UserID != rj.UserID {
			return ri.UserID < rj.UserID
		}
		if ri.ItemID != rj.ItemID {
			return ri.ItemID < rj.ItemID
		}
		return ri.TraceID < rj.TraceID
	})
	stats.Rows = len(rows)
	return rows, stats
}

func (a *Assembler) row(in Input, it types.Interaction, stats *Stats) types.TrainingSampleRow {
	user, userOK := in.CurrentUsers[it.UserID]
	item, itemOK := in.CurrentItems[it.ItemID]
	lagUser, lagUserOK := in.LaggedUsers[it.UserID]
	lagItem, lagItemOK := in.LaggedItems[it.ItemID]
	if !userOK {
		stats.MissingUsers++
	}
	if !itemOK {
		stats.MissingItems++
	}
	if !lagUserOK {
		stats.MissingLaggedUsers++
	}
	if !lagItemOK {
		stats.MissingLaggedItems++
	}

	r := types.TrainingSampleRow{
		Date:      in.Date,
		UserID:    it.UserID,
		ItemID:    it.ItemID,
		TraceID:   it.TraceID,
		EventTime: it.EventTime,
		Labels:    make([]int64, len(a.schema.Labels)),
		Features:  make([]int64, len(a.schema.Features)),
		Sequences: make([][]int64, len(a.schema.Sequences)),
		SeqLens:   make([]int64, len(a.schema.Sequences)),
	}
	for i, l := range a.schema.Labels {
		r.Labels[i] = it.Labels[l]
	}
	for i, f := range a.schema.Features {
		var src types.EncodedFeatureRecord
		switch {
		case f.Entity == types.EntityUser && f.Lagged:
			src = lagUser
		case f.Entity == types.EntityUser:
			src = user
		case f.Lagged:
			src = lagItem
		default:
			src = item
		}
		r.Features[i] = src.Value(f.Name)
	}
	events := in.Behaviors[it.UserID]
	for i, q := range a.schema.Sequences {
		r.Sequences[i] = sequence.BehaviorFilter(events, it.EventTime, q.WindowSize, q.MostRecentFirst)
		r.SeqLens[i] = int64(sequence.BehaviorLen(events, it.EventTime, q.WindowSize))
	}
	return r
}

// Dedup keeps the first-observed interaction per (user, item, trace), ordering
// by EventTime, then Seq, then input position. The result is in that order.
func Dedup(interactions []types.Interaction) []types.Interaction {
	idx := make([]int, len(interactions))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		a, b := interactions[idx[x]], interactions[idx[y]]
		if a.EventTime != b.EventTime {
			return a.EventTime < b.EventTime
		}
		return a.Seq < b.Seq
	})

	seen := make(map[types.InteractionKey]struct{}, len(interactions))
	out := make([]types.Interaction, 0, len(interactions))
	for _, i := range idx {
		it := interactions[i]
		if _, dup := seen[it.Key()]; dup {
			continue
		}
		seen[it.Key()] = struct{}{}
		out = append(out, it)
	}
	return out
}
