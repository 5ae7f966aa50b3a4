package types

import (
	"fmt"
	"time"
)

// dateLayout matches the ds=YYYYMMDD partitions of the upstream tables.
const dateLayout = "20060102"

// Date is a run date in YYYYMMDD form. String order equals chronological order.
type Date string

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(t.Format(dateLayout)), nil
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

func (d Date) Valid() bool {
	_, err := time.Parse(dateLayout, string(d))
	return err == nil
}

func (d Date) Time() time.Time {
	t, _ := time.Parse(dateLayout, string(d))
	return t
}

// Prev returns the day before d (the lag-1 partition).
func (d Date) Prev() Date { return DateOf(d.Time().AddDate(0, 0, -1)) }

func (d Date) Next() Date { return DateOf(d.Time().AddDate(0, 0, 1)) }

func (d Date) String() string { return string(d) }

// Partition renders the partition directory name, e.g. "ds=20240101".
func (d Date) Partition() string { return "ds=" + string(d) }

// EntityKind distinguishes the two entity snapshot tables.
type EntityKind string

const (
	EntityUser EntityKind = "user"
	EntityItem EntityKind = "item"
)

func (k EntityKind) Valid() bool { return k == EntityUser || k == EntityItem }

// BehaviorEvent is a single actor/item interaction from the behavior log.
type BehaviorEvent struct {
	ActorID   string `json:"actor_id"`
	ItemID    int64  `json:"item_id"`
	EventType string `json:"event_type,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Seq       int    `json:"seq"` // ingestion order, breaks timestamp ties
}

// RawEntityRecord is a per-user or per-item daily snapshot of raw attributes.
type RawEntityRecord struct {
	EntityID    string            `json:"entity_id"`
	Kind        EntityKind        `json:"kind"`
	Date        Date              `json:"date"`
	Categorical map[string]string `json:"categorical"`
	Counters    map[string]int64  `json:"counters"`
}

// EncodedFeatureRecord holds the integer encoding of a RawEntityRecord.
// Every value is a non-negative code or bucket index.
type EncodedFeatureRecord struct {
	EntityID string           `json:"entity_id"`
	Kind     EntityKind       `json:"kind"`
	Date     Date             `json:"date"`
	Values   map[string]int64 `json:"values"`
}

// Value returns the encoded field or 0 when absent.
func (r EncodedFeatureRecord) Value(name string) int64 {
	if r.Values == nil {
		return 0
	}
	return r.Values[name]
}

// Interaction is a labeled (user, item, trace) exposure.
type Interaction struct {
	UserID    string           `json:"user_id"`
	ItemID    string           `json:"item_id"`
	ItemKey   int64            `json:"item_key"` // numeric item id used in behavior sequences
	TraceID   string           `json:"trace_id"`
	EventTime int64            `json:"event_time"`
	Seq       int              `json:"seq"`
	Labels    map[string]int64 `json:"labels"`
}

// InteractionKey identifies duplicate interactions within a date.
type InteractionKey struct {
	UserID  string
	ItemID  string
	TraceID string
}

func (i Interaction) Key() InteractionKey {
	return InteractionKey{UserID: i.UserID, ItemID: i.ItemID, TraceID: i.TraceID}
}

// TrainingSampleRow is one assembled training example.
type TrainingSampleRow struct {
	Date      Date      `json:"date"`
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	TraceID   string    `json:"trace_id"`
	EventTime int64     `json:"event_time"`
	Labels    []int64   `json:"labels"`
	Features  []int64   `json:"features"`
	Sequences [][]int64 `json:"sequences"`
	SeqLens   []int64   `json:"seq_lens"`
}

// Flatten lays the row out as labels, features, sequences, sequence lengths.
func (r TrainingSampleRow) Flatten() []int64 {
	n := len(r.Labels) + len(r.Features) + len(r.SeqLens)
	for _, s := range r.Sequences {
		n += len(s)
	}
	out := make([]int64, 0, n)
	out = append(out, r.Labels...)
	out = append(out, r.Features...)
	for _, s := range r.Sequences {
		out = append(out, s...)
	}
	return append(out, r.SeqLens...)
}

// DictionaryEntry is one frozen categorical code assignment.
type DictionaryEntry struct {
	Feature    string `json:"feature"`
	RawValue   string `json:"raw_value"`
	Code       int32  `json:"code"`
	AssignedOn Date   `json:"assigned_on"`
}

// Column is one named slot group of a flattened training row.
type Column struct {
	Name  string `json:"name"`
	Width int    `json:"width"`
}

// Layout describes how TrainingSampleRow.Flatten lays out a row.
type Layout struct {
	Columns []Column `json:"columns"`
}

// Width is the total number of int64 slots in a flattened row.
func (l Layout) Width() int {
	w := 0
	for _, c := range l.Columns {
		w += c.Width
	}
	return w
}
