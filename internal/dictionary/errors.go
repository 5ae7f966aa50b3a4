package dictionary

import "errors"

var (
	// ErrCodeReassigned signals that a (feature, value) pair resolved to two
	// different codes across snapshots. The run must abort.
	ErrCodeReassigned = errors.New("dictionary code reassigned")

	// ErrOutOfOrder is returned when advancing a date older than the latest
	// snapshot would change history that later snapshots build on.
	ErrOutOfOrder = errors.New("dictionary advance out of order")

	// ErrMissingSnapshot is returned by SnapshotFor when as_of precedes the
	// earliest snapshot. Lookups treat it as an empty dictionary.
	ErrMissingSnapshot = errors.New("no dictionary snapshot at or before date")
)
