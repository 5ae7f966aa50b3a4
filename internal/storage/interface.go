package storage

// RowStore stores fixed-width encoded training rows.
type RowStore interface {
	// Append adds a row to the store and returns its index.
	Append(row []int64) (uint64, error)

	// Get retrieves a row by its index.
	Get(index uint64) ([]int64, error)

	// Count returns the number of rows in the store.
	Count() uint64

	// Width returns the number of int64 slots per row.
	Width() int

	// Close flushes and closes the store.
	Close() error
}
