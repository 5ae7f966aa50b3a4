package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"ctr-feature-engine/internal/types"
)

const (
	rowsFile    = "rows.bin"
	headerFile  = "header.json"
	successFile = "_SUCCESS"
)

// PartitionHeader is written next to the rows of a date partition.
type PartitionHeader struct {
	Date              types.Date   `json:"date"`
	Rows              uint64       `json:"rows"`
	Layout            types.Layout `json:"layout"`
	RunID             string       `json:"run_id"`
	ParamsFingerprint string       `json:"params_fingerprint"`
}

// PartitionWriter lays out training rows as <root>/ds=YYYYMMDD/{rows.bin,header.json,_SUCCESS}.
// A partition is built in a sibling temp directory and renamed into place, and
// _SUCCESS is the last file written, so readers never see a partial partition.
type PartitionWriter struct {
	root   string
	logger *zap.Logger
}

func NewPartitionWriter(root string, logger *zap.Logger) (*PartitionWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create partition root: %w", err)
	}
	return &PartitionWriter{root: root, logger: logger}, nil
}

func (w *PartitionWriter) Dir(date types.Date) string {
	return filepath.Join(w.root, date.Partition())
}

// Write replaces the partition for hdr.Date with rows.
func (w *PartitionWriter) Write(hdr PartitionHeader, rows [][]int64) error {
	width := hdr.Layout.Width()
	final := w.Dir(hdr.Date)
	tmp := final + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}

	store, err := NewMmapRowStore(filepath.Join(tmp, rowsFile), width)
	if err != nil {
		return err
	}
	if err := store.AppendRows(rows); err != nil {
		_ = store.Close()
		return err
	}
	if err := store.Sync(); err != nil {
		_ = store.Close()
		return err
	}
	hdr.Rows = store.Count()
	if err := store.Close(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, headerFile), data, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, successFile), nil, 0o644); err != nil {
		return err
	}

	if err := os.RemoveAll(final); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish partition %s: %w", hdr.Date, err)
	}

	w.logger.Info("partition written",
		zap.String("date", hdr.Date.String()),
		zap.String("dir", final),
		zap.Uint64("rows", hdr.Rows),
		zap.Int("width", width))
	return nil
}

// Complete reports whether the partition for date finished writing.
func (w *PartitionWriter) Complete(date types.Date) bool {
	_, err := os.Stat(filepath.Join(w.Dir(date), successFile))
	return err == nil
}

// Open returns the header and rows of a completed partition.
func (w *PartitionWriter) Open(date types.Date) (PartitionHeader, RowStore, error) {
	var hdr PartitionHeader
	if !w.Complete(date) {
		return hdr, nil, fmt.Errorf("partition %s is not complete", date)
	}
	data, err := os.ReadFile(filepath.Join(w.Dir(date), headerFile))
	if err != nil {
		return hdr, nil, err
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("decode header: %w", err)
	}
	store, err := NewMmapRowStore(filepath.Join(w.Dir(date), rowsFile), hdr.Layout.Width())
	if err != nil {
		return hdr, nil, err
	}
	return hdr, store, nil
}
