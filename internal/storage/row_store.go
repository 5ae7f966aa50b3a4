package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Rows file layout: a fixed header followed by count rows of width
// little-endian int64 slots. The file is preallocated in whole rows and
// grows by half its capacity when full.
//
//	0..7   magic "CTRROW01"
//	8..15  width (uint64)
//	16..23 count (uint64)
const (
	HeaderSize = 24

	slotSize        = 8
	initialCapacity = 1024
)

var fileMagic = [8]byte{'C', 'T', 'R', 'R', 'O', 'W', '0', '1'}

var _ RowStore = (*MmapRowStore)(nil)

// MmapRowStore implements RowStore over a memory-mapped rows file.
type MmapRowStore struct {
	mu     sync.RWMutex
	file   *os.File
	mapped []byte
	mapping

	width    int
	count    uint64
	capacity uint64
}

// NewMmapRowStore opens or creates a rows file of the given width. An existing
// file must carry the same width.
func NewMmapRowStore(filename string, width int) (*MmapRowStore, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid row width: %d", width)
	}
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open rows file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s := &MmapRowStore{file: f, width: width}
	if info.Size() == 0 {
		err = s.create()
	} else {
		err = s.load(info.Size())
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *MmapRowStore) rowBytes() int64 { return int64(s.width) * slotSize }

func (s *MmapRowStore) offset(row uint64) int64 {
	return HeaderSize + int64(row)*s.rowBytes()
}

func (s *MmapRowStore) create() error {
	if err := s.setCapacity(initialCapacity); err != nil {
		return err
	}
	s.writeHeader()
	return nil
}

func (s *MmapRowStore) load(size int64) error {
	if size < HeaderSize {
		return fmt.Errorf("rows file %s too small for header: %d bytes", s.file.Name(), size)
	}
	if err := s.mmap(size); err != nil {
		return err
	}
	var magic [8]byte
	copy(magic[:], s.mapped[:8])
	if magic != fileMagic {
		return errors.New("invalid rows file header (magic mismatch)")
	}
	width := binary.LittleEndian.Uint64(s.mapped[8:16])
	count := binary.LittleEndian.Uint64(s.mapped[16:24])
	if width != uint64(s.width) {
		return fmt.Errorf("row width mismatch: file width=%d, requested width=%d (delete %s to reset)", width, s.width, s.file.Name())
	}
	s.capacity = uint64((size - HeaderSize) / s.rowBytes())
	if count > s.capacity {
		return fmt.Errorf("rows file truncated: header claims %d rows, room for %d", count, s.capacity)
	}
	s.count = count
	return nil
}

// setCapacity resizes the file to hold rows rows and maps it again.
func (s *MmapRowStore) setCapacity(rows uint64) error {
	if err := s.munmap(); err != nil {
		return err
	}
	size := s.offset(rows)
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("resize rows file: %w", err)
	}
	if err := s.mmap(size); err != nil {
		return err
	}
	s.capacity = rows
	return nil
}

func (s *MmapRowStore) reserve(rows uint64) error {
	if rows <= s.capacity {
		return nil
	}
	return s.setCapacity(max(rows, s.capacity+s.capacity/2))
}

func (s *MmapRowStore) writeHeader() {
	copy(s.mapped[:8], fileMagic[:])
	binary.LittleEndian.PutUint64(s.mapped[8:16], uint64(s.width))
	binary.LittleEndian.PutUint64(s.mapped[16:24], s.count)
}

func (s *MmapRowStore) put(row []int64) {
	off := s.offset(s.count)
	for i, v := range row {
		binary.LittleEndian.PutUint64(s.mapped[off+int64(i)*slotSize:], uint64(v))
	}
	s.count++
}

func (s *MmapRowStore) Append(row []int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(row) != s.width {
		return 0, fmt.Errorf("row width mismatch: expected %d, got %d", s.width, len(row))
	}
	if err := s.reserve(s.count + 1); err != nil {
		return 0, err
	}
	s.put(row)
	s.writeHeader()
	return s.count - 1, nil
}

// AppendRows appends rows with a single resize and header update. Nothing is
// written when any row has the wrong width.
func (s *MmapRowStore) AppendRows(rows [][]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, row := range rows {
		if len(row) != s.width {
			return fmt.Errorf("row %d width mismatch: expected %d, got %d", i, s.width, len(row))
		}
	}
	if err := s.reserve(s.count + uint64(len(rows))); err != nil {
		return err
	}
	for _, row := range rows {
		s.put(row)
	}
	s.writeHeader()
	return nil
}

func (s *MmapRowStore) Get(index uint64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index >= s.count {
		return nil, fmt.Errorf("index out of bounds: %d >= %d", index, s.count)
	}
	off := s.offset(index)
	row := make([]int64, s.width)
	for i := range row {
		row[i] = int64(binary.LittleEndian.Uint64(s.mapped[off+int64(i)*slotSize:]))
	}
	return row, nil
}

func (s *MmapRowStore) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *MmapRowStore) Width() int {
	return s.width
}

// Sync flushes the row file to stable storage.
func (s *MmapRowStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

func (s *MmapRowStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.munmap(), s.file.Close())
}
