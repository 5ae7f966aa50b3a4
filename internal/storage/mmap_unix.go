//go:build !windows

package storage

import (
	"fmt"
	"syscall"
)

// mapping holds no platform state; the mapped slice is enough to unmap.
type mapping struct{}

// mmap maps the first size bytes of the rows file shared and writable, so
// Sync on the file persists appended rows.
func (s *MmapRowStore) mmap(size int64) error {
	if size < HeaderSize {
		return fmt.Errorf("map %s: size %d smaller than header", s.file.Name(), size)
	}
	data, err := syscall.Mmap(int(s.file.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map %s: %w", s.file.Name(), err)
	}
	s.mapped = data
	return nil
}

func (s *MmapRowStore) munmap() error {
	if s.mapped == nil {
		return nil
	}
	data := s.mapped
	s.mapped = nil
	if err := syscall.Munmap(data); err != nil {
		return fmt.Errorf("unmap %s: %w", s.file.Name(), err)
	}
	return nil
}
