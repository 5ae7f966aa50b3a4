
//go:build windows

package storage

import (
	"fmt"
	"syscall"
	"unsafe"
)

// mapping holds the handles a Windows file view needs to be released.
type mapping struct {
	mapHandle  uintptr // syscall.Handle from CreateFileMapping
	viewHandle uintptr // MapViewOfFile address
}

func (s *MmapRowStore) mmap(size int64) error {
	// The mapping object is sized to the current file length; a zero length
	// would pin it to the size at creation and miss rows added by grow.
	if size < HeaderSize {
		return fmt.Errorf("map %s: size %d smaller than header", s.file.Name(), size)
	}

	hi := uint32(uint64(size) >> 32)
	lo := uint32(uint64(size) & 0xffffffff)

	h, err := syscall.CreateFileMapping(
		syscall.Handle(s.file.Fd()),
		nil,
		syscall.PAGE_READWRITE,
		hi,
		lo,
		nil,
	)
	if err != nil {
		return fmt.Errorf("map %s: CreateFileMapping: %w", s.file.Name(), err)
	}
	s.mapHandle = uintptr(h)

	addr, err := syscall.MapViewOfFile(h, syscall.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		syscall.CloseHandle(h)
		s.mapHandle = 0
		return fmt.Errorf("map %s: MapViewOfFile: %w", s.file.Name(), err)
	}

	s.viewHandle = addr
	s.mapped = unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	return nil
}

func (s *MmapRowStore) munmap() error {
	var err error
	if s.viewHandle != 0 {
		err = syscall.UnmapViewOfFile(s.viewHandle)
		s.viewHandle = 0
	}
	if s.mapHandle != 0 {
		_ = syscall.CloseHandle(syscall.Handle(s.mapHandle))
		s.mapHandle = 0
	}
	s.mapped = nil
	if err != nil {
		return fmt.Errorf("unmap %s: %w", s.file.Name(), err)
	}
	return nil
}
