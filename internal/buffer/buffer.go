// Package buffer allocates the aligned memory that direct I/O demands.
// Buffers come from anonymous mmap, so the base address is page aligned and
// the memory is invisible to the garbage collector; callers own the lifetime
// and must call Free when done.
package buffer

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Alignment is the device alignment required for direct I/O. All block
// sizes, file offsets, and buffer base addresses handed to a direct file
// must be multiples of it.
const Alignment = 4096

var (
	ErrAllocFailed = errors.New("buffer: aligned allocation failed")
	ErrNotMapped   = errors.New("buffer: not an allocation owned by this package")
)

// Alloc returns a buffer of exactly size bytes whose base address is a
// multiple of Alignment. The backing mapping is rounded up to whole pages;
// the extra capacity is kept on the slice so Free can recover the mapping.
func Alloc(size int) ([]byte, error) {
	if size < 1 {
		return nil, fmt.Errorf("buffer: invalid size; size must be greater than 0: %d", size)
	}

	mapped := alignUp(size)
	data, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocFailed, mapped, err)
	}
	return data[:size:mapped], nil
}

// Free releases a buffer obtained from Alloc. A buffer whose base is not
// aligned or whose capacity is not a whole number of pages is rejected with
// ErrNotMapped; a page-aligned sub-slice of an allocation is not detected
// and is unmapped as given.
func Free(buf []byte) error {
	if buf == nil {
		return nil
	}
	if !Aligned(buf) || cap(buf)%pageSize() != 0 {
		return ErrNotMapped
	}
	return unix.Munmap(buf[:cap(buf)])
}

// Aligned reports whether the buffer's base address is a multiple of
// Alignment.
func Aligned(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&buf[0]))%Alignment == 0
}

// AlignedOffset reports whether an offset or length is a multiple of
// Alignment.
func AlignedOffset(n int64) bool {
	return n%Alignment == 0
}

func alignUp(n int) int {
	ps := pageSize()
	return (n + ps - 1) / ps * ps
}

func pageSize() int {
	ps := unix.Getpagesize()
	if ps < Alignment {
		// Direct I/O wants 4 KiB even on architectures with smaller pages.
		return Alignment
	}
	return ps
}
