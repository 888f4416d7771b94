//go:build unix

package stage2

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapPool is a Pool whose frames live in anonymous shared memory, so the
// physical address reported for a frame is its host address.
type MmapPool struct {
	*Pool
	buf []byte
}

// NewMmapPool maps n frames of anonymous memory.
func NewMmapPool(n int) (*MmapPool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mmap pool: invalid frame count %d", n)
	}

	buf, err := unix.Mmap(-1, 0, n*PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap pool: %w", err)
	}

	frames := unsafe.Slice((*PTEs)(unsafe.Pointer(&buf[0])), n)
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))

	return &MmapPool{Pool: newPool(base, frames), buf: buf}, nil
}

// Close unmaps the backing memory. Tables built from the pool must not be
// used afterwards.
func (m *MmapPool) Close() error {
	return unix.Munmap(m.buf)
}
