//go:build !unix

package stage2

import "errors"

// ErrNoMmap is returned by NewMmapPool where anonymous mappings are not
// available.
var ErrNoMmap = errors.New("mmap pool: not supported on this platform")

// MmapPool is only backed by anonymous memory on unix systems.
type MmapPool struct {
	*Pool
}

func NewMmapPool(int) (*MmapPool, error) {
	return nil, ErrNoMmap
}

func (m *MmapPool) Close() error {
	return nil
}
