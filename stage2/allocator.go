package stage2

import (
	"errors"
	"sync"
)

// ErrNoMemory is returned when the allocator has no table frames left.
var ErrNoMemory = errors.New("stage-2 page table storage exhausted")

// Allocator hands out table frames and translates between a frame and the
// physical address the hardware walker sees.
type Allocator interface {
	// NewPTEs returns a zeroed table frame.
	NewPTEs() (*PTEs, error)

	// PhysicalFor returns the physical address of the given frame.
	PhysicalFor(*PTEs) uint64

	// LookupPTEs returns the frame living at the given physical address.
	LookupPTEs(phys uint64) *PTEs

	// FreePTEs returns a frame to the allocator.
	FreePTEs(*PTEs)
}

// Pool is an Allocator over a fixed array of frames located at a fixed
// physical base, e.g. the hypervisor's page pool.
type Pool struct {
	mu     sync.Mutex
	base   uint64
	frames []PTEs
	index  map[*PTEs]int
	free   []int
}

// NewPool returns a pool of n frames whose first frame lives at base.
func NewPool(base uint64, n int) *Pool {
	return newPool(base, make([]PTEs, n))
}

func newPool(base uint64, frames []PTEs) *Pool {
	p := &Pool{
		base:   base,
		frames: frames,
		index:  make(map[*PTEs]int, len(frames)),
		free:   make([]int, 0, len(frames)),
	}

	// Hand out low frames first so physical addresses are predictable.
	for i := len(frames) - 1; i >= 0; i-- {
		p.index[&frames[i]] = i
		p.free = append(p.free, i)
	}

	return p
}

// NewPTEs implements Allocator.NewPTEs.
func (p *Pool) NewPTEs() (*PTEs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrNoMemory
	}

	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.frames[i] = PTEs{}

	return &p.frames[i], nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (p *Pool) PhysicalFor(ptes *PTEs) uint64 {
	i, ok := p.index[ptes]
	if !ok {
		panic("stage2: frame does not belong to pool")
	}

	return p.base + uint64(i)*PageSize
}

// LookupPTEs implements Allocator.LookupPTEs.
func (p *Pool) LookupPTEs(phys uint64) *PTEs {
	if phys < p.base {
		return nil
	}

	i := (phys - p.base) / PageSize
	if i >= uint64(len(p.frames)) {
		return nil
	}

	return &p.frames[i]
}

// FreePTEs implements Allocator.FreePTEs.
func (p *Pool) FreePTEs(ptes *PTEs) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[ptes]
	if !ok {
		panic("stage2: frame does not belong to pool")
	}

	p.free = append(p.free, i)
}

// Available returns the number of frames left.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}
