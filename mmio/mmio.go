// Package mmio routes trapped guest accesses to software handlers.
//
// A Registry is a per-cell table of (location, handler) pairs. Writers
// serialize on a mutex and move a generation counter around every change:
// the counter is odd while a change is in progress. Lookups never take the
// mutex; they retry when the generation moved under them.
package mmio

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var (
	ErrCapacity = errors.New("mmio region table full")
	ErrOverlap  = errors.New("mmio region overlaps a registered region")
	ErrNotFound = errors.New("mmio region not registered")
	ErrInvalid  = errors.New("invalid mmio region")
)

// Location is the guest-physical range of a trapped region.
type Location struct {
	Start uint64
	Size  uint64
}

// Contains reports whether addr lies inside the location.
func (l Location) Contains(addr uint64) bool {
	return addr >= l.Start && addr-l.Start < l.Size
}

func (l Location) overlaps(o Location) bool {
	return l.Start < o.Start+o.Size && o.Start < l.Start+l.Size
}

// Access describes one trapped load or store.
type Access struct {
	// Address is relative to the start of the region once handed to a
	// Handler.
	Address uint64
	Size    uint8
	Write   bool
	// Value holds the data to store, or receives the data loaded.
	Value uint64
}

// Result is the outcome of handling an access.
type Result int

const (
	// Error means the handler rejected the access.
	Error Result = iota - 1
	// Unhandled means no region claimed the address.
	Unhandled
	// Handled means the access was emulated.
	Handled
)

func (r Result) String() string {
	switch r {
	case Error:
		return "error"
	case Unhandled:
		return "unhandled"
	case Handled:
		return "handled"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// HandlerFunc emulates an access. arg is the value given at registration.
type HandlerFunc func(arg any, a *Access) Result

// Handler binds a function to its argument.
type Handler struct {
	Function HandlerFunc
	Arg      any
}

type slot struct {
	start   atomicbitops.Uint64
	size    atomicbitops.Uint64
	handler atomic.Pointer[Handler]
}

func (s *slot) location() Location {
	return Location{Start: s.start.Load(), Size: s.size.Load()}
}

func (s *slot) store(l Location, h *Handler) {
	s.start.Store(l.Start)
	s.size.Store(l.Size)
	s.handler.Store(h)
}

// Registry is the MMIO region table of one cell. Index i of the location and
// handler tables always describes the same region.
type Registry struct {
	mu sync.Mutex

	generation atomicbitops.Uint64
	count      atomicbitops.Uint32
	max        uint32
	slots      []slot
}

// NewRegistry returns an empty registry with room for max regions.
func NewRegistry(max uint32) *Registry {
	return &Registry{
		max:   max,
		slots: make([]slot, max),
	}
}

// Len returns the number of registered regions.
func (r *Registry) Len() uint32 {
	return r.count.Load()
}

// Cap returns the maximum number of regions.
func (r *Registry) Cap() uint32 {
	return r.max
}

// Generation returns the current generation. It is odd while a writer is
// changing the tables.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

func (r *Registry) beginWrite() {
	r.generation.Add(1)
}

func (r *Registry) endWrite() {
	r.generation.Add(1)
}

// Register appends a region and returns its index.
func (r *Registry) Register(start, size uint64, fn HandlerFunc, arg any) (int, error) {
	loc := Location{Start: start, Size: size}
	if size == 0 || start+size < start || fn == nil {
		return -1, fmt.Errorf("%w: [%#x, +%#x)", ErrInvalid, start, size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count.Load()
	if n >= r.max {
		return -1, fmt.Errorf("%w: %d of %d in use", ErrCapacity, n, r.max)
	}

	for i := uint32(0); i < n; i++ {
		if o := r.slots[i].location(); o.overlaps(loc) {
			return -1, fmt.Errorf("%w: [%#x, +%#x) and [%#x, +%#x)", ErrOverlap,
				start, size, o.Start, o.Size)
		}
	}

	r.beginWrite()
	r.slots[n].store(loc, &Handler{Function: fn, Arg: arg})
	r.count.Store(n + 1)
	r.endWrite()

	logrus.WithFields(logrus.Fields{
		"region":     fmt.Sprintf("[%#x, +%#x)", start, size),
		"generation": r.generation.Load(),
	}).Debug("mmio region registered")

	return int(n), nil
}

// Unregister removes the region starting at start. Later regions move down
// one index so the tables stay dense.
func (r *Registry) Unregister(start uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count.Load()

	idx := -1

	for i := uint32(0); i < n; i++ {
		if r.slots[i].start.Load() == start {
			idx = int(i)

			break
		}
	}

	if idx < 0 {
		return fmt.Errorf("%w: %#x", ErrNotFound, start)
	}

	r.beginWrite()

	for i := uint32(idx); i+1 < n; i++ {
		next := &r.slots[i+1]
		r.slots[i].store(next.location(), next.handler.Load())
	}

	r.slots[n-1].store(Location{}, nil)
	r.count.Store(n - 1)
	r.endWrite()

	return nil
}

// Find returns the region containing addr.
func (r *Registry) Find(addr uint64) (Location, *Handler, bool) {
	for {
		gen := r.generation.Load()
		if gen%2 != 0 {
			runtime.Gosched()

			continue
		}

		loc, h, ok := r.find(addr)

		if r.generation.Load() == gen {
			return loc, h, ok
		}
	}
}

func (r *Registry) find(addr uint64) (Location, *Handler, bool) {
	n := r.count.Load()
	if n > r.max {
		n = r.max
	}

	for i := uint32(0); i < n; i++ {
		s := &r.slots[i]
		if loc := s.location(); loc.Contains(addr) {
			h := s.handler.Load()

			return loc, h, h != nil
		}
	}

	return Location{}, nil, false
}

// Dispatch hands a to the handler of the region containing a.Address.
// The handler sees the address relative to the region start.
func (r *Registry) Dispatch(a *Access) Result {
	loc, h, ok := r.Find(a.Address)
	if !ok {
		return Unhandled
	}

	rel := *a
	rel.Address -= loc.Start

	res := h.Function(h.Arg, &rel)
	a.Value = rel.Value

	return res
}

// Locations returns a snapshot of the registered locations in index order.
func (r *Registry) Locations() []Location {
	for {
		gen := r.generation.Load()
		if gen%2 != 0 {
			runtime.Gosched()

			continue
		}

		n := r.count.Load()
		locs := make([]Location, 0, n)

		for i := uint32(0); i < n && i < r.max; i++ {
			locs = append(locs, r.slots[i].location())
		}

		if r.generation.Load() == gen {
			return locs
		}
	}
}
