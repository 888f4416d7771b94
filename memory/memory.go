// Package memory keeps the guest-physical memory set of a cell: an ordered
// collection of non-overlapping regions, each programmed into the cell's
// stage-2 tables when inserted.
package memory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bobuhiro11/gocell/stage2"
	"github.com/google/btree"
)

var (
	ErrOverlap     = errors.New("memory region overlaps an existing region")
	ErrEmptyRegion = errors.New("memory region is empty")
	ErrUnaligned   = errors.New("memory region not page-aligned")
)

const btreeDegree = 8

// Set is a guest-physical memory set.
//
// Regions are inserted while the owning cell is built; afterwards the set is
// read-only and may be read without locking.
type Set struct {
	regions *btree.BTreeG[*Region]
	pt      *stage2.PageTables
}

// NewSet returns an empty set whose stage-2 tables take frames from a.
func NewSet(a stage2.Allocator) (*Set, error) {
	pt, err := stage2.New(a)
	if err != nil {
		return nil, err
	}

	return &Set{
		regions: btree.NewG[*Region](btreeDegree, func(a, b *Region) bool {
			return a.Start < b.Start
		}),
		pt: pt,
	}, nil
}

// Insert adds r to the set and maps it.
//
// On error the set and its tables are unchanged.
func (s *Set) Insert(r *Region) error {
	if r.Size == 0 {
		return fmt.Errorf("%w: %#x", ErrEmptyRegion, r.Start)
	}

	hpa := r.HostStart()
	if (r.Start|r.Size|hpa)%stage2.PageSize != 0 {
		return fmt.Errorf("%w: %s", ErrUnaligned, r)
	}

	if o := s.conflict(r); o != nil {
		return fmt.Errorf("%w: %s conflicts with %s", ErrOverlap, r, o)
	}

	if err := s.pt.Map(r.Start, hpa, r.Size, r.Flags.attrs(), r.Flags&NoHugePages == 0); err != nil {
		return fmt.Errorf("mapping %s: %w", r, err)
	}

	s.regions.ReplaceOrInsert(r)

	return nil
}

// conflict returns an existing region overlapping r, if any. Only the
// immediate neighbours need checking since the set never overlaps itself.
func (s *Set) conflict(r *Region) *Region {
	var found *Region

	pivot := &Region{Start: r.Start}

	s.regions.DescendLessOrEqual(pivot, func(o *Region) bool {
		if o.Overlaps(r) {
			found = o
		}

		return false
	})

	if found != nil {
		return found
	}

	s.regions.AscendGreaterOrEqual(pivot, func(o *Region) bool {
		if o.Overlaps(r) {
			found = o
		}

		return false
	})

	return found
}

// Find returns the region containing gpa.
func (s *Set) Find(gpa uint64) (*Region, bool) {
	var found *Region

	s.regions.DescendLessOrEqual(&Region{Start: gpa}, func(o *Region) bool {
		if o.Contains(gpa) {
			found = o
		}

		return false
	})

	return found, found != nil
}

// Regions returns the regions ordered by guest-physical start.
func (s *Set) Regions() []*Region {
	rs := make([]*Region, 0, s.regions.Len())

	s.regions.Ascend(func(r *Region) bool {
		rs = append(rs, r)

		return true
	})

	return rs
}

// Len returns the number of regions.
func (s *Set) Len() int {
	return s.regions.Len()
}

// PageTables returns the stage-2 tables backing the set.
func (s *Set) PageTables() *stage2.PageTables {
	return s.pt
}

func (s *Set) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "memory set (root %#x, %d regions)\n", s.pt.Root(), s.Len())

	for _, r := range s.Regions() {
		fmt.Fprintf(&b, "  %s\n", r)
	}

	return b.String()
}
