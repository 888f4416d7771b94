// Package cpuset describes the set of physical cores assigned to a cell.
package cpuset

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxCPUs is the number of cores a set can describe.
const MaxCPUs = 64

// Set is a bitmap of core ids.
type Set struct {
	bitmap uint64
}

// New returns a set holding ids.
func New(ids ...uint64) (Set, error) {
	var s Set

	for _, id := range ids {
		if id >= MaxCPUs {
			return Set{}, fmt.Errorf("cpu %d out of range (max %d)", id, MaxCPUs-1)
		}

		s.bitmap |= 1 << id
	}

	return s, nil
}

// Contains reports whether id is in the set.
func (s Set) Contains(id uint64) bool {
	return id < MaxCPUs && s.bitmap&(1<<id) != 0
}

// Add returns the set with id included.
func (s Set) Add(id uint64) Set {
	if id < MaxCPUs {
		s.bitmap |= 1 << id
	}

	return s
}

// Remove returns the set without id.
func (s Set) Remove(id uint64) Set {
	if id < MaxCPUs {
		s.bitmap &^= 1 << id
	}

	return s
}

// Len returns the number of cores in the set.
func (s Set) Len() int {
	return bits.OnesCount64(s.bitmap)
}

// MaxID returns the highest id in the set, or -1 when empty.
func (s Set) MaxID() int {
	return 63 - bits.LeadingZeros64(s.bitmap)
}

// IDs returns the members in ascending order.
func (s Set) IDs() []uint64 {
	ids := make([]uint64, 0, s.Len())

	for b := s.bitmap; b != 0; b &= b - 1 {
		ids = append(ids, uint64(bits.TrailingZeros64(b)))
	}

	return ids
}

// Intersects reports whether the sets share a core.
func (s Set) Intersects(o Set) bool {
	return s.bitmap&o.bitmap != 0
}

func (s Set) String() string {
	ids := s.IDs()
	parts := make([]string, len(ids))

	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}

	return "{" + strings.Join(parts, ",") + "}"
}
