package memory

import "fmt"

// Mapper translates a guest-physical address of a region to the host-physical
// address backing it.
type Mapper interface {
	Translate(gpa uint64) uint64
}

// OffsetMapper maps with a constant delta: hpa = gpa - Offset.
type OffsetMapper struct {
	Offset uint64
}

// Translate implements Mapper.Translate.
func (m OffsetMapper) Translate(gpa uint64) uint64 {
	return gpa - m.Offset
}

// Region is a contiguous guest-physical range.
type Region struct {
	Start  uint64
	Size   uint64
	Flags  Flags
	Mapper Mapper
}

// NewOffsetRegion returns a region of size bytes at gpa backed by host memory
// at hpa.
func NewOffsetRegion(gpa, hpa, size uint64, flags Flags) *Region {
	return &Region{
		Start:  gpa,
		Size:   size,
		Flags:  flags,
		Mapper: OffsetMapper{Offset: gpa - hpa},
	}
}

// last returns the final address inside the region. Using it instead of
// Start+Size keeps comparisons correct for regions ending at the top of the
// address space.
func (r *Region) last() uint64 {
	return r.Start + r.Size - 1
}

// End returns the first address after the region.
func (r *Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether gpa lies inside the region.
func (r *Region) Contains(gpa uint64) bool {
	return r.Start <= gpa && gpa <= r.last()
}

// Overlaps reports whether the two regions share an address.
func (r *Region) Overlaps(o *Region) bool {
	return r.Start <= o.last() && o.Start <= r.last()
}

// HostStart returns the host-physical address of the first byte.
func (r *Region) HostStart() uint64 {
	return r.Mapper.Translate(r.Start)
}

func (r *Region) String() string {
	return fmt.Sprintf("[%#x-%#x) -> %#x %s", r.Start, r.End(), r.HostStart(), r.Flags)
}
