package stage2

import "fmt"

const (
	// PageShift is the granule of the stage-2 tables (4 KiB).
	PageShift = 12
	PageSize  = 1 << PageShift
	pageMask  = PageSize - 1

	// EntriesPerTable is the number of descriptors in one table frame.
	EntriesPerTable = 512

	levels = 4
)

// levelShift and levelSize describe the address range covered by one
// descriptor at each lookup level (L0 .. L3).
var (
	levelShift = [levels]uint{39, 30, 21, 12}
	levelSize  = [levels]uint64{1 << 39, 1 << 30, 1 << 21, 1 << 12}
)

// PTE is a stage-2 translation table descriptor.
type PTE uint64

// PTEs is one table frame.
type PTEs [EntriesPerTable]PTE

const (
	pteValid PTE = 1 << 0
	// pteTable marks a table descriptor at L0-L2 and a page descriptor at L3.
	pteTable PTE = 1 << 1

	pteMemAttrNormal PTE = 0xf << 2 // outer/inner write-back cacheable
	pteMemAttrDevice PTE = 0x1 << 2 // device nGnRE
	pteMemAttrMask   PTE = 0xf << 2

	pteS2APRead  PTE = 1 << 6
	pteS2APWrite PTE = 1 << 7
	pteSHInner   PTE = 3 << 8
	pteAF        PTE = 1 << 10
	pteXN        PTE = 1 << 54

	pteAddrMask PTE = 0x0000_ffff_ffff_f000
)

// Attrs are the access attributes of a leaf mapping.
type Attrs struct {
	Read    bool
	Write   bool
	Execute bool
	// Device selects the device memory type instead of normal cacheable
	// memory.
	Device bool
}

func (a Attrs) bits() PTE {
	b := pteAF

	if a.Device {
		b |= pteMemAttrDevice
	} else {
		b |= pteMemAttrNormal | pteSHInner
	}

	if a.Read {
		b |= pteS2APRead
	}

	if a.Write {
		b |= pteS2APWrite
	}

	if !a.Execute {
		b |= pteXN
	}

	return b
}

func (a Attrs) String() string {
	s := []byte("----")
	if a.Read {
		s[0] = 'r'
	}

	if a.Write {
		s[1] = 'w'
	}

	if a.Execute {
		s[2] = 'x'
	}

	if a.Device {
		s[3] = 'd'
	}

	return string(s)
}

// Valid reports whether the descriptor is in use.
func (p PTE) Valid() bool {
	return p&pteValid != 0
}

// Address returns the output address held by the descriptor.
func (p PTE) Address() uint64 {
	return uint64(p & pteAddrMask)
}

// Attrs decodes the access attributes of a leaf descriptor.
func (p PTE) Attrs() Attrs {
	return Attrs{
		Read:    p&pteS2APRead != 0,
		Write:   p&pteS2APWrite != 0,
		Execute: p&pteXN == 0,
		Device:  p&pteMemAttrMask == pteMemAttrDevice,
	}
}

// Clear invalidates the descriptor.
func (p *PTE) Clear() {
	*p = 0
}

func (t *PTEs) empty() bool {
	for _, pte := range t {
		if pte.Valid() {
			return false
		}
	}

	return true
}

func (p PTE) isTable(level int) bool {
	return level < levels-1 && p&(pteValid|pteTable) == pteValid|pteTable
}

func (p *PTE) setTable(phys uint64) {
	*p = PTE(phys)&pteAddrMask | pteValid | pteTable
}

func (p *PTE) setLeaf(phys uint64, at Attrs, level int) {
	v := PTE(phys)&pteAddrMask | pteValid | at.bits()
	if level == levels-1 {
		v |= pteTable
	}

	*p = v
}

func (p PTE) String() string {
	return fmt.Sprintf("%#016x", uint64(p))
}

func index(addr uint64, level int) int {
	return int((addr >> levelShift[level]) & (EntriesPerTable - 1))
}

// next returns the next address quantized by the given size.
func next(addr, size uint64) uint64 {
	addr &^= size - 1

	return addr + size
}
