// Package stage2 implements the guest-physical to host-physical translation
// tables walked by the hardware while a cell's guest runs.
//
// The layout is the AArch64 VMSAv8-64 stage-2 format with a 4 KiB granule and
// four lookup levels. Blocks of 1 GiB (L1) and 2 MiB (L2) are used whenever the
// caller allows it and alignment permits.
package stage2

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyMapped is returned when a mapping would replace a valid
	// descriptor.
	ErrAlreadyMapped = errors.New("stage-2 range already mapped")

	// ErrUnaligned is returned for addresses or sizes that are not
	// page-aligned.
	ErrUnaligned = errors.New("stage-2 address not page-aligned")
)

// PageTables is a set of stage-2 tables rooted at one L0 frame.
type PageTables struct {
	mu sync.Mutex

	// Allocator provides table frames. It is shared by every table walk.
	Allocator Allocator

	root         *PTEs
	rootPhysical uint64
}

// New returns empty page tables whose root is taken from a.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating stage-2 root: %w", err)
	}

	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// Root returns the physical address of the L0 table, as programmed into
// VTTBR_EL2.
func (p *PageTables) Root() uint64 {
	return p.rootPhysical
}

// Map installs a mapping of size bytes from gpa to hpa.
//
// If huge is false only 4 KiB pages are used. On error every leaf descriptor
// installed by this call is cleared again and table frames left empty go
// back to the allocator, so the tables translate exactly as before.
func (p *PageTables) Map(gpa, hpa, size uint64, at Attrs, huge bool) error {
	if (gpa|hpa|size)&pageMask != 0 {
		return fmt.Errorf("%w: gpa=%#x hpa=%#x size=%#x", ErrUnaligned, gpa, hpa, size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for done := uint64(0); done < size; {
		n, err := p.mapOne(gpa+done, hpa+done, size-done, at, huge)
		if err != nil {
			p.unmapLocked(gpa, done)
			// The failed walk may have allocated tables for gpa+done.
			p.prune(gpa + done)

			return fmt.Errorf("mapping %#x: %w", gpa+done, err)
		}

		done += n
	}

	return nil
}

// mapOne installs a single leaf descriptor at gpa and returns the size it
// covers.
func (p *PageTables) mapOne(gpa, hpa, remain uint64, at Attrs, huge bool) (uint64, error) {
	table := p.root

	for level := 0; level < levels; level++ {
		pte := &table[index(gpa, level)]
		sz := levelSize[level]

		leaf := level == levels-1 ||
			(huge && level >= 1 && gpa%sz == 0 && hpa%sz == 0 && remain >= sz)

		if leaf && !pte.Valid() {
			pte.setLeaf(hpa, at, level)

			return sz, nil
		}

		if pte.Valid() && !pte.isTable(level) {
			return 0, ErrAlreadyMapped
		}

		if !pte.Valid() {
			child, err := p.Allocator.NewPTEs()
			if err != nil {
				return 0, err
			}

			pte.setTable(p.Allocator.PhysicalFor(child))
		}

		table = p.Allocator.LookupPTEs(pte.Address())
	}

	panic("unreachable")
}

// Unmap clears the leaf descriptors covering [gpa, gpa+size) and frees the
// tables that become empty.
//
// Precondition: the range covers whole leaves.
func (p *PageTables) Unmap(gpa, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unmapLocked(gpa, size)
}

func (p *PageTables) unmapLocked(gpa, size uint64) {
	end := gpa + size

	for addr := gpa; addr < end; {
		pte, level := p.walk(addr)
		if pte.Valid() {
			pte.Clear()
			p.prune(addr)
		}

		n := next(addr, levelSize[level])
		if n <= addr {
			// Wrapped around the top of the address space.
			return
		}

		addr = n
	}
}

// prune frees the empty tables on the walk to addr, deepest first. The root
// is never freed.
func (p *PageTables) prune(addr uint64) {
	var (
		tables [levels]*PTEs
		depth  int
	)

	tables[0] = p.root

	for level := 0; level < levels-1; level++ {
		pte := &tables[level][index(addr, level)]
		if !pte.isTable(level) {
			break
		}

		tables[level+1] = p.Allocator.LookupPTEs(pte.Address())
		depth = level + 1
	}

	for level := depth; level > 0; level-- {
		if !tables[level].empty() {
			return
		}

		tables[level-1][index(addr, level-1)].Clear()
		p.Allocator.FreePTEs(tables[level])
	}
}

// walk returns the deepest descriptor covering addr and its level.
func (p *PageTables) walk(addr uint64) (*PTE, int) {
	table := p.root

	for level := 0; ; level++ {
		pte := &table[index(addr, level)]
		if !pte.isTable(level) {
			return pte, level
		}

		table = p.Allocator.LookupPTEs(pte.Address())
	}
}

// Lookup translates gpa. ok is false if nothing is mapped there.
func (p *PageTables) Lookup(gpa uint64) (hpa uint64, at Attrs, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pte, level := p.walk(gpa)
	if !pte.Valid() {
		return 0, Attrs{}, false
	}

	return pte.Address() + gpa&(levelSize[level]-1), pte.Attrs(), true
}

// LeafSize returns the size of the leaf descriptor translating gpa, or 0 if
// nothing is mapped there.
func (p *PageTables) LeafSize(gpa uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	pte, level := p.walk(gpa)
	if !pte.Valid() {
		return 0
	}

	return levelSize[level]
}
