// Package cell implements cells: hardware partitions owning a guest-physical
// memory set, an MMIO registry and a set of cpus.
package cell

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bobuhiro11/gocell/config"
	"github.com/bobuhiro11/gocell/cpuset"
	"github.com/bobuhiro11/gocell/memory"
	"github.com/bobuhiro11/gocell/mmio"
	"github.com/bobuhiro11/gocell/pci"
	"github.com/bobuhiro11/gocell/stage2"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var (
	ErrInvalidTransition = errors.New("invalid cell state transition")
	ErrLocked            = errors.New("cell is locked")
)

// RootID is the id, and VMID, of the root cell.
const RootID = 0

var nextID = atomicbitops.FromUint32(RootID)

// Cell is one partition.
type Cell struct {
	id     uint32
	config *config.Cell

	gpm  *memory.Set
	mmio *mmio.Registry
	pci  *pci.Table
	cpus cpuset.Set

	// dataPages is the number of pages holding the cell's configuration.
	dataPages uint64

	mu       sync.Mutex
	state    State
	loadable bool
}

func newCell(id uint32, cfg *config.Cell, a stage2.Allocator) (*Cell, error) {
	gpm, err := memory.NewSet(a)
	if err != nil {
		return nil, err
	}

	cpus, err := cpuset.New(cfg.CPUs...)
	if err != nil {
		return nil, err
	}

	pages, err := cfg.DataPages()
	if err != nil {
		return nil, err
	}

	max := cfg.MaxMMIORegions
	if max == 0 {
		max = config.DefaultMaxMMIORegions
	}

	c := &Cell{
		id:        id,
		config:    cfg,
		gpm:       gpm,
		mmio:      mmio.NewRegistry(max),
		pci:       pci.NewTable(),
		cpus:      cpus,
		dataPages: pages,
		state:     Running,
	}

	for _, d := range cfg.PCIDevices {
		if _, err := c.pci.Add(d); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Cell) insertRegions(regions []config.MemRegion) error {
	for _, r := range regions {
		flags := memory.Read | memory.Write

		if len(r.Flags) > 0 {
			f, err := memory.ParseFlags(r.Flags)
			if err != nil {
				return err
			}

			flags = f
		}

		if err := c.gpm.Insert(memory.NewOffsetRegion(r.VirtStart, r.PhysStart, uint64(r.Size), flags)); err != nil {
			return err
		}
	}

	return nil
}

// NewRoot builds the root cell. Its memory set holds, in order, the
// hypervisor's own memory, the configured RAM regions and the PCI
// configuration window.
func NewRoot(sys *config.System, a stage2.Allocator) (*Cell, error) {
	c, err := newCell(RootID, &sys.RootCell, a)
	if err != nil {
		return nil, fmt.Errorf("root cell: %w", err)
	}

	hv := sys.HypervisorMemory

	// The root cell may read the hypervisor's memory but not write it.
	err = c.gpm.Insert(memory.NewOffsetRegion(hv.PhysStart, hv.PhysStart, uint64(hv.Size),
		memory.Read|memory.NoHugePages))
	if err != nil {
		return nil, fmt.Errorf("root cell: hypervisor memory: %w", err)
	}

	if err := c.insertRegions(sys.RootCell.MemRegions); err != nil {
		return nil, fmt.Errorf("root cell: %w", err)
	}

	mmcfg := sys.Platform.PCIMMConfigBase

	err = c.gpm.Insert(memory.NewOffsetRegion(mmcfg, mmcfg, sys.Platform.MMConfigSize(),
		memory.Read|memory.Write|memory.IO))
	if err != nil {
		return nil, fmt.Errorf("root cell: pci mmconfig: %w", err)
	}

	logrus.Debugf("guest physical memory set of %s:\n%s", c.Name(), c.gpm)

	return c, nil
}

// Create builds a non-root cell. Its PCI configuration window is not mapped
// but trapped and served from the cell's PCI table.
func Create(cfg *config.Cell, platform config.Platform, a stage2.Allocator) (*Cell, error) {
	c, err := newCell(nextID.Add(1), cfg, a)
	if err != nil {
		return nil, fmt.Errorf("cell %q: %w", cfg.Name, err)
	}

	if err := c.insertRegions(cfg.MemRegions); err != nil {
		return nil, fmt.Errorf("cell %q: %w", cfg.Name, err)
	}

	if _, err := c.mmio.Register(platform.PCIMMConfigBase, platform.MMConfigSize(), pci.HandleMMIO, c.pci); err != nil {
		return nil, fmt.Errorf("cell %q: pci mmconfig: %w", cfg.Name, err)
	}

	c.loadable = true

	logrus.WithFields(logrus.Fields{"cell": c.Name(), "id": c.id}).Info("cell created")

	return c, nil
}

func (c *Cell) ID() uint32 {
	return c.id
}

// VMID tags the cell's stage-2 TLB entries.
func (c *Cell) VMID() uint16 {
	return uint16(c.id)
}

func (c *Cell) Name() string {
	return c.config.Name
}

func (c *Cell) Config() *config.Cell {
	return c.config
}

// GPM returns the guest-physical memory set.
func (c *Cell) GPM() *memory.Set {
	return c.gpm
}

// RootTable returns the physical address of the stage-2 root table.
func (c *Cell) RootTable() uint64 {
	return c.gpm.PageTables().Root()
}

func (c *Cell) MMIO() *mmio.Registry {
	return c.mmio
}

func (c *Cell) PCI() *pci.Table {
	return c.pci
}

func (c *Cell) CPUs() cpuset.Set {
	return c.cpus
}

func (c *Cell) DataPages() uint64 {
	return c.dataPages
}

func (c *Cell) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Cell) SetState(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !validTransition(c.state, s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, s)
	}

	logrus.WithField("cell", c.Name()).Debugf("state %s -> %s", c.state, s)
	c.state = s

	return nil
}

// Loadable reports whether the cell's image may still be loaded.
func (c *Cell) Loadable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.loadable
}

func (c *Cell) SetLoadable(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == RunningLocked:
		return ErrLocked
	case !c.state.Active():
		return fmt.Errorf("%w: cell is %s", ErrInvalidTransition, c.state)
	}

	c.loadable = v

	return nil
}

func (c *Cell) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "cell %q id=%d state=%s cpus=%s data_pages=%d\n",
		c.Name(), c.id, c.State(), c.cpus, c.dataPages)
	fmt.Fprintf(&b, "memory regions:\n%s", c.gpm)
	fmt.Fprintf(&b, "mmio regions: %d/%d\n", c.mmio.Len(), c.mmio.Cap())

	for _, d := range c.pci.Devices() {
		fmt.Fprintf(&b, "pci %s\n", d.Info)
	}

	return b.String()
}
