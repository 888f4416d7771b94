// Package config loads the system configuration: the hypervisor's own
// footprint, platform description and the cells to build.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	pageSize = 0x1000

	// MaxCPUs bounds core ids.
	MaxCPUs = 64

	DefaultPerCPUSize     = 0x4000
	DefaultPagePoolFrames = 64
	DefaultMaxMMIORegions = 16
)

var (
	ErrInvalid       = errors.New("invalid configuration")
	ErrUnknownFormat = errors.New("unknown configuration format")
)

// MemRegion is a memory region of a cell.
type MemRegion struct {
	PhysStart uint64   `yaml:"phys_start" toml:"phys_start"`
	VirtStart uint64   `yaml:"virt_start" toml:"virt_start"`
	Size      Size     `yaml:"size" toml:"size"`
	Flags     []string `yaml:"flags,omitempty" toml:"flags"`
}

// HypervisorMemory is the physical footprint of the hypervisor.
type HypervisorMemory struct {
	PhysStart uint64 `yaml:"phys_start" toml:"phys_start"`
	Size      Size   `yaml:"size" toml:"size"`
}

// Platform describes the board.
type Platform struct {
	PCIMMConfigBase   uint64 `yaml:"pci_mmconfig_base" toml:"pci_mmconfig_base"`
	PCIMMConfigEndBus uint8  `yaml:"pci_mmconfig_end_bus" toml:"pci_mmconfig_end_bus"`

	// HostVectors is the host kernel's EL2 vector table, restored on
	// deactivation.
	HostVectors Addr `yaml:"host_vectors" toml:"host_vectors"`
	// PhysVirtOffset is the offset used for the final return to the host.
	PhysVirtOffset Addr `yaml:"phys_virt_offset" toml:"phys_virt_offset"`

	PerCPUBase Addr   `yaml:"per_cpu_base" toml:"per_cpu_base"`
	PerCPUSize Size   `yaml:"per_cpu_size" toml:"per_cpu_size"`

	PagePoolBase   uint64 `yaml:"page_pool_base" toml:"page_pool_base"`
	PagePoolFrames int    `yaml:"page_pool_frames" toml:"page_pool_frames"`
}

// MMConfigSize returns the size of the PCI extended configuration window:
// 256 devices/functions of 4 KiB per bus.
func (p Platform) MMConfigSize() uint64 {
	return (uint64(p.PCIMMConfigEndBus) + 1) * 256 * 4096
}

// PCIDevice is a device assigned to a cell. The ids and BAR sizes are only
// needed for devices whose config space is emulated.
type PCIDevice struct {
	Bus      uint8  `yaml:"bus" toml:"bus"`
	Device   uint8  `yaml:"device" toml:"device"`
	Function uint8  `yaml:"function" toml:"function"`
	VendorID uint16 `yaml:"vendor_id,omitempty" toml:"vendor_id"`
	DeviceID uint16 `yaml:"device_id,omitempty" toml:"device_id"`
	BARSizes []Size `yaml:"bar_sizes,omitempty" toml:"bar_sizes"`
}

// BDF returns the bus/device/function triple packed as in a routing id.
func (d PCIDevice) BDF() uint16 {
	return uint16(d.Bus)<<8 | uint16(d.Device&0x1f)<<3 | uint16(d.Function&0x7)
}

func (d PCIDevice) String() string {
	return fmt.Sprintf("%02x:%02x.%x", d.Bus, d.Device, d.Function)
}

// Cell describes one cell.
type Cell struct {
	Name           string      `yaml:"name" toml:"name"`
	CPUs           []uint64    `yaml:"cpus" toml:"cpus"`
	MaxMMIORegions uint32      `yaml:"max_mmio_regions" toml:"max_mmio_regions"`
	MemRegions     []MemRegion `yaml:"mem_regions" toml:"mem_regions"`
	PCIDevices     []PCIDevice `yaml:"pci_devices,omitempty" toml:"pci_devices"`
}

// DataPages returns the number of pages needed to keep the cell's
// configuration blob.
func (c *Cell) DataPages() (uint64, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return 0, err
	}

	return (uint64(len(b)) + pageSize - 1) / pageSize, nil
}

// System is the whole system configuration.
type System struct {
	HypervisorMemory HypervisorMemory `yaml:"hypervisor_memory" toml:"hypervisor_memory"`
	Platform         Platform         `yaml:"platform" toml:"platform"`
	RootCell         Cell             `yaml:"root_cell" toml:"root_cell"`
	Cells            []Cell           `yaml:"cells,omitempty" toml:"cells"`
}

// Load reads a YAML or TOML file, chosen by extension.
func Load(path string) (*System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return s, nil
}

// Parse decodes data in the given format ("yaml", "yml" or "toml"), applies
// defaults and validates the result.
func Parse(data []byte, format string) (*System, error) {
	s := &System{}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		if err := dec.Decode(s); err != nil {
			return nil, err
		}
	case "toml":
		md, err := toml.Decode(string(data), s)
		if err != nil {
			return nil, err
		}

		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undec[0])
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	s.applyDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *System) applyDefaults() {
	p := &s.Platform
	if p.PerCPUSize == 0 {
		p.PerCPUSize = DefaultPerCPUSize
	}

	if p.PagePoolFrames == 0 {
		p.PagePoolFrames = DefaultPagePoolFrames
	}

	if p.PagePoolBase == 0 {
		p.PagePoolBase = s.HypervisorMemory.PhysStart + uint64(s.HypervisorMemory.Size)
	}

	if s.RootCell.Name == "" {
		s.RootCell.Name = "root"
	}

	for _, c := range s.AllCells() {
		if c.MaxMMIORegions == 0 {
			c.MaxMMIORegions = DefaultMaxMMIORegions
		}
	}
}

// AllCells returns the root cell followed by the other cells.
func (s *System) AllCells() []*Cell {
	cells := []*Cell{&s.RootCell}
	for i := range s.Cells {
		cells = append(cells, &s.Cells[i])
	}

	return cells
}

func aligned(v uint64) bool {
	return v%pageSize == 0
}

// Validate checks the configuration for errors that would only show up
// later while building cells.
func (s *System) Validate() error {
	hv := s.HypervisorMemory
	if hv.Size == 0 || !aligned(hv.PhysStart) || !aligned(uint64(hv.Size)) {
		return fmt.Errorf("%w: hypervisor memory [%#x, +%#x)", ErrInvalid, hv.PhysStart, uint64(hv.Size))
	}

	p := s.Platform
	if !aligned(p.PCIMMConfigBase) {
		return fmt.Errorf("%w: pci mmconfig base %#x", ErrInvalid, p.PCIMMConfigBase)
	}

	if p.PerCPUSize < pageSize || !aligned(uint64(p.PerCPUSize)) {
		return fmt.Errorf("%w: per-cpu size %#x", ErrInvalid, uint64(p.PerCPUSize))
	}

	if p.PagePoolFrames < 1 {
		return fmt.Errorf("%w: page pool frames %d", ErrInvalid, p.PagePoolFrames)
	}

	if len(s.RootCell.CPUs) == 0 {
		return fmt.Errorf("%w: root cell has no cpus", ErrInvalid)
	}

	owner := map[uint64]string{}
	names := map[string]bool{}

	for _, c := range s.AllCells() {
		if names[c.Name] {
			return fmt.Errorf("%w: duplicate cell name %q", ErrInvalid, c.Name)
		}

		names[c.Name] = true

		for _, id := range c.CPUs {
			if id >= MaxCPUs {
				return fmt.Errorf("%w: cell %q: cpu %d out of range", ErrInvalid, c.Name, id)
			}

			if o, ok := owner[id]; ok {
				return fmt.Errorf("%w: cpu %d assigned to %q and %q", ErrInvalid, id, o, c.Name)
			}

			owner[id] = c.Name
		}

		for _, d := range c.PCIDevices {
			if d.Device > 0x1f || d.Function > 0x7 || d.Bus > p.PCIMMConfigEndBus || len(d.BARSizes) > 6 {
				return fmt.Errorf("%w: cell %q: pci device %s", ErrInvalid, c.Name, d)
			}

			for _, sz := range d.BARSizes {
				if sz != 0 && (sz&(sz-1) != 0 || sz > 1<<31) {
					return fmt.Errorf("%w: cell %q: pci device %s: bar size %#x", ErrInvalid,
						c.Name, d, uint64(sz))
				}
			}
		}

		for _, r := range c.MemRegions {
			if r.Size == 0 || !aligned(r.PhysStart) || !aligned(r.VirtStart) || !aligned(uint64(r.Size)) {
				return fmt.Errorf("%w: cell %q: memory region [%#x, +%#x)", ErrInvalid,
					c.Name, r.VirtStart, uint64(r.Size))
			}
		}
	}

	return s.checkPhysOverlap()
}

type physSpan struct {
	owner      string
	start, end uint64
}

func (a physSpan) overlaps(b physSpan) bool {
	return a.start < b.end && b.start < a.end
}

// checkPhysOverlap rejects host-physical memory given to more than one cell
// or to a cell and the hypervisor. Regions of the same cell may alias.
func (s *System) checkPhysOverlap() error {
	hv := physSpan{"hypervisor", s.HypervisorMemory.PhysStart,
		s.HypervisorMemory.PhysStart + uint64(s.HypervisorMemory.Size)}

	var spans []physSpan

	for _, c := range s.AllCells() {
		for _, r := range c.MemRegions {
			sp := physSpan{c.Name, r.PhysStart, r.PhysStart + uint64(r.Size)}
			if sp.end < sp.start {
				return fmt.Errorf("%w: cell %q: region at %#x wraps", ErrInvalid, c.Name, r.PhysStart)
			}

			for _, o := range append([]physSpan{hv}, spans...) {
				if o.owner != c.Name && sp.overlaps(o) {
					return fmt.Errorf("%w: cell %q: physical [%#x, %#x) overlaps %s", ErrInvalid,
						c.Name, sp.start, sp.end, o.owner)
				}
			}

			spans = append(spans, sp)
		}
	}

	return nil
}
