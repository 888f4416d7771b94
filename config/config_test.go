package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bobuhiro11/gocell/config"
	"github.com/google/go-cmp/cmp"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		unit string
		want uint64
	}{
		{"4096", "", 4096},
		{"0x1000", "", 0x1000},
		{"4K", "", 4 << 10},
		{"16k", "", 16 << 10},
		{"1M", "", 1 << 20},
		{"2g", "", 2 << 30},
		{"3", "M", 3 << 20},
	} {
		got, err := config.ParseSize(tt.in, tt.unit)
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}

		if got != tt.want {
			t.Errorf("%q: expected: %#x, actual: %#x", tt.in, tt.want, got)
		}
	}

	for _, in := range []string{"", "M", "12Q", "xyz"} {
		if _, err := config.ParseSize(in, ""); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}

	if _, err := config.ParseSize("0xffffffffffffffffG", ""); !errors.Is(err, strconv.ErrRange) {
		t.Errorf("expected: %v, actual: %v", strconv.ErrRange, err)
	}
}

func checkQEMU(t *testing.T, s *config.System) {
	t.Helper()

	if s.HypervisorMemory.PhysStart != 0x7fc0_0000 || s.HypervisorMemory.Size != 4<<20 {
		t.Errorf("hypervisor memory: %+v", s.HypervisorMemory)
	}

	if s.Platform.PerCPUSize != 16<<10 {
		t.Errorf("expected: %#x, actual: %#x", 16<<10, uint64(s.Platform.PerCPUSize))
	}

	if s.Platform.PagePoolBase != 0x8000_0000 {
		t.Errorf("expected default page pool base 0x80000000, actual: %#x", s.Platform.PagePoolBase)
	}

	if got := s.Platform.MMConfigSize(); got != 0x10_0000 {
		t.Errorf("expected: %#x, actual: %#x", 0x10_0000, got)
	}

	if diff := cmp.Diff([]uint64{0, 1, 2}, s.RootCell.CPUs); diff != "" {
		t.Errorf("root cpus (-want +got):\n%s", diff)
	}

	if s.RootCell.MaxMMIORegions != config.DefaultMaxMMIORegions {
		t.Errorf("expected: %d, actual: %d", config.DefaultMaxMMIORegions, s.RootCell.MaxMMIORegions)
	}

	want := []config.MemRegion{
		{PhysStart: 0x0900_0000, VirtStart: 0x0900_0000, Size: 0x1000, Flags: []string{"read", "write", "io"}},
		{PhysStart: 0x4000_0000, VirtStart: 0x4000_0000, Size: 0x3fa0_0000, Flags: []string{"read", "write", "exec"}},
	}
	if diff := cmp.Diff(want, s.RootCell.MemRegions); diff != "" {
		t.Errorf("root regions (-want +got):\n%s", diff)
	}

	if len(s.Cells) != 1 || s.Cells[0].Name != "inmate" || s.Cells[0].MemRegions[0].Size != 1<<20 {
		t.Errorf("unexpected cells: %+v", s.Cells)
	}

	wantDev := config.PCIDevice{
		Device: 2, VendorID: 0x1af4, DeviceID: 0x1000,
		BARSizes: []config.Size{4 << 10, 0, 1 << 20},
	}
	if diff := cmp.Diff([]config.PCIDevice{wantDev}, s.Cells[0].PCIDevices); diff != "" {
		t.Errorf("inmate pci devices (-want +got):\n%s", diff)
	}

	if got := s.RootCell.PCIDevices[0].String(); got != "00:01.0" {
		t.Errorf("expected: 00:01.0, actual: %s", got)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	s, err := config.Load("testdata/qemu-arm64.yaml")
	if err != nil {
		t.Fatal(err)
	}

	checkQEMU(t, s)
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()

	s, err := config.Load("testdata/qemu-arm64.toml")
	if err != nil {
		t.Fatal(err)
	}

	checkQEMU(t, s)
}

func TestYAMLAndTOMLAgree(t *testing.T) {
	t.Parallel()

	y, err := config.Load("testdata/qemu-arm64.yaml")
	if err != nil {
		t.Fatal(err)
	}

	tm, err := config.Load("testdata/qemu-arm64.toml")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(y, tm); diff != "" {
		t.Errorf("yaml and toml differ (-yaml +toml):\n%s", diff)
	}
}

func TestLoadUnknownFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "system.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := config.Load(path); !errors.Is(err, config.ErrUnknownFormat) {
		t.Fatalf("expected: %v, actual: %v", config.ErrUnknownFormat, err)
	}
}

const minimal = `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell:
  cpus: [0]
`

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	s, err := config.Parse([]byte(minimal), "yaml")
	if err != nil {
		t.Fatal(err)
	}

	if s.RootCell.Name != "root" {
		t.Errorf("expected: root, actual: %s", s.RootCell.Name)
	}

	if s.Platform.PagePoolFrames != config.DefaultPagePoolFrames {
		t.Errorf("expected: %d, actual: %d", config.DefaultPagePoolFrames, s.Platform.PagePoolFrames)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"no hypervisor memory": `
root_cell: {cpus: [0]}
`,
		"unaligned hypervisor memory": `
hypervisor_memory: {phys_start: 0x7fc00100, size: 4M}
root_cell: {cpus: [0]}
`,
		"no root cpus": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
`,
		"cpu out of range": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell: {cpus: [64]}
`,
		"cpu shared": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell: {cpus: [0, 1]}
cells: [{name: a, cpus: [1]}]
`,
		"duplicate name": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell: {name: a, cpus: [0]}
cells: [{name: a, cpus: [1]}]
`,
		"empty region": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell:
  cpus: [0]
  mem_regions: [{phys_start: 0, virt_start: 0, size: 0}]
`,
		"bad bar size": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell:
  cpus: [0]
  pci_devices: [{bus: 0, device: 1, function: 0, bar_sizes: [3K]}]
`,
		"bus beyond window": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell:
  cpus: [0]
  pci_devices: [{bus: 1, device: 1, function: 0}]
`,
		"region over hypervisor": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell:
  cpus: [0]
  mem_regions: [{phys_start: 0x40000000, virt_start: 0x40000000, size: 0x3fd00000}]
`,
		"region shared by cells": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell:
  cpus: [0]
  mem_regions: [{phys_start: 0x40000000, virt_start: 0x40000000, size: 0x3fb00000}]
cells:
  - name: inmate
    cpus: [1]
    mem_regions: [{phys_start: 0x7fa00000, virt_start: 0, size: 1M}]
`,
		"unaligned region": `
hypervisor_memory: {phys_start: 0x7fc00000, size: 4M}
root_cell:
  cpus: [0]
  mem_regions: [{phys_start: 0x10, virt_start: 0x10, size: 4K}]
`,
	} {
		name, doc := name, doc

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := config.Parse([]byte(doc), "yaml"); !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected: %v, actual: %v", config.ErrInvalid, err)
			}
		})
	}
}

func TestParseUnknownKey(t *testing.T) {
	t.Parallel()

	if _, err := config.Parse([]byte(minimal+"bogus: 1\n"), "yaml"); err == nil {
		t.Fatal("expected error for unknown key")
	}

	doc := "bogus = 1\n[hypervisor_memory]\nphys_start = 0x7fc00000\nsize = \"4M\"\n[root_cell]\ncpus = [0]\n"
	if _, err := config.Parse([]byte(doc), "toml"); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected: %v, actual: %v", config.ErrInvalid, err)
	}
}

func TestDataPages(t *testing.T) {
	t.Parallel()

	s, err := config.Load("testdata/qemu-arm64.yaml")
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.RootCell.DataPages()
	if err != nil {
		t.Fatal(err)
	}

	if n != 1 {
		t.Errorf("expected: 1, actual: %d", n)
	}
}
