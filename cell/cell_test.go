package cell_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gocell/cell"
	"github.com/bobuhiro11/gocell/config"
	"github.com/bobuhiro11/gocell/memory"
	"github.com/bobuhiro11/gocell/mmio"
	"github.com/bobuhiro11/gocell/stage2"
	"github.com/google/go-cmp/cmp"
)

const (
	hvStart   = 0xffff_ff00_0000_0000
	hvSize    = 0x0020_0000
	ramStart  = 0x4000_0000
	ramSize   = 0x3fb0_0000
	mmcfgBase = 0x3f00_0000
)

func testSystem() *config.System {
	return &config.System{
		HypervisorMemory: config.HypervisorMemory{PhysStart: hvStart, Size: hvSize},
		Platform: config.Platform{
			PCIMMConfigBase:   mmcfgBase,
			PCIMMConfigEndBus: 15,
			PagePoolFrames:    64,
		},
		RootCell: config.Cell{
			Name: "root",
			CPUs: []uint64{0, 1, 2, 3},
			MemRegions: []config.MemRegion{
				{PhysStart: ramStart, VirtStart: ramStart, Size: ramSize},
			},
			PCIDevices: []config.PCIDevice{{}},
		},
	}
}

func newPool() stage2.Allocator {
	return stage2.NewPool(0x8000_0000, 64)
}

type span struct {
	Start, Size uint64
	Flags       memory.Flags
}

func spans(c *cell.Cell) []span {
	var ss []span
	for _, r := range c.GPM().Regions() {
		ss = append(ss, span{r.Start, r.Size, r.Flags})
	}

	return ss
}

func TestNewRoot(t *testing.T) {
	t.Parallel()

	c, err := cell.NewRoot(testSystem(), newPool())
	if err != nil {
		t.Fatal(err)
	}

	want := []span{
		{mmcfgBase, 0x0100_0000, memory.Read | memory.Write | memory.IO},
		{ramStart, ramSize, memory.Read | memory.Write},
		{hvStart, hvSize, memory.Read | memory.NoHugePages},
	}
	if diff := cmp.Diff(want, spans(c)); diff != "" {
		t.Fatalf("regions (-want +got):\n%s", diff)
	}

	err = c.GPM().Insert(memory.NewOffsetRegion(ramStart, ramStart, 0x1000, memory.Read))
	if !errors.Is(err, memory.ErrOverlap) {
		t.Fatalf("expected: %v, actual: %v", memory.ErrOverlap, err)
	}

	if diff := cmp.Diff(want, spans(c)); diff != "" {
		t.Fatalf("regions changed by failed insert (-want +got):\n%s", diff)
	}

	if c.ID() != cell.RootID || c.VMID() != 0 {
		t.Fatalf("expected root ids, actual: %d/%d", c.ID(), c.VMID())
	}

	if c.RootTable() != 0x8000_0000 {
		t.Fatalf("expected: 0x80000000, actual: %#x", c.RootTable())
	}

	if c.Loadable() {
		t.Fatal("root cell must not be loadable")
	}

	if c.State() != cell.Running {
		t.Fatalf("expected: %v, actual: %v", cell.Running, c.State())
	}

	if c.MMIO().Cap() != config.DefaultMaxMMIORegions || c.MMIO().Len() != 0 {
		t.Fatalf("unexpected mmio registry %d/%d", c.MMIO().Len(), c.MMIO().Cap())
	}

	if c.PCI().Len() != 1 {
		t.Fatalf("expected one pci device, actual: %d", c.PCI().Len())
	}

	if c.CPUs().Len() != 4 || c.DataPages() != 1 {
		t.Fatalf("unexpected cpus %v or data pages %d", c.CPUs(), c.DataPages())
	}

	// The hypervisor is mapped read-only with pages only. Descriptors keep
	// output address bits 47:12.
	hpa, at, ok := c.GPM().PageTables().Lookup(hvStart + 0x1000)
	if !ok || hpa != 0xff00_0000_1000 || at.Write {
		t.Fatalf("unexpected hypervisor mapping: %#x %v %v", hpa, at, ok)
	}

	if sz := c.GPM().PageTables().LeafSize(hvStart); sz != stage2.PageSize {
		t.Fatalf("expected: %#x, actual: %#x", stage2.PageSize, sz)
	}
}

func TestNewRootErrors(t *testing.T) {
	t.Parallel()

	for name, mutate := range map[string]func(*config.System){
		"ram overlaps pci window": func(s *config.System) {
			s.RootCell.MemRegions = append(s.RootCell.MemRegions,
				config.MemRegion{PhysStart: mmcfgBase, VirtStart: mmcfgBase, Size: 0x1000})
		},
		"bad flag": func(s *config.System) {
			s.RootCell.MemRegions[0].Flags = []string{"rw"}
		},
		"cpu out of range": func(s *config.System) {
			s.RootCell.CPUs = []uint64{64}
		},
		"duplicate pci device": func(s *config.System) {
			s.RootCell.PCIDevices = append(s.RootCell.PCIDevices, config.PCIDevice{})
		},
	} {
		mutate := mutate

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := testSystem()
			mutate(s)

			if _, err := cell.NewRoot(s, newPool()); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := cell.NewRoot(testSystem(), stage2.NewPool(0, 3)); !errors.Is(err, stage2.ErrNoMemory) {
		t.Fatalf("expected: %v, actual: %v", stage2.ErrNoMemory, err)
	}
}

func TestRootCellInitOnce(t *testing.T) {
	t.Parallel()

	var r cell.RootCell

	bad := testSystem()
	bad.RootCell.MemRegions[0].Flags = []string{"rw"}

	if err := r.Init(bad, newPool()); err == nil {
		t.Fatal("expected error")
	}

	if r.Initialized() {
		t.Fatal("failed init published a cell")
	}

	if err := r.Init(testSystem(), newPool()); err != nil {
		t.Fatal(err)
	}

	first := r.Get()

	// A second init neither rebuilds nor replaces the cell, even with a
	// configuration that would fail.
	if err := r.Init(bad, newPool()); err != nil {
		t.Fatal(err)
	}

	if r.Get() != first {
		t.Fatal("root cell replaced")
	}
}

// TestRoot is the only test touching the process-wide root cell.
func TestRoot(t *testing.T) {
	func() {
		defer func() {
			r := recover()
			if r != "uninitialized root cell" {
				t.Fatalf("expected panic, actual: %v", r)
			}
		}()

		cell.Root()
	}()

	if err := cell.Init(testSystem(), newPool()); err != nil {
		t.Fatal(err)
	}

	first := cell.Root()

	if err := cell.Init(testSystem(), newPool()); err != nil {
		t.Fatal(err)
	}

	if cell.Root() != first {
		t.Fatal("root cell replaced")
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	sys := testSystem()
	cfg := &config.Cell{
		Name:           "inmate",
		CPUs:           []uint64{3},
		MaxMMIORegions: 2,
		MemRegions: []config.MemRegion{
			{PhysStart: 0x7fa0_0000, VirtStart: 0, Size: 0x10_0000, Flags: []string{"read", "write", "exec"}},
		},
		PCIDevices: []config.PCIDevice{{Device: 2, VendorID: 0x1af4, DeviceID: 0x1000}},
	}

	c, err := cell.Create(cfg, sys.Platform, newPool())
	if err != nil {
		t.Fatal(err)
	}

	if c.ID() == cell.RootID || !c.Loadable() || c.Name() != "inmate" {
		t.Fatalf("unexpected cell: %s", c)
	}

	if _, ok := c.GPM().Find(mmcfgBase); ok {
		t.Fatal("pci window must not be mapped")
	}

	if hpa, _, ok := c.GPM().PageTables().Lookup(0x1000); !ok || hpa != 0x7fa0_1000 {
		t.Fatalf("unexpected mapping of 0x1000: %#x %v", hpa, ok)
	}

	a := &mmio.Access{Address: mmcfgBase + 2<<15, Size: 4}
	if res := c.MMIO().Dispatch(a); res != mmio.Handled || a.Value != 0x1000_1af4 {
		t.Fatalf("unexpected config read: %v %#x", res, a.Value)
	}

	// One slot left.
	noop := func(any, *mmio.Access) mmio.Result { return mmio.Handled }
	if _, err := c.MMIO().Register(0x0900_0000, 0x1000, noop, nil); err != nil {
		t.Fatal(err)
	}

	gen := c.MMIO().Generation()
	if _, err := c.MMIO().Register(0x0901_0000, 0x1000, noop, nil); !errors.Is(err, mmio.ErrCapacity) {
		t.Fatalf("expected: %v, actual: %v", mmio.ErrCapacity, err)
	}

	if c.MMIO().Generation() != gen || c.MMIO().Len() != 2 {
		t.Fatal("failed registration changed the registry")
	}

	if err := c.SetLoadable(false); err != nil {
		t.Fatal(err)
	}
}

func TestCreateNoMMIOSlot(t *testing.T) {
	t.Parallel()

	sys := testSystem()
	cfg := &config.Cell{Name: "tiny", CPUs: []uint64{1}, MaxMMIORegions: 1}

	c, err := cell.Create(cfg, sys.Platform, newPool())
	if err != nil {
		t.Fatal(err)
	}

	if c.MMIO().Len() != 1 {
		t.Fatalf("expected the pci window registered, actual: %d", c.MMIO().Len())
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		path []cell.State
		ok   bool
	}{
		{[]cell.State{cell.RunningLocked, cell.Running}, true},
		{[]cell.State{cell.RunningLocked, cell.ShutDown}, true},
		{[]cell.State{cell.Failed}, true},
		{[]cell.State{cell.FailedCommRev}, true},
		{[]cell.State{cell.Running}, false},
		{[]cell.State{cell.ShutDown, cell.Running}, false},
		{[]cell.State{cell.Failed, cell.ShutDown}, false},
		{[]cell.State{cell.State(42)}, false},
	} {
		c, err := cell.NewRoot(testSystem(), newPool())
		if err != nil {
			t.Fatal(err)
		}

		var last error

		for _, s := range tt.path {
			if last = c.SetState(s); last != nil {
				break
			}
		}

		if ok := last == nil; ok != tt.ok {
			t.Errorf("%v: expected ok=%v, actual: %v", tt.path, tt.ok, last)
		}

		if last != nil && !errors.Is(last, cell.ErrInvalidTransition) {
			t.Errorf("%v: expected: %v, actual: %v", tt.path, cell.ErrInvalidTransition, last)
		}
	}
}

func TestSetLoadable(t *testing.T) {
	t.Parallel()

	c, err := cell.NewRoot(testSystem(), newPool())
	if err != nil {
		t.Fatal(err)
	}

	if err := c.SetState(cell.RunningLocked); err != nil {
		t.Fatal(err)
	}

	if err := c.SetLoadable(true); !errors.Is(err, cell.ErrLocked) {
		t.Fatalf("expected: %v, actual: %v", cell.ErrLocked, err)
	}

	if err := c.SetState(cell.ShutDown); err != nil {
		t.Fatal(err)
	}

	if err := c.SetLoadable(true); !errors.Is(err, cell.ErrInvalidTransition) {
		t.Fatalf("expected: %v, actual: %v", cell.ErrInvalidTransition, err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[cell.State]string{
		cell.Running:       "running",
		cell.RunningLocked: "running/locked",
		cell.ShutDown:      "shut down",
		cell.Failed:        "failed",
		cell.FailedCommRev: "failed/comm-rev",
		cell.State(9):      "State(9)",
	} {
		if s.String() != want {
			t.Errorf("expected: %s, actual: %s", want, s)
		}
	}
}
