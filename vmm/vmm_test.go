package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/gocell/iodev"
	"github.com/bobuhiro11/gocell/machine"
	"github.com/bobuhiro11/gocell/percpu"
	"github.com/bobuhiro11/gocell/vmm"
	"github.com/google/go-cmp/cmp"
)

const (
	qemuConfig = "../config/testdata/qemu-arm64.yaml"
	mmcfgBase  = 0x08e0_0000
)

func newVMM(t *testing.T, c vmm.Config) *vmm.VMM {
	t.Helper()

	if c.ConfigPath == "" {
		c.ConfigPath = qemuConfig
	}

	v := vmm.New(c)
	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	return v
}

func TestInit(t *testing.T) {
	t.Parallel()

	v := newVMM(t, vmm.Config{})
	defer v.Close()

	if v.System().Platform.PagePoolFrames != 128 {
		t.Fatalf("expected: 128, actual: %d", v.System().Platform.PagePoolFrames)
	}

	if n := v.Board().NumCPUs(); n != 4 {
		t.Fatalf("expected: 4, actual: %d", n)
	}

	var names []string
	for _, c := range v.Cells() {
		names = append(names, c.Name())
	}

	if diff := cmp.Diff([]string{"qemu-arm64", "inmate"}, names); diff != "" {
		t.Fatalf("cells (-want +got):\n%s", diff)
	}

	if n := v.Root().MMIO().Len(); n != 1 {
		t.Fatalf("expected the doorbell only, actual: %d regions", n)
	}

	inmate, err := v.Cell("inmate")
	if err != nil {
		t.Fatal(err)
	}

	if n := inmate.MMIO().Len(); n != 3 {
		t.Fatalf("expected: 3, actual: %d", n)
	}

	if !inmate.Loadable() {
		t.Fatal("a new cell must be loadable")
	}

	if _, err := v.Cell("nope"); !errors.Is(err, vmm.ErrNoSuchCell) {
		t.Fatalf("expected: %v, actual: %v", vmm.ErrNoSuchCell, err)
	}
}

func TestInitTooFewCPUs(t *testing.T) {
	t.Parallel()

	v := vmm.New(vmm.Config{ConfigPath: qemuConfig, NCPUs: 2})
	if err := v.Init(); !errors.Is(err, vmm.ErrTooFewCPUs) {
		t.Fatalf("expected: %v, actual: %v", vmm.ErrTooFewCPUs, err)
	}
}

func TestInitMmapPool(t *testing.T) {
	t.Parallel()

	v := newVMM(t, vmm.Config{MmapPool: true})

	if v.Root().RootTable() == 0 {
		t.Fatal("root table not allocated")
	}

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNotBooted(t *testing.T) {
	t.Parallel()

	v := vmm.New(vmm.Config{ConfigPath: qemuConfig})

	if err := v.Boot(context.Background()); !errors.Is(err, vmm.ErrNotBooted) {
		t.Fatalf("expected: %v, actual: %v", vmm.ErrNotBooted, err)
	}
}

func TestBootRunShutdown(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer

	v := newVMM(t, vmm.Config{NCPUs: 6, SuspendTimeout: 5 * time.Second, Console: &console})
	ctx := context.Background()

	if err := v.Boot(ctx); err != nil {
		t.Fatal(err)
	}

	if n := v.Area().ActivatedCPUs(); n != 4 {
		t.Fatalf("expected: 4, actual: %d", n)
	}

	inmate, _ := v.Cell("inmate")
	if inmate.Loadable() {
		t.Fatal("a started cell must not be loadable")
	}

	// The inmate sees its emulated device, and a hole where nothing is
	// assigned.
	core3, _ := v.Board().Core(3)

	id, err := core3.MMIORead(ctx, mmcfgBase+2<<15, 4)
	if err != nil {
		t.Fatal(err)
	}

	if id != 0x1000_1af4 {
		t.Fatalf("expected: 0x10001af4, actual: %#x", id)
	}

	if id, _ := core3.MMIORead(ctx, mmcfgBase+5<<15, 4); id != 0xffff_ffff {
		t.Fatalf("expected: 0xffffffff, actual: %#x", id)
	}

	for _, c := range []byte("ok") {
		if err := core3.MMIOWrite(ctx, iodev.UARTAddr, 1, uint64(c)); err != nil {
			t.Fatal(err)
		}
	}

	if console.String() != "ok" {
		t.Fatalf("expected: %q, actual: %q", "ok", console.String())
	}

	// Its doorbell is a dummy.
	if err := core3.MMIOWrite(ctx, iodev.ShutdownDevAddr, 1, 0x34); err != nil {
		t.Fatal(err)
	}

	if err := v.Suspend(ctx, "inmate"); err != nil {
		t.Fatal(err)
	}

	if s := v.Area().GetCPUData(3).State(); s != percpu.Suspended {
		t.Fatalf("expected: %v, actual: %v", percpu.Suspended, s)
	}

	if s := v.Area().GetCPUData(0).State(); s != percpu.Activated {
		t.Fatalf("root cell cpu affected: %v", s)
	}

	if err := v.Resume("inmate"); err != nil {
		t.Fatal(err)
	}

	// The root cell rings the real doorbell.
	core0, _ := v.Board().Core(0)
	if err := core0.MMIOWrite(ctx, iodev.ShutdownDevAddr, 1, 0x34); err != nil {
		t.Fatal(err)
	}

	ev, err := v.Run(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if ev != iodev.EventShutdown {
		t.Fatalf("expected: %v, actual: %v", iodev.EventShutdown, ev)
	}

	if n := v.Area().ActivatedCPUs(); n != 0 {
		t.Fatalf("expected: 0, actual: %d", n)
	}

	for _, s := range v.Status() {
		if s.State != percpu.Deactivated || s.ShutdownState != percpu.ShutdownStarted {
			t.Fatalf("unexpected status %s", s)
		}
	}

	if n := len(v.Status()); n != 4 {
		t.Fatalf("expected 4 cores, actual: %d", n)
	}
}

func TestRunCancel(t *testing.T) {
	t.Parallel()

	v := newVMM(t, vmm.Config{})

	if err := v.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev, err := v.Run(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if ev != 0 {
		t.Fatalf("expected no event, actual: %v", ev)
	}

	if n := v.Area().ActivatedCPUs(); n != 0 {
		t.Fatalf("expected: 0, actual: %d", n)
	}
}

func TestShutdownFailedCore(t *testing.T) {
	t.Parallel()

	v := newVMM(t, vmm.Config{NCPUs: 4})
	ctx := context.Background()

	if err := v.Boot(ctx); err != nil {
		t.Fatal(err)
	}

	// Nothing backs this address in the inmate. Its core fails and stops
	// running the guest.
	core3, _ := v.Board().Core(3)
	if _, err := core3.MMIORead(ctx, 0x0c00_0000, 4); !errors.Is(err, machine.ErrParked) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrParked, err)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.Shutdown(sctx); err != nil {
		t.Fatal(err)
	}

	p := v.Area().GetCPUData(3)
	if p.State() != percpu.Failed || p.ShutdownState() >= 0 {
		t.Fatalf("expected a failed core with an error shutdown state, actual: %s", p)
	}

	if n := v.Area().ActivatedCPUs(); n != 0 {
		t.Fatalf("expected: 0, actual: %d", n)
	}
}
