package iodev_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gocell/iodev"
	"github.com/bobuhiro11/gocell/mmio"
)

func TestNoopDevice(t *testing.T) {
	t.Parallel()

	r := mmio.NewRegistry(2)
	d := &iodev.NoopDevice{Addr: 0x1000_0000, Psize: 0x1000}

	if _, err := iodev.Register(r, d); err != nil {
		t.Fatal(err)
	}

	a := &mmio.Access{Address: 0x1000_0010, Size: 4, Value: 0xffff}
	if res := r.Dispatch(a); res != mmio.Handled {
		t.Fatalf("expected: %v, actual: %v", mmio.Handled, res)
	}

	if a.Value != 0 {
		t.Fatalf("expected: 0, actual: %#x", a.Value)
	}

	a = &mmio.Access{Address: 0x1000_0010, Size: 4, Write: true, Value: 1}
	if res := r.Dispatch(a); res != mmio.Handled {
		t.Fatalf("expected: %v, actual: %v", mmio.Handled, res)
	}
}

func TestShutdownDevice(t *testing.T) {
	t.Parallel()

	r := mmio.NewRegistry(2)
	d := iodev.NewShutdownDevice()

	if _, err := iodev.Register(r, d); err != nil {
		t.Fatal(err)
	}

	// Unrelated values are ignored.
	if res := r.Dispatch(&mmio.Access{Address: iodev.ShutdownDevAddr, Size: 1, Write: true, Value: 7}); res != mmio.Handled {
		t.Fatalf("expected: %v, actual: %v", mmio.Handled, res)
	}

	if len(d.Events) != 0 {
		t.Fatal("unexpected event")
	}

	// SLP_TYP=5, SLP_EN
	if res := r.Dispatch(&mmio.Access{Address: iodev.ShutdownDevAddr, Size: 1, Write: true, Value: 0x34}); res != mmio.Handled {
		t.Fatalf("expected: %v, actual: %v", mmio.Handled, res)
	}

	if ev := <-d.Events; ev != iodev.EventShutdown {
		t.Fatalf("expected: %v, actual: %v", iodev.EventShutdown, ev)
	}

	if err := d.Write(0, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if err := d.Write(0, []byte{1}); !errors.Is(err, iodev.ErrEventDropped) {
		t.Fatalf("expected: %v, actual: %v", iodev.ErrEventDropped, err)
	}

	if ev := <-d.Events; ev != iodev.EventReset {
		t.Fatalf("expected: %v, actual: %v", iodev.EventReset, ev)
	}

	// Oversized accesses are rejected before reaching the device.
	if res := r.Dispatch(&mmio.Access{Address: iodev.ShutdownDevAddr, Size: 16}); res != mmio.Error {
		t.Fatalf("expected: %v, actual: %v", mmio.Error, res)
	}
}
