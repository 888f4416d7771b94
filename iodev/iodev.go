// Package iodev holds small devices emulated behind trapped MMIO regions.
package iodev

import (
	"encoding/binary"

	"github.com/bobuhiro11/gocell/mmio"
	"github.com/sirupsen/logrus"
)

// Device is emulated behind one MMIO region. Offsets passed to Read and
// Write are relative to Base.
type Device interface {
	Read(off uint64, data []byte) error
	Write(off uint64, data []byte) error
	Base() uint64
	Size() uint64
}

func handle(arg any, a *mmio.Access) mmio.Result {
	d, ok := arg.(Device)
	if !ok || a.Size == 0 || a.Size > 8 {
		return mmio.Error
	}

	var buf [8]byte

	data := buf[:a.Size]

	if a.Write {
		binary.LittleEndian.PutUint64(buf[:], a.Value)

		if err := d.Write(a.Address, data); err != nil {
			logrus.WithField("offset", a.Address).Warn(err)

			return mmio.Error
		}

		return mmio.Handled
	}

	if err := d.Read(a.Address, data); err != nil {
		logrus.WithField("offset", a.Address).Warn(err)

		return mmio.Error
	}

	a.Value = binary.LittleEndian.Uint64(buf[:])

	return mmio.Handled
}

// Register adds d to a cell's MMIO registry.
func Register(r *mmio.Registry, d Device) (int, error) {
	return r.Register(d.Base(), d.Size(), handle, d)
}
