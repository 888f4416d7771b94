// Package pci is the per-cell PCI side table. It keeps the devices assigned
// to a cell with their shadow BARs and serves a trapped ECAM window.
package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/gocell/config"
	"github.com/bobuhiro11/gocell/mmio"
	"github.com/sirupsen/logrus"
)

const (
	NumBARs = 6

	// FunctionConfigSize is the ECAM config space of one function.
	FunctionConfigSize = 4096

	headerSize = 64
	barOffset  = 0x10
	cmdOffset  = 0x04
)

var (
	ErrDuplicate  = errors.New("pci device already assigned")
	ErrBadAccess  = errors.New("unsupported pci config access")
	ErrWrongTable = errors.New("mmio argument is not a pci table")
)

// ECAM offset of a config space access
//
//	27     20 19  15 14  12 11        0
//	|  bus   | dev  | fn   |  register |
type address uint64

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfff
}

func (a address) getFunctionNumber() uint8 {
	return uint8(a>>12) & 0x7
}

func (a address) getDeviceNumber() uint8 {
	return uint8(a>>15) & 0x1f
}

func (a address) getBusNumber() uint8 {
	return uint8(a >> 20)
}

func (a address) bdf() uint16 {
	return uint16(a.getBusNumber())<<8 | uint16(a.getDeviceNumber())<<3 | uint16(a.getFunctionNumber())
}

// DeviceHeader is a type 0/1 config space header.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BaseAddressRegister     [NumBARs]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	Reserved                [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h *DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// SizeToBits returns the mask a BAR of size bytes reads back after all ones
// were written to it.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes a little-endian value of up to 8 bytes.
func BytesToNum(b []byte) uint64 {
	var v uint64

	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

// NumToBytes encodes a fixed-size unsigned integer little-endian.
// Anything else yields an empty slice.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8, uint16, uint32, uint64:
		buf := new(bytes.Buffer)
		_ = binary.Write(buf, binary.LittleEndian, v)

		return buf.Bytes()
	default:
		return []byte{}
	}
}

// Device is a function assigned to a cell.
type Device struct {
	Info   config.PCIDevice
	Header DeviceHeader
	// Bar is the shadow of the base address registers as the cell
	// programmed them.
	Bar [NumBARs]uint32

	barMask [NumBARs]uint32
}

// NewDevice builds the emulated header of info.
func NewDevice(info config.PCIDevice) *Device {
	d := &Device{Info: info}

	switch {
	case info.VendorID == 0 && info.Bus == 0 && info.Device == 0 && info.Function == 0:
		d.Header = BridgeHeader()
	default:
		d.Header = DeviceHeader{VendorID: info.VendorID, DeviceID: info.DeviceID}
	}

	for i, sz := range info.BARSizes {
		if i >= NumBARs {
			break
		}

		d.barMask[i] = SizeToBits(uint64(sz))
	}

	return d
}

func (d *Device) configBytes() []byte {
	h := d.Header
	h.BaseAddressRegister = d.Bar

	b, err := h.Bytes()
	if err != nil {
		// fixed-size struct
		panic(err)
	}

	return b
}

func (d *Device) read(reg uint32, size uint8) uint64 {
	if reg+uint32(size) > headerSize {
		return 0
	}

	return BytesToNum(d.configBytes()[reg : reg+uint32(size)])
}

// writable reports whether a header byte may be changed by the cell:
// command, cache line size, latency timer and interrupt line.
func writable(off uint32) bool {
	switch off {
	case cmdOffset, cmdOffset + 1, 0x0c, 0x0d, 0x3c:
		return true
	default:
		return false
	}
}

func (d *Device) write(reg uint32, size uint8, v uint64) {
	if reg >= barOffset && reg < barOffset+4*NumBARs {
		if size == 4 {
			i := (reg - barOffset) / 4
			d.Bar[i] = uint32(v) & d.barMask[i]
		}

		return
	}

	if reg+uint32(size) > headerSize {
		return
	}

	b := d.configBytes()
	for i, x := range NumToBytes(v)[:size] {
		if off := reg + uint32(i); writable(off) {
			b[off] = x
		}
	}

	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &d.Header); err != nil {
		panic(err)
	}
}

// Table is the set of devices of one cell, keyed by bus/device/function.
type Table struct {
	mu      sync.Mutex
	devices map[uint16]*Device
}

func NewTable() *Table {
	return &Table{devices: map[uint16]*Device{}}
}

func (t *Table) Add(info config.PCIDevice) (*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.devices[info.BDF()]; ok {
		return nil, fmt.Errorf("%s: %w", info, ErrDuplicate)
	}

	d := NewDevice(info)
	t.devices[info.BDF()] = d

	return d, nil
}

func (t *Table) Lookup(bdf uint16) (*Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[bdf]

	return d, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.devices)
}

// Devices returns the devices ordered by bus/device/function.
func (t *Table) Devices() []*Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	ds := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		ds = append(ds, d)
	}

	sort.Slice(ds, func(i, j int) bool { return ds[i].Info.BDF() < ds[j].Info.BDF() })

	return ds
}

// Access serves one access to the ECAM window. a.Address is relative to
// the window base. Functions not in the table read as all ones.
func (t *Table) Access(a *mmio.Access) error {
	addr := address(a.Address)
	reg := addr.getRegisterOffset()

	switch a.Size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("%w: size %d", ErrBadAccess, a.Size)
	}

	if reg%uint32(a.Size) != 0 {
		return fmt.Errorf("%w: unaligned register %#x", ErrBadAccess, reg)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[addr.bdf()]
	if !ok {
		if !a.Write {
			a.Value = 1<<(8*uint64(a.Size)) - 1
		}

		return nil
	}

	if a.Write {
		d.write(reg, a.Size, a.Value)
	} else {
		a.Value = d.read(reg, a.Size)
	}

	return nil
}

// HandleMMIO is an mmio.HandlerFunc for a trapped ECAM window. arg is the
// cell's *Table.
func HandleMMIO(arg any, a *mmio.Access) mmio.Result {
	t, ok := arg.(*Table)
	if !ok {
		logrus.Error(ErrWrongTable)

		return mmio.Error
	}

	if err := t.Access(a); err != nil {
		logrus.WithField("offset", fmt.Sprintf("%#x", a.Address)).Warn(err)

		return mmio.Error
	}

	return mmio.Handled
}
