// Package arch holds the AArch64 EL2 definitions shared by the per-core
// code and whatever implements the hardware underneath it.
package arch

import "fmt"

// SysReg identifies a system register.
type SysReg uint32

const (
	HCR_EL2 SysReg = iota
	VTCR_EL2
	VTTBR_EL2
	VBAR_EL2
	MPIDR_EL1
	ESR_EL2
	FAR_EL2
	HPFAR_EL2
	ELR_EL2
	SPSR_EL2
)

var sysRegNames = [...]string{
	HCR_EL2:   "HCR_EL2",
	VTCR_EL2:  "VTCR_EL2",
	VTTBR_EL2: "VTTBR_EL2",
	VBAR_EL2:  "VBAR_EL2",
	MPIDR_EL1: "MPIDR_EL1",
	ESR_EL2:   "ESR_EL2",
	FAR_EL2:   "FAR_EL2",
	HPFAR_EL2: "HPFAR_EL2",
	ELR_EL2:   "ELR_EL2",
	SPSR_EL2:  "SPSR_EL2",
}

func (r SysReg) String() string {
	if int(r) < len(sysRegNames) {
		return sysRegNames[r]
	}

	return fmt.Sprintf("SysReg(%d)", uint32(r))
}

// HCR_EL2 bits.
const (
	HCRVM  = 1 << 0
	HCRFMO = 1 << 3
	HCRIMO = 1 << 4
	HCRTSC = 1 << 19
	HCRRW  = 1 << 31

	// HCRGuestFlags are set when a core is handed to a guest.
	HCRGuestFlags = HCRRW | HCRTSC | HCRVM | HCRIMO | HCRFMO
)

// VTCR_EL2 fields.
const (
	VTCRRes1 = 1 << 31
	VTCRHA   = 1 << 21

	VTCRPS44Bit     = 0b100 << 16
	VTCRTG04K       = 0b00 << 14
	VTCRSH0Inner    = 0b11 << 12
	VTCRORGN0WBRAWA = 0b01 << 10
	VTCRIRGN0WBRAWA = 0b01 << 8

	// VTCRSL0 selects the starting level: 2 means level 0 with a 4K granule.
	VTCRSL0  = 2 << 6
	VTCRT0SZ = 20

	// VTCRFlags is the stage-2 translation control used for every cell.
	VTCRFlags = VTCRT0SZ | VTCRSL0 | VTCRIRGN0WBRAWA | VTCRORGN0WBRAWA |
		VTCRSH0Inner | VTCRTG04K | VTCRPS44Bit | VTCRHA | VTCRRes1
)

// Values written to HCR_EL2 and VTCR_EL2 when EL2 is torn down.
const (
	HCRReset  = 0x80000000
	VTCRReset = 0x80000000
)

// VMIDShift is the position of the VMID in VTTBR_EL2.
const VMIDShift = 48

// VTTBR builds a VTTBR_EL2 value from a stage-2 root and a VMID.
func VTTBR(root uint64, vmid uint16) uint64 {
	return root | uint64(vmid)<<VMIDShift
}

// MPIDRMask keeps the affinity fields of MPIDR_EL1.
const MPIDRMask = 0xff00ffffff
