package arch

import "fmt"

// ExceptionClass is ESR_EL2.EC.
type ExceptionClass uint8

const (
	ECUnknown      ExceptionClass = 0x00
	ECWFx          ExceptionClass = 0x01
	ECHVC64        ExceptionClass = 0x16
	ECSMC64        ExceptionClass = 0x17
	ECSysReg       ExceptionClass = 0x18
	ECInstAbortLow ExceptionClass = 0x20
	ECDataAbortLow ExceptionClass = 0x24
)

func (ec ExceptionClass) String() string {
	switch ec {
	case ECUnknown:
		return "unknown"
	case ECWFx:
		return "wfi/wfe"
	case ECHVC64:
		return "hvc64"
	case ECSMC64:
		return "smc64"
	case ECSysReg:
		return "sysreg"
	case ECInstAbortLow:
		return "instruction abort"
	case ECDataAbortLow:
		return "data abort"
	default:
		return fmt.Sprintf("ec %#x", uint8(ec))
	}
}

// Trap is what the exception vector collected on a guest exit.
type Trap struct {
	ESR   uint64
	FAR   uint64
	HPFAR uint64
	// Insn is the guest instruction at ELR_EL2, used when the syndrome does
	// not describe the access.
	Insn uint32
	// IRQ is set for an asynchronous exit. The syndrome is then unused.
	IRQ bool
}

func (t Trap) Class() ExceptionClass {
	return ExceptionClass(t.ESR >> 26 & 0x3f)
}

func (t Trap) ISS() uint32 {
	return uint32(t.ESR & 0x1ffffff)
}

// IPA returns the faulting guest-physical address of an abort.
func (t Trap) IPA() uint64 {
	return (t.HPFAR&0xffff_ffff_fff0)<<8 | t.FAR&0xfff
}

// HVCImmediate returns the immediate of an HVC or SMC.
func (t Trap) HVCImmediate() uint16 {
	return uint16(t.ISS())
}

// DataAbort is the part of a data abort syndrome needed for emulation.
type DataAbort struct {
	Valid bool // ISV
	Size  uint8
	Reg   uint8 // SRT
	Write bool
	Sign  bool // SSE
	SF    bool // 64-bit register

	// Writeback is set for decoded pre- and post-indexed accesses, which
	// add Offset to register Base. A syndrome never describes them.
	Writeback bool
	Base      uint8
	Offset    int64
}

func (t Trap) DataAbort() DataAbort {
	iss := t.ISS()

	return DataAbort{
		Valid: iss>>24&1 == 1,
		Size:  1 << (iss >> 22 & 0x3),
		Sign:  iss>>21&1 == 1,
		Reg:   uint8(iss >> 16 & 0x1f),
		SF:    iss>>15&1 == 1,
		Write: iss>>6&1 == 1,
	}
}

// MakeESR builds an ESR_EL2 value with IL set.
func MakeESR(ec ExceptionClass, iss uint32) uint64 {
	return uint64(ec)<<26 | 1<<25 | uint64(iss&0x1ffffff)
}

// MakeDataAbortISS builds a data abort ISS with a valid syndrome.
func MakeDataAbortISS(size uint8, reg uint8, write bool) uint32 {
	var sas uint32

	for s := size; s > 1; s >>= 1 {
		sas++
	}

	iss := uint32(1)<<24 | sas<<22 | uint32(reg&0x1f)<<16
	if size == 8 {
		iss |= 1 << 15
	}

	if write {
		iss |= 1 << 6
	}

	return iss
}
