package arch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

var (
	// ErrUndecodable is returned for instructions that are not a plain
	// load or store of a general register.
	ErrUndecodable = errors.New("undecodable mmio instruction")
	// ErrUnsupportedWriteback is returned for pre- or post-indexed
	// accesses whose base register cannot be updated.
	ErrUnsupportedWriteback = errors.New("unsupported base register writeback")
)

// ZeroRegister is the register number of WZR/XZR.
const ZeroRegister = 31

// DecodeAccess decodes a trapped load/store instruction. It is used when a
// data abort does not carry a valid instruction syndrome.
func DecodeAccess(insn uint32) (DataAbort, error) {
	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], insn)

	in, err := arm64asm.Decode(buf[:])
	if err != nil {
		return DataAbort{}, fmt.Errorf("%#08x: %w: %v", insn, ErrUndecodable, err)
	}

	da := DataAbort{Valid: true}

	switch in.Op {
	case arm64asm.LDR, arm64asm.LDUR:
	case arm64asm.STR, arm64asm.STUR:
		da.Write = true
	case arm64asm.LDRB, arm64asm.LDURB:
		da.Size = 1
	case arm64asm.STRB, arm64asm.STURB:
		da.Size, da.Write = 1, true
	case arm64asm.LDRH, arm64asm.LDURH:
		da.Size = 2
	case arm64asm.STRH, arm64asm.STURH:
		da.Size, da.Write = 2, true
	case arm64asm.LDRSB, arm64asm.LDURSB:
		da.Size, da.Sign = 1, true
	case arm64asm.LDRSH, arm64asm.LDURSH:
		da.Size, da.Sign = 2, true
	case arm64asm.LDRSW, arm64asm.LDURSW:
		da.Size, da.Sign = 4, true
	default:
		return DataAbort{}, fmt.Errorf("%s: %w", in, ErrUndecodable)
	}

	reg, ok := in.Args[0].(arm64asm.Reg)
	if !ok {
		return DataAbort{}, fmt.Errorf("%s: %w", in, ErrUndecodable)
	}

	switch {
	case reg >= arm64asm.W0 && reg <= arm64asm.WZR:
		da.Reg = uint8(reg - arm64asm.W0)
		if da.Size == 0 {
			da.Size = 4
		}
	case reg >= arm64asm.X0 && reg <= arm64asm.XZR:
		da.Reg = uint8(reg - arm64asm.X0)
		da.SF = true

		if da.Size == 0 {
			da.Size = 8
		}
	default:
		return DataAbort{}, fmt.Errorf("%s: %w", in, ErrUndecodable)
	}

	if err := decodeWriteback(insn, in, &da); err != nil {
		return DataAbort{}, err
	}

	return da, nil
}

// decodeWriteback fills in the base register update of a pre- or
// post-indexed access. Both forms end with base += imm9.
func decodeWriteback(insn uint32, in arm64asm.Inst, da *DataAbort) error {
	mem, ok := in.Args[1].(arm64asm.MemImmediate)
	if !ok || (mem.Mode != arm64asm.AddrPreIndex && mem.Mode != arm64asm.AddrPostIndex) {
		return nil
	}

	// The stack pointer is not part of the saved guest registers.
	if arm64asm.Reg(mem.Base) == arm64asm.SP {
		return fmt.Errorf("%s: %w: sp base", in, ErrUnsupportedWriteback)
	}

	base := uint8(arm64asm.Reg(mem.Base) - arm64asm.X0)
	if base == da.Reg {
		return fmt.Errorf("%s: %w: base is the transfer register", in, ErrUnsupportedWriteback)
	}

	// imm9 lives in bits [20:12] for every indexed form decoded above.
	imm := int64(insn>>12&0x1ff) << 55 >> 55

	da.Writeback, da.Base, da.Offset = true, base, imm

	return nil
}
