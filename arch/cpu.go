package arch

// GeneralRegisters is the guest register block saved on every exit.
type GeneralRegisters struct {
	ExitReason uint64
	Usr        [31]uint64
}

// CPU is one physical core as seen from EL2.
type CPU interface {
	ReadSysReg(r SysReg) uint64
	WriteSysReg(r SysReg, v uint64)

	// ISB is an instruction synchronization barrier.
	ISB()

	// FlushStage2TLB invalidates all stage-2 entries of the current VMID
	// (TLBI VMALLS12E1IS; DSB; ISB).
	FlushStage2TLB()

	// VMReturn restores regs and erets into the guest. It does not return.
	VMReturn(regs *GeneralRegisters)

	// Park stops guest execution after the current exit. The guest is not
	// resumed again; the core only takes interrupts until it is shut down.
	Park()

	// ShutdownEL2 drops back to the host context at offset and does not
	// return.
	ShutdownEL2(regs *GeneralRegisters, offset uint64)
}

// IRQChip is the per-core part of the interrupt controller.
type IRQChip interface {
	CPUInit(cpu int) error
	CPUShutdown(cpu int)

	// SendEvent kicks cpu out of the guest so it traps into EL2.
	SendEvent(cpu int)
}
