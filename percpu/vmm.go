package percpu

import (
	"fmt"

	"github.com/bobuhiro11/gocell/arch"
	"github.com/sirupsen/logrus"
)

// ActivateVMM hands the core to the guest of its cell. On success it does
// not return: control comes back only through HandleExit. An error means
// the hand-off did not happen.
func (p *PerCpu) ActivateVMM(cpu arch.CPU) error {
	if p.failed.Load() {
		return fmt.Errorf("cpu %d: %w", p.id, ErrCPUFailed)
	}

	c := p.cell.Load()
	if c == nil {
		return fmt.Errorf("cpu %d: %w", p.id, ErrNoCell)
	}

	switch s := p.State(); s {
	case Entered, Deactivated:
	case NotEntered:
		return fmt.Errorf("cpu %d: %w", p.id, ErrNotEntered)
	default:
		return fmt.Errorf("cpu %d is %s: %w", p.id, s, ErrAlreadyActive)
	}

	p.counted.Store(true)
	p.area.activated.Add(1)

	logrus.WithFields(logrus.Fields{"cpu": p.id, "cell": c.Name()}).Info("activating cpu")

	cpu.WriteSysReg(arch.VTCR_EL2, arch.VTCRFlags)
	cpu.WriteSysReg(arch.HCR_EL2, cpu.ReadSysReg(arch.HCR_EL2)|arch.HCRGuestFlags)
	cpu.WriteSysReg(arch.VTTBR_EL2, arch.VTTBR(c.RootTable(), c.VMID()))
	cpu.ISB()

	if irq := p.area.Platform().IRQ; irq != nil {
		if err := irq.CPUInit(int(p.id)); err != nil {
			p.counted.Store(false)
			p.area.releaseActivated()
			p.fail(err)

			return fmt.Errorf("cpu %d: irq chip init: %w", p.id, err)
		}
	}

	p.state.Store(uint32(Activated))

	cpu.VMReturn(&p.guestRegs)
	panic("unreachable")
}

// DeactivateVMM returns the core to the host. code is the reason: zero for
// a regular shutdown, negative for an error. On success it does not return.
func (p *PerCpu) DeactivateVMM(cpu arch.CPU, code int32) error {
	if !p.counted.Swap(false) || !p.area.releaseActivated() {
		return fmt.Errorf("cpu %d: %w", p.id, ErrNotActivated)
	}

	switch {
	case code == 0:
		p.shutdownState.Store(ShutdownStarted)
	case code > 0:
		p.shutdownState.Store(-code)
	default:
		p.shutdownState.Store(code)
	}

	logrus.WithFields(logrus.Fields{"cpu": p.id, "code": code}).Info("disabling cpu")

	p.archShutdownSelf(cpu)
	panic("unreachable")
}

// archShutdownSelf tears EL2 down. The controlling registers are cleared
// and synchronized before the TLB invalidation, which needs the VMID still
// in VTTBR_EL2. The host vectors are back in place before the final switch.
func (p *PerCpu) archShutdownSelf(cpu arch.CPU) {
	plat := p.area.Platform()

	if plat.IRQ != nil {
		plat.IRQ.CPUShutdown(int(p.id))
	}

	cpu.WriteSysReg(arch.HCR_EL2, arch.HCRReset)
	cpu.WriteSysReg(arch.VTCR_EL2, arch.VTCRReset)
	cpu.ISB()
	cpu.FlushStage2TLB()
	cpu.WriteSysReg(arch.VTTBR_EL2, 0)

	p.suspendCPU.Store(false)
	p.cpuSuspended.Store(false)
	p.flushVCPUCaches.Store(false)
	p.shutdownRequested.Store(false)

	if !p.failed.Load() {
		p.state.Store(uint32(Deactivated))
	}

	cpu.WriteSysReg(arch.VBAR_EL2, plat.HostVectors)
	cpu.ShutdownEL2(&p.guestRegs, plat.PhysVirtOffset)
}
