package percpu

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/bobuhiro11/gocell/arch"
	"github.com/bobuhiro11/gocell/mmio"
	"github.com/sirupsen/logrus"
)

// Hypercall codes, passed in x0.
const (
	HypercallDisable       = 0
	HypercallHypervisorGet = 5
	HypercallCellGetState  = 6
	HypercallCPUGetInfo    = 7
)

// Selectors for HypercallHypervisorGet in x1.
const (
	InfoEnteredCPUs   = 0
	InfoActivatedCPUs = 1
)

// Selectors for HypercallCPUGetInfo in x2.
const (
	CPUInfoState  = 0
	CPUInfoFailed = 1
)

const (
	errnoEINVAL = 22
	errnoENOSYS = 38
)

func errno(e uint64) uint64 {
	return -e
}

// suspendPoint holds the core while a suspend request is pending.
func (p *PerCpu) suspendPoint() {
	prev := p.state.Swap(uint32(Suspended))
	p.cpuSuspended.Store(true)

	logrus.WithField("cpu", p.id).Debug("cpu suspended")

	for {
		// The sequence is read before the flag, so an acknowledgement never
		// covers a request posted after the core resumed.
		seq := p.suspendSeq.Load()
		if !p.suspendCPU.Load() {
			break
		}

		p.suspendAck.Store(seq)
		runtime.Gosched()
	}

	p.cpuSuspended.Store(false)
	p.state.Store(prev)
}

// HandleTrap handles one guest exit. The core's suspend request and
// pending TLB flush are served first. ErrDisableRequested asks the caller
// to deactivate the core; other errors leave the core failed.
func (p *PerCpu) HandleTrap(cpu arch.CPU, t arch.Trap) error {
	if p.suspendCPU.Load() {
		p.suspendPoint()
	}

	if p.flushVCPUCaches.Swap(false) {
		cpu.FlushStage2TLB()
	}

	if p.shutdownRequested.Swap(false) {
		return ErrDisableRequested
	}

	if t.IRQ {
		return nil
	}

	logrus.WithFields(logrus.Fields{"cpu": p.id, "class": t.Class()}).Trace("trap")

	switch t.Class() {
	case arch.ECDataAbortLow:
		if p.failed.Load() {
			return fmt.Errorf("cpu %d: %w", p.id, ErrCPUFailed)
		}

		return p.handleDataAbort(t)
	case arch.ECHVC64:
		return p.handleHypercall()
	case arch.ECSMC64:
		// Trapped by HCR_EL2.TSC and ignored.
		return nil
	default:
		err := fmt.Errorf("cpu %d: %w: %s (esr %#x)", p.id, ErrUnhandledTrap, t.Class(), t.ESR)
		p.fail(err)

		return err
	}
}

func sizeMask(size uint8) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}

	return 1<<(8*uint64(size)) - 1
}

func (p *PerCpu) handleDataAbort(t arch.Trap) error {
	da := t.DataAbort()
	if !da.Valid {
		d, err := arch.DecodeAccess(t.Insn)
		if err != nil {
			err = fmt.Errorf("cpu %d: %w: %v", p.id, ErrMMIOFault, err)
			p.fail(err)

			return err
		}

		da = d
	}

	c := p.cell.Load()
	if c == nil {
		return fmt.Errorf("cpu %d: %w", p.id, ErrNoCell)
	}

	a := &mmio.Access{Address: t.IPA(), Size: da.Size, Write: da.Write}
	if a.Write && da.Reg != arch.ZeroRegister {
		a.Value = p.guestRegs.Usr[da.Reg] & sizeMask(da.Size)
	}

	if res := c.MMIO().Dispatch(a); res != mmio.Handled {
		dir := "read"
		if a.Write {
			dir = "write"
		}

		err := fmt.Errorf("cpu %d: %w: %s %d bytes at %#x: %s", p.id, ErrMMIOFault,
			dir, a.Size, a.Address, res)
		p.fail(err)

		return err
	}

	if !a.Write && da.Reg != arch.ZeroRegister {
		v := a.Value & sizeMask(da.Size)

		if da.Sign && da.Size < 8 {
			shift := 64 - 8*uint64(da.Size)
			v = uint64(int64(v<<shift) >> shift)

			if !da.SF {
				v &= sizeMask(4)
			}
		}

		p.guestRegs.Usr[da.Reg] = v
	}

	if da.Writeback {
		p.guestRegs.Usr[da.Base] += uint64(da.Offset)
	}

	return nil
}

func (p *PerCpu) handleHypercall() error {
	regs := &p.guestRegs
	code := regs.Usr[0]

	if p.failed.Load() && code != HypercallDisable {
		return fmt.Errorf("cpu %d: %w", p.id, ErrCPUFailed)
	}

	switch code {
	case HypercallDisable:
		return ErrDisableRequested
	case HypercallHypervisorGet:
		switch regs.Usr[1] {
		case InfoEnteredCPUs:
			regs.Usr[0] = uint64(p.area.EnteredCPUs())
		case InfoActivatedCPUs:
			regs.Usr[0] = uint64(p.area.ActivatedCPUs())
		default:
			regs.Usr[0] = errno(errnoEINVAL)
		}
	case HypercallCellGetState:
		regs.Usr[0] = uint64(p.cell.Load().State())
	case HypercallCPUGetInfo:
		other := p.area.GetCPUData(regs.Usr[1])
		if other == nil {
			regs.Usr[0] = errno(errnoEINVAL)

			break
		}

		switch regs.Usr[2] {
		case CPUInfoState:
			regs.Usr[0] = uint64(other.State())
		case CPUInfoFailed:
			if other.Failed() {
				regs.Usr[0] = 1
			} else {
				regs.Usr[0] = 0
			}
		default:
			regs.Usr[0] = errno(errnoEINVAL)
		}
	default:
		regs.Usr[0] = errno(errnoENOSYS)
	}

	return nil
}

// HandleExit is the EL2 exception vector of a core. It resumes the guest
// by returning, or deactivates the core when asked to. A failed core is
// parked: its guest never runs again and only a shutdown request, delivered
// by an event, gets it out.
func (p *PerCpu) HandleExit(cpu arch.CPU, t arch.Trap) {
	err := p.HandleTrap(cpu, t)

	switch {
	case err == nil:
		if p.failed.Load() {
			cpu.Park()
		}
	case errors.Is(err, ErrDisableRequested):
		var code int32
		if p.failed.Load() {
			code = -errnoEINVAL
		}

		if err := p.DeactivateVMM(cpu, code); err != nil {
			logrus.WithField("cpu", p.id).WithError(err).Error("disable failed")
		}
	default:
		logrus.WithField("cpu", p.id).WithError(err).Error("guest exit")
		cpu.Park()
	}
}
