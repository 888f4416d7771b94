// Package percpu holds the per-core contexts and drives a core into and out
// of guest execution.
//
// Every core owns one slot of a fixed array. Fields are written by the
// owning core only; other cores read them for diagnostics and to request
// suspension. The entered and activated counters are shared by all cores.
package percpu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/gocell/arch"
	"github.com/bobuhiro11/gocell/cell"
	"github.com/bobuhiro11/gocell/cpuset"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	MaxCPUs = cpuset.MaxCPUs

	// Values of shutdown_state besides negative error codes.
	ShutdownNone    = 0
	ShutdownStarted = 1

	guestRegsSize = 32 * 8
)

var (
	ErrInvalidCPU       = errors.New("cpu id out of range")
	ErrAlreadyEntered   = errors.New("cpu already entered")
	ErrNotEntered       = errors.New("cpu not entered")
	ErrCPUFailed        = errors.New("cpu failed")
	ErrNoCell           = errors.New("cpu has no cell")
	ErrAlreadyActive    = errors.New("cpu already activated")
	ErrNotActivated     = errors.New("cpu not activated")
	ErrUnhandledTrap    = errors.New("unhandled trap")
	ErrMMIOFault        = errors.New("mmio access fault")
	ErrDisableRequested = errors.New("hypervisor disable requested")
)

// Platform is what the per-core code needs from the board.
type Platform struct {
	// PerCPUBase and PerCPUSize place slot i at PerCPUBase + i*PerCPUSize.
	PerCPUBase uint64
	PerCPUSize uint64
	// HostVectors is restored to VBAR_EL2 on deactivation.
	HostVectors uint64
	// PhysVirtOffset is handed to the final return to the host.
	PhysVirtOffset uint64
	IRQ            arch.IRQChip
}

// PerCpu is the context of one physical core.
type PerCpu struct {
	area *Area

	id        uint64
	selfVaddr uint64

	claimed        atomicbitops.Bool
	waitForPoweron atomicbitops.Bool
	cell           atomic.Pointer[cell.Cell]

	// shutdownState is ShutdownNone, ShutdownStarted or a negative error
	// code.
	shutdownState atomicbitops.Int32
	// failed is set on a cell boundary violation or another guest fault.
	failed atomicbitops.Bool

	suspendCPU      atomicbitops.Bool
	cpuSuspended    atomicbitops.Bool
	flushVCPUCaches atomicbitops.Bool
	// suspendSeq numbers suspend requests. suspendAck is the latest
	// request the core was seen suspended for.
	suspendSeq atomicbitops.Uint64
	suspendAck atomicbitops.Uint64

	// shutdownRequested makes the next exit deactivate the core.
	shutdownRequested atomicbitops.Bool

	// counted is set while this core holds a reference on the activated
	// counter.
	counted atomicbitops.Bool
	state   atomicbitops.Uint32

	guestRegs arch.GeneralRegisters
}

// Area is the fixed array of per-core contexts plus the counters shared by
// all cores.
type Area struct {
	platform atomic.Pointer[Platform]

	entered   atomicbitops.Uint32
	activated atomicbitops.Uint32

	cpus [MaxCPUs]PerCpu
}

func NewArea(p Platform) *Area {
	a := &Area{}
	a.Configure(p)

	for i := range a.cpus {
		a.cpus[i].area = a
		a.cpus[i].id = uint64(i)
	}

	return a
}

// Configure sets the platform hooks. It is meant to run once at boot
// before any core enters.
func (a *Area) Configure(p Platform) {
	a.platform.Store(&p)
}

func (a *Area) Platform() Platform {
	return *a.platform.Load()
}

// New claims the slot of core id, resets it and counts the core as entered.
// A slot can be claimed once.
func (a *Area) New(id uint64) (*PerCpu, error) {
	if id >= MaxCPUs {
		return nil, fmt.Errorf("cpu %d: %w", id, ErrInvalidCPU)
	}

	p := &a.cpus[id]
	if p.claimed.Swap(true) {
		return nil, fmt.Errorf("cpu %d: %w", id, ErrAlreadyEntered)
	}

	plat := a.Platform()

	p.id = id
	p.selfVaddr = plat.PerCPUBase + id*plat.PerCPUSize
	p.waitForPoweron.Store(false)
	p.cell.Store(nil)
	p.shutdownState.Store(ShutdownNone)
	p.failed.Store(false)
	p.suspendCPU.Store(false)
	p.cpuSuspended.Store(false)
	p.flushVCPUCaches.Store(false)
	p.shutdownRequested.Store(false)
	p.counted.Store(false)
	p.guestRegs = arch.GeneralRegisters{}
	p.state.Store(uint32(Entered))

	// Counting last publishes the initialized slot.
	a.entered.Add(1)

	return p, nil
}

// GetCPUData returns the slot of core id, or nil if id is out of range.
func (a *Area) GetCPUData(id uint64) *PerCpu {
	if id >= MaxCPUs {
		return nil
	}

	return &a.cpus[id]
}

// ThisCPUData returns the slot of the core cpu, identified by MPIDR_EL1.
func (a *Area) ThisCPUData(cpu arch.CPU) *PerCpu {
	return a.GetCPUData(cpu.ReadSysReg(arch.MPIDR_EL1) & arch.MPIDRMask)
}

func (a *Area) EnteredCPUs() uint32 {
	return a.entered.Load()
}

func (a *Area) ActivatedCPUs() uint32 {
	return a.activated.Load()
}

// releaseActivated decrements the activated counter unless it is zero.
func (a *Area) releaseActivated() bool {
	for {
		n := a.activated.Load()
		if n == 0 {
			return false
		}

		if a.activated.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Cores returns the entered cores, in id order, as seen by a cell.
func (a *Area) Cores() []cell.Core {
	var cs []cell.Core

	for i := range a.cpus {
		if p := &a.cpus[i]; p.claimed.Load() {
			cs = append(cs, p)
		}
	}

	return cs
}

var defaultArea = NewArea(Platform{})

// Default returns the process-wide area.
func Default() *Area {
	return defaultArea
}

func New(id uint64) (*PerCpu, error) {
	return defaultArea.New(id)
}

func GetCPUData(id uint64) *PerCpu {
	return defaultArea.GetCPUData(id)
}

func ThisCPUData(cpu arch.CPU) *PerCpu {
	return defaultArea.ThisCPUData(cpu)
}

func EnteredCPUs() uint32 {
	return defaultArea.EnteredCPUs()
}

func ActivatedCPUs() uint32 {
	return defaultArea.ActivatedCPUs()
}

func (p *PerCpu) ID() uint64 {
	return p.id
}

func (p *PerCpu) SelfVaddr() uint64 {
	return p.selfVaddr
}

// StackTop is the initial EL2 stack pointer of the core.
func (p *PerCpu) StackTop() uint64 {
	return p.selfVaddr + p.area.Platform().PerCPUSize - 8
}

// GuestRegsVaddr is where the exception vectors save the guest registers,
// right below the stack top.
func (p *PerCpu) GuestRegsVaddr() uint64 {
	return p.StackTop() - guestRegsSize
}

func (p *PerCpu) GuestRegs() *arch.GeneralRegisters {
	return &p.guestRegs
}

func (p *PerCpu) State() CoreState {
	return CoreState(p.state.Load())
}

func (p *PerCpu) Cell() *cell.Cell {
	return p.cell.Load()
}

// SetCell assigns the core to c.
func (p *PerCpu) SetCell(c *cell.Cell) {
	p.cell.Store(c)
}

func (p *PerCpu) WaitForPoweron() bool {
	return p.waitForPoweron.Load()
}

func (p *PerCpu) SetWaitForPoweron(v bool) {
	p.waitForPoweron.Store(v)
}

func (p *PerCpu) ShutdownState() int32 {
	return p.shutdownState.Load()
}

func (p *PerCpu) Failed() bool {
	return p.failed.Load()
}

func (p *PerCpu) fail(reason error) {
	p.failed.Store(true)
	p.state.Store(uint32(Failed))

	logrus.WithField("cpu", p.id).WithError(reason).Warn("cpu failed")
}

// RequestSuspend asks the core to stop at its next exit and returns the
// request's sequence number.
func (p *PerCpu) RequestSuspend() uint64 {
	seq := p.suspendSeq.Add(1)
	p.suspendCPU.Store(true)

	return seq
}

func (p *PerCpu) Suspended() bool {
	return p.cpuSuspended.Load()
}

// SuspendAcked reports whether the core is parked for request seq or a
// later one.
func (p *PerCpu) SuspendAcked(seq uint64) bool {
	return p.suspendAck.Load() >= seq
}

func (p *PerCpu) ClearSuspend() {
	p.suspendCPU.Store(false)
}

// SuspendPending reports whether a suspend request is outstanding.
func (p *PerCpu) SuspendPending() bool {
	return p.suspendCPU.Load()
}

// RequestShutdown makes the core deactivate itself at its next exit. Unlike
// the disable hypercall it also reaches a failed core, which no longer runs
// guest code. Callers kick the core with an event afterwards.
func (p *PerCpu) RequestShutdown() {
	p.shutdownRequested.Store(true)
}

// RequestTLBFlush makes the core flush its stage-2 TLB at its next exit.
func (p *PerCpu) RequestTLBFlush() {
	p.flushVCPUCaches.Store(true)
}

func (p *PerCpu) FlushPending() bool {
	return p.flushVCPUCaches.Load()
}

func (p *PerCpu) String() string {
	return fmt.Sprintf("cpu %d (%s) vaddr=%#x shutdown=%d", p.id, p.State(), p.selfVaddr, p.ShutdownState())
}
