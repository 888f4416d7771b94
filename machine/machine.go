// Package machine is a simulated AArch64 board. Its cores implement the
// EL2 register and context-transfer primitives in-process, so the cell and
// per-core code can run unchanged on top of it.
package machine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/bobuhiro11/gocell/arch"
	"github.com/bobuhiro11/gocell/cpuset"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoSuchCPU       = errors.New("no such cpu")
	ErrReturnedToHost  = errors.New("core returned to host")
	ErrPoweredOff      = errors.New("board powered off")
	ErrNoExceptionHook = errors.New("no exception vector installed")
	ErrParked          = errors.New("core parked")
)

// Event is one architectural side effect observed on a core.
type Event struct {
	Op    Op
	Reg   arch.SysReg
	Value uint64
}

func (e Event) String() string {
	if e.Op == OpMSR {
		return fmt.Sprintf("msr %s, %#x", e.Reg, e.Value)
	}

	return string(e.Op)
}

// Vector handles an exit taken to EL2. It returns to resume the guest.
type Vector func(cpu arch.CPU, t arch.Trap)

type exitResult struct {
	regs   arch.GeneralRegisters
	host   bool
	parked bool
}

type exit struct {
	trap arch.Trap
	set  map[uint8]uint64
	done chan exitResult
}

// Core is one simulated physical core.
type Core struct {
	id    int
	board *Board

	mu      sync.Mutex
	sysregs map[arch.SysReg]uint64
	events  []Event
	vector  Vector
	parked  bool

	// guest and pending are only touched by the goroutine running the core.
	guest   *arch.GeneralRegisters
	pending *exit

	exits   chan *exit
	entered chan struct{}
	host    chan uint64
}

func newCore(b *Board, id int) *Core {
	c := &Core{
		id:      id,
		board:   b,
		sysregs: map[arch.SysReg]uint64{},
		exits:   make(chan *exit, exitQueueDepth),
		entered: make(chan struct{}, 1),
		host:    make(chan uint64, 1),
	}

	c.sysregs[arch.MPIDR_EL1] = mpidrRes1 | uint64(id)

	return c
}

func (c *Core) ID() int {
	return c.id
}

func (c *Core) record(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns a copy of the events recorded so far.
func (c *Core) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Event(nil), c.events...)
}

func (c *Core) ResetEvents() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// SetVector installs the EL2 exception handler.
func (c *Core) SetVector(v Vector) {
	c.mu.Lock()
	c.vector = v
	c.mu.Unlock()
}

func (c *Core) ReadSysReg(r arch.SysReg) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sysregs[r]
}

func (c *Core) WriteSysReg(r arch.SysReg, v uint64) {
	c.mu.Lock()
	c.sysregs[r] = v
	c.events = append(c.events, Event{Op: OpMSR, Reg: r, Value: v})
	c.mu.Unlock()
}

func (c *Core) ISB() {
	c.record(Event{Op: OpISB})
}

func (c *Core) FlushStage2TLB() {
	c.record(Event{Op: OpTLBI})
}

// VMReturn enters the guest and serves its exits until the core goes back
// to the host or the board is powered off. It never returns.
func (c *Core) VMReturn(regs *arch.GeneralRegisters) {
	c.mu.Lock()
	c.parked = false
	c.events = append(c.events, Event{Op: OpERET})
	c.mu.Unlock()

	c.guest = regs

	select {
	case c.entered <- struct{}{}:
	default:
	}

	for {
		select {
		case e := <-c.exits:
			c.deliver(e)
		case <-c.board.off:
			logrus.WithField("cpu", c.id).Debug("core stopped by power off")
			runtime.Goexit()
		}
	}
}

// Park implements arch.CPU.Park. Guest exits queued afterwards fail with
// ErrParked; injected interrupts are still delivered to the vector.
func (c *Core) Park() {
	c.mu.Lock()
	c.parked = true
	c.events = append(c.events, Event{Op: OpPark})
	c.mu.Unlock()
}

// Parked reports whether the core stopped running its guest.
func (c *Core) Parked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.parked
}

func (c *Core) deliver(e *exit) {
	// A parked guest executes nothing, so it cannot trap.
	if e.done != nil && c.Parked() {
		e.done <- exitResult{parked: true}

		return
	}

	for r, v := range e.set {
		c.guest.Usr[r] = v
	}

	c.guest.ExitReason = e.trap.ESR
	c.pending = e
	c.record(Event{Op: OpTrap, Value: e.trap.ESR})

	c.mu.Lock()
	v := c.vector
	c.mu.Unlock()

	if v != nil {
		v(c, e.trap)
	} else {
		logrus.WithField("cpu", c.id).Error(ErrNoExceptionHook)
	}

	c.pending = nil
	if e.done != nil {
		e.done <- exitResult{regs: *c.guest, parked: c.Parked()}
	}
}

// ShutdownEL2 returns the core to the host. It never returns.
func (c *Core) ShutdownEL2(regs *arch.GeneralRegisters, offset uint64) {
	c.record(Event{Op: OpHostReturn, Value: offset})

	if e := c.pending; e != nil && e.done != nil {
		e.done <- exitResult{regs: *regs, host: true}
	}

	c.pending = nil
	c.guest = nil

	select {
	case c.host <- offset:
	default:
	}

	runtime.Goexit()
}

// Entered is signalled each time the core enters a guest.
func (c *Core) Entered() <-chan struct{} {
	return c.entered
}

// HostReturned receives the offset passed to ShutdownEL2.
func (c *Core) HostReturned() <-chan uint64 {
	return c.host
}

func (c *Core) inject(t arch.Trap) {
	select {
	case c.exits <- &exit{trap: t}:
	default:
	}
}

// Exit makes the guest trap with t after loading set into its general
// registers. It waits until the hypervisor resumed the guest and returns the
// guest registers at that point.
func (c *Core) Exit(ctx context.Context, t arch.Trap, set map[uint8]uint64) (arch.GeneralRegisters, error) {
	e := &exit{trap: t, set: set, done: make(chan exitResult, 1)}

	select {
	case c.exits <- e:
	case <-c.board.off:
		return arch.GeneralRegisters{}, ErrPoweredOff
	case <-ctx.Done():
		return arch.GeneralRegisters{}, ctx.Err()
	}

	select {
	case r := <-e.done:
		if r.host {
			return r.regs, ErrReturnedToHost
		}

		if r.parked {
			return r.regs, ErrParked
		}

		return r.regs, nil
	case <-c.board.off:
		return arch.GeneralRegisters{}, ErrPoweredOff
	case <-ctx.Done():
		return arch.GeneralRegisters{}, ctx.Err()
	}
}

func dataAbort(addr uint64, size uint8, reg uint8, write bool) arch.Trap {
	return arch.Trap{
		ESR:   arch.MakeESR(arch.ECDataAbortLow, arch.MakeDataAbortISS(size, reg, write)),
		FAR:   addr,
		HPFAR: addr >> 12 << 4,
	}
}

// MMIORead performs a trapped load of size bytes from addr into x0.
func (c *Core) MMIORead(ctx context.Context, addr uint64, size uint8) (uint64, error) {
	regs, err := c.Exit(ctx, dataAbort(addr, size, 0, false), nil)
	if err != nil {
		return 0, err
	}

	return regs.Usr[0], nil
}

// MMIOWrite performs a trapped store of size bytes of v from x1 to addr.
func (c *Core) MMIOWrite(ctx context.Context, addr uint64, size uint8, v uint64) error {
	_, err := c.Exit(ctx, dataAbort(addr, size, 1, true), map[uint8]uint64{1: v})

	return err
}

// Hypercall issues HVC #0 with code in x0 and returns x0 afterwards.
func (c *Core) Hypercall(ctx context.Context, code uint64, args ...uint64) (uint64, error) {
	set := map[uint8]uint64{0: code}
	for i, a := range args {
		set[uint8(i+1)] = a
	}

	regs, err := c.Exit(ctx, arch.Trap{ESR: arch.MakeESR(arch.ECHVC64, 0)}, set)

	return regs.Usr[0], err
}

// GIC is the board's interrupt controller.
type GIC struct {
	board *Board

	mu      sync.Mutex
	enabled cpuset.Set
}

func (g *GIC) CPUInit(cpu int) error {
	c, err := g.board.Core(cpu)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.enabled = g.enabled.Add(uint64(cpu))
	g.mu.Unlock()

	c.record(Event{Op: OpGICInit})

	return nil
}

func (g *GIC) CPUShutdown(cpu int) {
	c, err := g.board.Core(cpu)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.enabled = g.enabled.Remove(uint64(cpu))
	g.mu.Unlock()

	c.record(Event{Op: OpGICShutdown})
}

// SendEvent raises an SGI on cpu. It is dropped if the cpu interface is
// not initialized.
func (g *GIC) SendEvent(cpu int) {
	c, err := g.board.Core(cpu)
	if err != nil {
		return
	}

	g.mu.Lock()
	on := g.enabled.Contains(uint64(cpu))
	g.mu.Unlock()

	if on {
		c.inject(arch.Trap{IRQ: true})
	}
}

// Enabled returns the cpus whose interface is initialized.
func (g *GIC) Enabled() cpuset.Set {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.enabled
}

// Board is a set of cores sharing one GIC.
type Board struct {
	cores []*Core
	gic   *GIC

	offOnce sync.Once
	off     chan struct{}
}

func New(nCpus int) (*Board, error) {
	if nCpus < 1 || nCpus > cpuset.MaxCPUs {
		return nil, fmt.Errorf("%d cpus: %w", nCpus, ErrNoSuchCPU)
	}

	b := &Board{off: make(chan struct{})}
	b.gic = &GIC{board: b}

	for i := 0; i < nCpus; i++ {
		b.cores = append(b.cores, newCore(b, i))
	}

	return b, nil
}

func (b *Board) NumCPUs() int {
	return len(b.cores)
}

func (b *Board) Core(i int) (*Core, error) {
	if i < 0 || i >= len(b.cores) {
		return nil, fmt.Errorf("cpu %d: %w", i, ErrNoSuchCPU)
	}

	return b.cores[i], nil
}

func (b *Board) GIC() *GIC {
	return b.gic
}

// PowerOff stops every core still running a guest.
func (b *Board) PowerOff() {
	b.offOnce.Do(func() { close(b.off) })
}
