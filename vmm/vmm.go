// Package vmm runs the hypervisor on a board: it builds the cells from a
// system configuration, brings the cores into their cells and takes them
// out again.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bobuhiro11/gocell/cell"
	"github.com/bobuhiro11/gocell/config"
	"github.com/bobuhiro11/gocell/cpuset"
	"github.com/bobuhiro11/gocell/iodev"
	"github.com/bobuhiro11/gocell/machine"
	"github.com/bobuhiro11/gocell/percpu"
	"github.com/bobuhiro11/gocell/stage2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTooFewCPUs   = errors.New("board has fewer cpus than configured")
	ErrNoSuchCell   = errors.New("no such cell")
	ErrNotBooted    = errors.New("hypervisor not booted")
	ErrShutdownHang = errors.New("cpu did not return to host")
)

type Config struct {
	ConfigPath string
	// NCPUs is the number of board cores. Zero sizes the board after the
	// highest configured cpu id.
	NCPUs int
	// SuspendTimeout bounds how long a cell suspension waits for its cores.
	SuspendTimeout time.Duration
	// MmapPool backs stage-2 tables with anonymous host memory instead of
	// the configured page pool window.
	MmapPool bool
	// Console receives what non-root cells write to their UART.
	Console io.Writer
}

type VMM struct {
	Config

	sys      *config.System
	board    *machine.Board
	area     *percpu.Area
	pool     stage2.Allocator
	closer   func() error
	root     cell.RootCell
	cells    []*cell.Cell
	doorbell *iodev.ShutdownDevice
	uarts    map[string]*iodev.UART

	mu     sync.Mutex
	active cpuset.Set
}

func New(c Config) *VMM {
	return &VMM{
		Config: c,
	}
}

func boardSize(sys *config.System) int {
	n := 0

	for _, c := range sys.AllCells() {
		for _, id := range c.CPUs {
			if int(id)+1 > n {
				n = int(id) + 1
			}
		}
	}

	return n
}

// Init loads the configuration and builds the board, the root cell and the
// non-root cells. No core runs a guest yet.
func (v *VMM) Init() error {
	sys, err := config.Load(v.ConfigPath)
	if err != nil {
		return err
	}

	return v.InitSystem(sys)
}

// InitSystem is Init for a configuration that is already loaded.
func (v *VMM) InitSystem(sys *config.System) error {
	need := boardSize(sys)

	n := v.NCPUs
	if n == 0 {
		n = need
	}

	if n < need {
		return fmt.Errorf("%d cpus, cpu %d configured: %w", n, need-1, ErrTooFewCPUs)
	}

	board, err := machine.New(n)
	if err != nil {
		return err
	}

	p := sys.Platform

	if v.MmapPool {
		mp, err := stage2.NewMmapPool(p.PagePoolFrames)
		if err != nil {
			return err
		}

		v.pool, v.closer = mp, mp.Close
	} else {
		v.pool = stage2.NewPool(p.PagePoolBase, p.PagePoolFrames)
	}

	v.sys = sys
	v.board = board
	v.area = percpu.NewArea(percpu.Platform{
		PerCPUBase:     uint64(p.PerCPUBase),
		PerCPUSize:     uint64(p.PerCPUSize),
		HostVectors:    uint64(p.HostVectors),
		PhysVirtOffset: uint64(p.PhysVirtOffset),
		IRQ:            board.GIC(),
	})

	if err := v.root.Init(sys, v.pool); err != nil {
		return err
	}

	v.doorbell = iodev.NewShutdownDevice()

	if _, err := iodev.Register(v.root.Get().MMIO(), v.doorbell); err != nil {
		return fmt.Errorf("shutdown doorbell: %w", err)
	}

	v.uarts = map[string]*iodev.UART{}

	for i := range sys.Cells {
		c, err := cell.Create(&sys.Cells[i], p, v.pool)
		if err != nil {
			return err
		}

		// Only the root cell may shut the system down; elsewhere the
		// doorbell reads as zero and ignores writes.
		noop := &iodev.NoopDevice{Addr: iodev.ShutdownDevAddr, Psize: v.doorbell.Size()}
		if _, err := iodev.Register(c.MMIO(), noop); err != nil {
			return fmt.Errorf("cell %q: %w", c.Name(), err)
		}

		uart := iodev.NewUART(iodev.UARTAddr, v.Console)
		if _, err := iodev.Register(c.MMIO(), uart); err != nil {
			return fmt.Errorf("cell %q: %w", c.Name(), err)
		}

		v.uarts[c.Name()] = uart
		v.cells = append(v.cells, c)
	}

	logrus.WithFields(logrus.Fields{"cpus": n, "cells": len(v.cells) + 1}).Info("hypervisor initialized")

	return nil
}

// System is the configuration the hypervisor was initialized with.
func (v *VMM) System() *config.System {
	return v.sys
}

func (v *VMM) Board() *machine.Board {
	return v.board
}

func (v *VMM) Area() *percpu.Area {
	return v.area
}

func (v *VMM) Root() *cell.Cell {
	return v.root.Get()
}

// Cells returns the root cell followed by the non-root cells.
func (v *VMM) Cells() []*cell.Cell {
	return append([]*cell.Cell{v.root.Get()}, v.cells...)
}

func (v *VMM) Cell(name string) (*cell.Cell, error) {
	for _, c := range v.Cells() {
		if c.Name() == name {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%q: %w", name, ErrNoSuchCell)
}

// Doorbell delivers the requests written to the root cell's shutdown
// doorbell.
func (v *VMM) Doorbell() <-chan iodev.Event {
	return v.doorbell.Events
}

// UART returns the console of a non-root cell.
func (v *VMM) UART(name string) (*iodev.UART, error) {
	u, ok := v.uarts[name]
	if !ok {
		return nil, fmt.Errorf("%q has no uart: %w", name, ErrNoSuchCell)
	}

	return u, nil
}

func (v *VMM) cellFor(id uint64) *cell.Cell {
	for _, c := range v.Cells() {
		if c.CPUs().Contains(id) {
			return c
		}
	}

	return nil
}

// Boot brings every configured core into its cell. Cores are brought up
// concurrently; the first failure cancels the others that did not enter
// yet. Cores that did enter keep running and are taken down by Shutdown.
func (v *VMM) Boot(ctx context.Context) error {
	if v.board == nil {
		return ErrNotBooted
	}

	g, ctx := errgroup.WithContext(ctx)

	for id := 0; id < v.board.NumCPUs(); id++ {
		c := v.cellFor(uint64(id))
		if c == nil {
			logrus.WithField("cpu", id).Debug("cpu not assigned to a cell")

			continue
		}

		id := uint64(id)

		g.Go(func() error {
			return v.bringUp(ctx, id, c)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, c := range v.cells {
		if err := c.SetLoadable(false); err != nil {
			return err
		}
	}

	logrus.WithField("activated", v.area.ActivatedCPUs()).Info("all cpus activated")

	return nil
}

func (v *VMM) bringUp(ctx context.Context, id uint64, c *cell.Cell) error {
	p, err := v.area.New(id)
	if err != nil {
		return err
	}

	p.SetCell(c)

	core, err := v.board.Core(int(id))
	if err != nil {
		return err
	}

	core.SetVector(p.HandleExit)

	// ActivateVMM only returns on failure.
	errc := make(chan error, 1)

	go func() {
		errc <- p.ActivateVMM(core)
	}()

	select {
	case <-core.Entered():
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	v.mu.Lock()
	v.active = v.active.Add(id)
	v.mu.Unlock()

	return nil
}

func (v *VMM) suspendOptions() cell.SuspendOptions {
	return cell.SuspendOptions{IRQ: v.board.GIC(), MaxWait: v.SuspendTimeout}
}

// Suspend parks every core of the named cell.
func (v *VMM) Suspend(ctx context.Context, name string) error {
	c, err := v.Cell(name)
	if err != nil {
		return err
	}

	return c.Suspend(ctx, v.area.Cores(), v.suspendOptions())
}

func (v *VMM) Resume(name string) error {
	c, err := v.Cell(name)
	if err != nil {
		return err
	}

	c.Resume(v.area.Cores())

	return nil
}

// Shutdown asks every running core to disable the hypervisor and waits
// until it is back in the host. The board is powered off afterwards.
func (v *VMM) Shutdown(ctx context.Context) error {
	if v.board == nil {
		return ErrNotBooted
	}

	for _, c := range v.Cells() {
		c.Resume(v.area.Cores())
	}

	v.mu.Lock()
	ids := v.active.IDs()
	v.active = cpuset.Set{}
	v.mu.Unlock()

	var g errgroup.Group

	for _, id := range ids {
		core, err := v.board.Core(int(id))
		if err != nil {
			return err
		}

		p := v.area.GetCPUData(id)

		g.Go(func() error {
			return v.disable(ctx, p, core)
		})
	}

	err := g.Wait()

	v.board.PowerOff()

	if v.closer != nil {
		if cerr := v.closer(); cerr != nil && err == nil {
			err = cerr
		}

		v.closer = nil
	}

	logrus.WithField("activated", v.area.ActivatedCPUs()).Info("hypervisor shut down")

	return err
}

// disable asks a core to leave the hypervisor and kicks it until it is back
// in the host. A parked core is reached the same way, since it still takes
// interrupts.
func (v *VMM) disable(ctx context.Context, p *percpu.PerCpu, core *machine.Core) error {
	p.RequestShutdown()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		v.board.GIC().SendEvent(core.ID())

		select {
		case <-core.HostReturned():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("cpu %d: %w: %v", core.ID(), ErrShutdownHang, ctx.Err())
		case <-tick.C:
		}
	}
}

// Close releases the board and the page pool of a hypervisor that was
// never booted.
func (v *VMM) Close() error {
	if v.board != nil {
		v.board.PowerOff()
	}

	if v.closer == nil {
		return nil
	}

	err := v.closer()
	v.closer = nil

	return err
}

// Run waits for a doorbell request or for ctx to end, then shuts down.
// It returns the request that stopped it, or zero if ctx did.
func (v *VMM) Run(ctx context.Context, shutdownTimeout time.Duration) (iodev.Event, error) {
	var ev iodev.Event

	select {
	case ev = <-v.Doorbell():
		logrus.WithField("event", ev).Info("stopping on doorbell")
	case <-ctx.Done():
		logrus.Info("stopping on cancel")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return ev, v.Shutdown(sctx)
}

// CoreStatus is a snapshot of one configured core.
type CoreStatus struct {
	ID            uint64
	Cell          string
	State         percpu.CoreState
	ShutdownState int32
}

func (s CoreStatus) String() string {
	return fmt.Sprintf("cpu %d\t%s\t%s\t%d", s.ID, s.Cell, s.State, s.ShutdownState)
}

// Status reports the state of every core assigned to a cell.
func (v *VMM) Status() []CoreStatus {
	var ss []CoreStatus

	for id := 0; id < v.board.NumCPUs(); id++ {
		c := v.cellFor(uint64(id))
		if c == nil {
			continue
		}

		p := v.area.GetCPUData(uint64(id))
		ss = append(ss, CoreStatus{
			ID:            uint64(id),
			Cell:          c.Name(),
			State:         p.State(),
			ShutdownState: p.ShutdownState(),
		})
	}

	return ss
}
