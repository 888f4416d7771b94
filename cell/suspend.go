package cell

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobuhiro11/gocell/arch"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

var ErrSuspendTimeout = errors.New("cpus did not acknowledge suspend")

const (
	DefaultSuspendInterval = time.Millisecond
	DefaultSuspendMaxWait  = time.Second
)

// Core is the part of a per-core context a cell suspends.
type Core interface {
	ID() uint64
	Failed() bool
	// RequestSuspend sets suspend_cpu and returns the request's sequence
	// number. The core acknowledges at its next trap.
	RequestSuspend() uint64
	// SuspendAcked reports whether the core is stopped for request seq.
	// An acknowledgement left over from an earlier request does not count.
	SuspendAcked(seq uint64) bool
	// ClearSuspend withdraws a request and lets a suspended core go on.
	ClearSuspend()
}

type SuspendOptions struct {
	// IRQ kicks cores out of the guest. Without it, cores only notice the
	// request on their next trap.
	IRQ      arch.IRQChip
	Interval time.Duration
	MaxWait  time.Duration
}

func (o SuspendOptions) backOff(ctx context.Context) backoff.BackOff {
	interval, wait := o.Interval, o.MaxWait
	if interval <= 0 {
		interval = DefaultSuspendInterval
	}

	if wait <= 0 {
		wait = DefaultSuspendMaxWait
	}

	retries := uint64(wait / interval)

	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), retries), ctx)
}

// members returns the cores serving c that are not failed.
func (c *Cell) members(cores []Core) []Core {
	var ms []Core

	for _, core := range cores {
		if c.cpus.Contains(core.ID()) && !core.Failed() {
			ms = append(ms, core)
		}
	}

	return ms
}

// Suspend stops every core of the cell at its next safe point and waits
// until all of them acknowledged. If some core does not acknowledge within
// opts.MaxWait, or ctx ends first, every request is withdrawn and
// ErrSuspendTimeout names the cores that lagged. Failed cores are skipped.
func (c *Cell) Suspend(ctx context.Context, cores []Core, opts SuspendOptions) error {
	ms := c.members(cores)
	seqs := make([]uint64, len(ms))

	for i, core := range ms {
		seqs[i] = core.RequestSuspend()

		if opts.IRQ != nil {
			opts.IRQ.SendEvent(int(core.ID()))
		}
	}

	err := backoff.Retry(func() error {
		var lag []uint64

		for i, core := range ms {
			if !core.SuspendAcked(seqs[i]) && !core.Failed() {
				lag = append(lag, core.ID())
			}
		}

		if len(lag) > 0 {
			return fmt.Errorf("%w: cell %q: cpus %v", ErrSuspendTimeout, c.Name(), lag)
		}

		return nil
	}, opts.backOff(ctx))
	if err != nil {
		for _, core := range ms {
			core.ClearSuspend()
		}

		logrus.WithField("cell", c.Name()).Warn(err)

		return err
	}

	logrus.WithFields(logrus.Fields{"cell": c.Name(), "cpus": len(ms)}).Info("cell suspended")

	return nil
}

// Resume lets the suspended cores of the cell continue.
func (c *Cell) Resume(cores []Core) {
	for _, core := range cores {
		if c.cpus.Contains(core.ID()) {
			core.ClearSuspend()
		}
	}

	logrus.WithField("cell", c.Name()).Info("cell resumed")
}
