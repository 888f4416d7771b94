package iodev

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// The root cell's firmware writes to this doorbell to ask for a reset or for
// the hypervisor to be shut down. The encoding follows the ACPI PM1 control
// register: SLP_TYP in bits 4:2 and SLP_EN in bit 5.

const (
	ShutdownDevAddr = uint64(0x0910_0000)
	shutdownDevSize = 0x8

	s5SleepVal       = uint8(5)
	sleepStatusENBit = uint8(5)
	sleepValBit      = uint8(2)
	resetVal         = uint8(1)
)

var ErrEventDropped = errors.New("shutdown event dropped")

// Event is a request signalled through the doorbell.
type Event int

const (
	EventReset Event = iota + 1
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventReset:
		return "reset"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type ShutdownDevice struct {
	Addr   uint64
	Events chan Event
}

func NewShutdownDevice() *ShutdownDevice {
	return &ShutdownDevice{
		Addr:   ShutdownDevAddr,
		Events: make(chan Event, 1),
	}
}

func (s *ShutdownDevice) Read(off uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (s *ShutdownDevice) Write(off uint64, data []byte) error {
	var ev Event

	switch data[0] {
	case resetVal:
		ev = EventReset
	case (s5SleepVal << sleepValBit) | (1 << sleepStatusENBit):
		ev = EventShutdown
	default:
		return nil
	}

	logrus.WithField("event", ev).Info("doorbell signalled")

	select {
	case s.Events <- ev:
		return nil
	default:
		return ErrEventDropped
	}
}

func (s *ShutdownDevice) Base() uint64 {
	return s.Addr
}

func (s *ShutdownDevice) Size() uint64 {
	return shutdownDevSize
}
