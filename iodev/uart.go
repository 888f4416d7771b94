package iodev

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// UART registers, one byte apart, as a 16550 wired with reg-shift 0.
const (
	UARTAddr = uint64(0x0900_0000)
	uartSize = 0x1000

	regRBR = 0 // THR on write, DLL with DLAB
	regIER = 1 // DLM with DLAB
	regIIR = 2 // FCR on write
	regLCR = 3
	regMCR = 4
	regLSR = 5
	regMSR = 6
	regSCR = 7

	lcrDLAB   = 0x80
	lsrDR     = 0x01
	lsrTHRE   = 0x20
	lsrTEMT   = 0x40
	iirNoInt  = 0x01
	baudDivLo = 0x0c // 9600 baud
)

// UART is a 16550 with a transmit path to an io.Writer and a receive
// queue. It does not raise interrupts; guests poll LSR.
type UART struct {
	Addr uint64

	mu  sync.Mutex
	out io.Writer
	in  chan byte
	ier byte
	lcr byte
	mcr byte
	scr byte
}

func NewUART(addr uint64, out io.Writer) *UART {
	if out == nil {
		out = io.Discard
	}

	return &UART{
		Addr: addr,
		out:  out,
		in:   make(chan byte, 4096),
	}
}

// Input queues b for the guest. It reports false if the queue is full.
func (u *UART) Input(b byte) bool {
	select {
	case u.in <- b:
		return true
	default:
		return false
	}
}

func (u *UART) dlab() bool {
	return u.lcr&lcrDLAB != 0
}

func (u *UART) Read(off uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	v := byte(0)

	switch {
	case off == regRBR && !u.dlab():
		select {
		case v = <-u.in:
		default:
		}
	case off == regRBR && u.dlab():
		v = baudDivLo
	case off == regIER && !u.dlab():
		v = u.ier
	case off == regIER && u.dlab():
		v = 0
	case off == regIIR:
		v = iirNoInt
	case off == regLCR:
		v = u.lcr
	case off == regMCR:
		v = u.mcr
	case off == regLSR:
		v = lsrTHRE | lsrTEMT
		if len(u.in) > 0 {
			v |= lsrDR
		}
	case off == regMSR:
	case off == regSCR:
		v = u.scr
	}

	for i := range data {
		data[i] = 0
	}

	data[0] = v

	return nil
}

func (u *UART) Write(off uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	v := data[0]

	switch {
	case off == regRBR && !u.dlab():
		if _, err := u.out.Write([]byte{v}); err != nil {
			return err
		}
	case off == regIER && !u.dlab():
		u.ier = v
	case off == regLCR:
		u.lcr = v
	case off == regMCR:
		u.mcr = v
	case off == regSCR:
		u.scr = v
	case off == regRBR, off == regIER, off == regIIR:
		// divisor latch and FIFO control have no effect
	default:
		logrus.WithField("offset", off).Debug("uart write to unused register")
	}

	return nil
}

func (u *UART) Base() uint64 {
	return u.Addr
}

func (u *UART) Size() uint64 {
	return uartSize
}
