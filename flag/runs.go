package flag

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gocell/iodev"
	"github.com/bobuhiro11/gocell/term"
	"github.com/bobuhiro11/gocell/vmm"
	"github.com/sirupsen/logrus"
)

const (
	programName = "gocell"
	programDesc = "gocell is a partitioning hypervisor core running on a simulated AArch64 board"
)

func Parse() error {
	return Run(os.Args[1:], os.Stdout)
}

// Run parses args and runs the selected command, which writes its report
// to out.
func Run(args []string, out io.Writer) error {
	c := CLI{}

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Writers(out, os.Stderr),
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(lvl)

	return ctx.Run()
}

func printStatus(out io.Writer, v *vmm.VMM) {
	for _, s := range v.Status() {
		fmt.Fprintln(out, s)
	}
}

func (b *BootCMD) Run(out io.Writer) error {
	v := vmm.New(vmm.Config{
		ConfigPath:     b.Config,
		NCPUs:          b.CPUs,
		SuspendTimeout: b.SuspendTimeout,
		MmapPool:       b.MmapPool,
		Console:        out,
	})

	if err := v.Init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := v.Boot(ctx); err != nil {
		sctx, cancel := context.WithTimeout(context.Background(), b.ShutdownTimeout)
		defer cancel()

		if serr := v.Shutdown(sctx); serr != nil {
			logrus.Error(serr)
		}

		return err
	}

	printStatus(out, v)

	if b.Hold && b.Console != "" {
		u, err := v.UART(b.Console)
		if err != nil {
			return err
		}

		restore, err := forwardInput(u, stop)
		if err != nil {
			return err
		}

		defer restore()
	}

	if !b.Hold {
		for _, c := range v.Cells() {
			if err := v.Suspend(ctx, c.Name()); err != nil {
				logrus.Error(err)

				continue
			}

			fmt.Fprintf(out, "cell %s suspended and resumed\n", c.Name())

			if err := v.Resume(c.Name()); err != nil {
				return err
			}
		}

		stop()
	}

	ev, err := v.Run(ctx, b.ShutdownTimeout)
	if err != nil {
		return err
	}

	if ev == iodev.EventReset {
		fmt.Fprintln(out, "reset requested by the root cell")
	}

	printStatus(out, v)

	return nil
}

// forwardInput feeds the terminal to u until Ctrl-A x, which calls stop.
func forwardInput(u *iodev.UART, stop func()) (func(), error) {
	if !term.IsTerminal(0) {
		fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")

		return func() {}, nil
	}

	restore, err := term.SetRawMode(0)
	if err != nil {
		return restore, err
	}

	go func() {
		in := bufio.NewReader(os.Stdin)

		var before byte

		for {
			b, err := in.ReadByte()
			if err != nil {
				logrus.Debug(err)

				return
			}

			if before == 0x1 && b == 'x' {
				stop()

				return
			}

			if !u.Input(b) {
				logrus.Warn("console input dropped")
			}

			before = b
		}
	}()

	return restore, nil
}

func (c *CheckCMD) Run(out io.Writer) error {
	v := vmm.New(vmm.Config{ConfigPath: c.Config})

	if err := v.Init(); err != nil {
		return err
	}

	defer v.Close()

	for _, cl := range v.Cells() {
		fmt.Fprintf(out, "cell %s (id %d) cpus %s, %d data pages\n", cl.Name(), cl.ID(), cl.CPUs(), cl.DataPages())
		fmt.Fprint(out, cl.GPM())
		fmt.Fprintf(out, "mmio regions %d/%d\n", cl.MMIO().Len(), cl.MMIO().Cap())

		for _, d := range cl.PCI().Devices() {
			fmt.Fprintf(out, "pci %s\n", d.Info)
		}
	}

	return nil
}
