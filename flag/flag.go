// Package flag is the command line of gocell.
package flag

import "time"

type CLI struct {
	LogLevel string `name:"log-level" default:"info" enum:"panic,fatal,error,warn,info,debug,trace" help:"Log level."`

	Boot  BootCMD  `cmd:"" help:"Run the hypervisor on a simulated board."`
	Check CheckCMD `cmd:"" help:"Build the cells of a configuration and print them."`
}

type BootCMD struct {
	Config string `arg:"" type:"existingfile" help:"System configuration (.yaml or .toml)."`

	CPUs            int           `name:"cpus" short:"c" default:"0" help:"Number of board cpus, 0 to size the board after the configuration."`
	SuspendTimeout  time.Duration `name:"suspend-timeout" default:"1s" help:"How long a cell suspension waits for its cpus."`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" default:"5s" help:"How long to wait for cpus to return to the host."`
	Hold            bool          `help:"Keep running until interrupted or the shutdown doorbell rings."`
	MmapPool        bool          `name:"mmap-pool" help:"Allocate stage-2 tables in anonymous host memory."`
	Console         string        `help:"With --hold, the non-root cell whose UART receives the terminal input."`
}

type CheckCMD struct {
	Config string `arg:"" type:"existingfile" help:"System configuration (.yaml or .toml)."`
}
