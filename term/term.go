//go:build linux

// Package term switches the controlling terminal to raw mode so keystrokes
// reach a guest console unprocessed.
package term

import (
	"golang.org/x/sys/unix"
)

func IsTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)

	return err == nil
}

// SetRawMode puts fd into raw mode and returns a function restoring the
// previous settings.
func SetRawMode(fd int) (func(), error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	old := *t

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	return func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, &old)
	}, unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
