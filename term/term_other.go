//go:build !linux

package term

import "errors"

// ErrUnsupported is returned where raw mode is not implemented.
var ErrUnsupported = errors.New("raw terminal mode not supported on this platform")

// IsTerminal reports false, so callers keep their input cooked.
func IsTerminal(int) bool {
	return false
}

func SetRawMode(int) (func(), error) {
	return func() {}, ErrUnsupported
}
