package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (uint64, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return 0, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 64)
	if err != nil {
		return 0, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	var shift uint

	switch unit {
	case "G", "g":
		shift = 30
	case "M", "m":
		shift = 20
	case "K", "k":
		shift = 10
	case "":
	default:
		return 0, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	if amt > (^uint64(0))>>shift {
		return 0, fmt.Errorf("%q:%w", s, strconv.ErrRange)
	}

	return amt << shift, nil
}

// Size is a byte count that may be written as a plain integer or as
// number[gGmMkK] in configuration files.
type Size uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(strings.TrimSpace(string(text)), "")
	if err != nil {
		return err
	}

	*s = Size(v)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(s))), nil
}

// Addr is a virtual address. TOML integers are signed, so upper-half
// addresses have to be written as strings there.
type Addr uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 64)
	if err != nil {
		return err
	}

	*a = Addr(v)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(a))), nil
}
