package memory

import (
	"fmt"
	"strings"

	"github.com/bobuhiro11/gocell/stage2"
)

// Flags describe how a region may be accessed and mapped.
type Flags uint64

const (
	Read Flags = 1 << iota
	Write
	Execute
	// IO marks device memory: mapped uncached.
	IO
	// NoHugePages forces 4 KiB granularity for the region.
	NoHugePages
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Read, "read"},
	{Write, "write"},
	{Execute, "execute"},
	{IO, "io"},
	{NoHugePages, "no_hugepages"},
}

// ParseFlags converts configuration names such as "read" or "io" to Flags.
func ParseFlags(names []string) (Flags, error) {
	var f Flags

next:
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "exec" {
			n = "execute"
		}

		for _, fn := range flagNames {
			if fn.name == n {
				f |= fn.flag

				continue next
			}
		}

		return 0, fmt.Errorf("unknown memory flag %q", n)
	}

	return f, nil
}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}

	var s []string

	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			s = append(s, strings.ToUpper(fn.name))
		}
	}

	return strings.Join(s, " | ")
}

func (f Flags) attrs() stage2.Attrs {
	return stage2.Attrs{
		Read:    f&Read != 0,
		Write:   f&Write != 0,
		Execute: f&Execute != 0,
		Device:  f&IO != 0,
	}
}
