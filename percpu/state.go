package percpu

import "fmt"

// CoreState is the lifecycle state of one core.
type CoreState uint32

const (
	NotEntered CoreState = iota
	Entered
	Activated
	Suspended
	Deactivated
	Failed
)

func (s CoreState) String() string {
	switch s {
	case NotEntered:
		return "not entered"
	case Entered:
		return "entered"
	case Activated:
		return "activated"
	case Suspended:
		return "suspended"
	case Deactivated:
		return "deactivated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("CoreState(%d)", uint32(s))
	}
}
