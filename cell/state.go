package cell

import "fmt"

// State is the lifecycle state of a cell.
type State uint64

const (
	Running State = iota
	// RunningLocked forbids configuration changes while a management
	// operation is in flight.
	RunningLocked
	ShutDown
	Failed
	FailedCommRev
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case RunningLocked:
		return "running/locked"
	case ShutDown:
		return "shut down"
	case Failed:
		return "failed"
	case FailedCommRev:
		return "failed/comm-rev"
	default:
		return fmt.Sprintf("State(%d)", uint64(s))
	}
}

// Active reports whether the cell is running.
func (s State) Active() bool {
	return s == Running || s == RunningLocked
}

func validTransition(from, to State) bool {
	if !from.Active() || from == to {
		return false
	}

	switch to {
	case Running, RunningLocked, ShutDown, Failed, FailedCommRev:
		return true
	default:
		return false
	}
}
