package process

// State is the supervisor's view of a launched child.
type State int

const (
	Running State = iota
	Stopping
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}
