package service

type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether the service accepts work in state s.
func (s State) Active() bool {
	return s == StateReady || s == StateRunning
}
