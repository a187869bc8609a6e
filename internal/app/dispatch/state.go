package dispatch

// State represents the lifecycle phase of the dispatch loop.
type State int32

// Lifecycle states. Transitions only move forward:
// INITIALIZING -> RUNNING -> SHUTTING_DOWN -> STOPPED.
const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
