package supervisor

import "time"

// State represents the current state of a supervised worker.
type State string

// Worker states.
const (
	StateStopped  State = "stopped"  // Not running (terminal after shutdown)
	StateStarting State = "starting" // Being launched
	StateRunning  State = "running"  // Active
	StateCrashed  State = "crashed"  // Liveness failed; relaunch pending
	StateStopping State = "stopping" // Cooperative shutdown in progress
)

// Info contains information about a supervised worker.
type Info struct {
	Name      string
	State     State
	StartedAt time.Time
	Restarts  int
	LastError error
}
