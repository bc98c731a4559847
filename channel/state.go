package channel

import "fmt"

// State is the connection state of a Channel.
type State int

const (
	// StateInitial is the state of a channel that has not been connected yet.
	StateInitial State = iota
	// StateConnecting is entered when a connection attempt starts.
	StateConnecting
	// StateRunning is the only state in which Send succeeds.
	StateRunning
	// StateDisconnecting is entered when a requested disconnect is in progress.
	StateDisconnecting
	// StateStopped is entered when a requested disconnect completes.
	StateStopped
	// StateErrored is entered when the connection fails or cannot be established.
	StateErrored
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateConnecting:
		return "Connecting"
	case StateRunning:
		return "Running"
	case StateDisconnecting:
		return "Disconnecting"
	case StateStopped:
		return "Stopped"
	case StateErrored:
		return "Errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsStableNonRunning reports whether s is Stopped or Errored.
func (s State) IsStableNonRunning() bool {
	return s == StateStopped || s == StateErrored
}

// IsTransient reports whether s is Connecting or Disconnecting.
func (s State) IsTransient() bool {
	return s == StateConnecting || s == StateDisconnecting
}
