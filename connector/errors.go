package connector

import (
	"errors"

	"github.com/smnsjas/go-ogconnector/calls"
)

var (
	// ErrTimeout is returned when a call gets no reply within its timeout.
	ErrTimeout = calls.ErrTimeout
	// ErrCancelled is returned by WaitForResult after Cancel.
	ErrCancelled = calls.ErrCancelled
	// ErrStartupTimeout is returned by WaitForStartup when the channel has
	// not reached Running within the timeout.
	ErrStartupTimeout = errors.New("connector startup timed out")
	// ErrNotRunning is returned by Send and Call when the channel is not
	// Running.
	ErrNotRunning = errors.New("connector not running")
	// ErrClosed is returned to calls still pending when the connector is
	// destroyed, and by AddCallback after that.
	ErrClosed = errors.New("connector closed")
)
