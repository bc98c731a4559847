// Package channel provides the message transport between the connector and
// the peer runtime.
//
// A Channel owns the physical connection. It reports connection state
// transitions and inbound messages to a single Listener, strictly serially,
// from one notification goroutine per channel. Outbound messages are accepted
// with Send while the channel is Running.
//
// # State Machine
//
//	Initial ──Connect──▶ Connecting ──▶ Running
//	                        │  ▲          │  │
//	                        ▼  │ retry    │  └──Disconnect──▶ Disconnecting ──▶ Stopped
//	                       Errored ◀──────┘ read failure
//
// Stream is the concrete implementation. It carries length prefixed
// fragments over any io.ReadWriteCloser returned by a DialFunc, typically a
// Unix domain socket (see UnixDialer) or the stdio of a child process.
package channel

import (
	"errors"

	"github.com/google/uuid"

	"github.com/smnsjas/go-ogconnector/messages"
)

var (
	// ErrNotConnected is returned by Send when the channel is not Running.
	ErrNotConnected = errors.New("channel not connected")
	// ErrAlreadyConnected is returned when Connect is called more than once.
	ErrAlreadyConnected = errors.New("channel already connected")
	// ErrClosed is returned when the channel has been closed.
	ErrClosed = errors.New("channel closed")
)

// Listener receives upcalls from a Channel. Methods are invoked on the
// channel's notification goroutine, one at a time, in the order the events
// occurred.
type Listener interface {
	OnStateChange(prev, next State)
	OnMessageReceived(msg *messages.Message)
}

// Channel is a bidirectional message connection to the peer runtime.
type Channel interface {
	// Connect starts connecting in the background. The listener receives
	// every subsequent state change and inbound message.
	Connect(l Listener) error
	// Disconnect requests a disconnect and reports whether one was
	// initiated. It is idempotent.
	Disconnect() bool
	// Send queues msg for transmission. It fails unless the channel is
	// Running.
	Send(msg *messages.Message) error
	// State returns the current connection state.
	State() State
	// Close disconnects and stops upcalls. Events not yet delivered are
	// discarded. Close does not wait for an upcall already in progress.
	Close() error
}

// Identity names the client end of a channel to the peer.
type Identity struct {
	LanguageID string
	InstanceID uuid.UUID
}

// NewIdentity returns an identity with a fresh random instance ID.
func NewIdentity(languageID string) Identity {
	return Identity{LanguageID: languageID, InstanceID: uuid.New()}
}

// String returns "languageID/instanceID".
func (id Identity) String() string {
	return id.LanguageID + "/" + id.InstanceID.String()
}

// Factory creates a channel for an identity.
type Factory func(id Identity) (Channel, error)
