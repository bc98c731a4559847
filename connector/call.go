package connector

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/smnsjas/go-ogconnector/calls"
	"github.com/smnsjas/go-ogconnector/messages"
)

// Call is a request that has been sent and is awaiting its reply. The owner
// must call Close exactly once.
type Call struct {
	slot   *calls.Slot
	closed atomic.Bool
}

// Call sends msg and waits up to timeout for the reply. On timeout the call
// is cancelled, so a late reply is dropped.
func (c *Connector) Call(msg *messages.Message, timeout time.Duration) (*messages.Message, error) {
	call, err := c.Begin(msg)
	if err != nil {
		return nil, err
	}
	defer call.Close()

	return call.settle(call.WaitForResult(timeout))
}

// settle cancels a call whose wait timed out. A reply that arrived between
// the timeout and the cancel wins and is returned.
func (call *Call) settle(reply *messages.Message, err error) (*messages.Message, error) {
	if errors.Is(err, ErrTimeout) && !call.Cancel() {
		return call.WaitForResult(0)
	}
	return reply, err
}

// Begin stamps msg with a fresh correlation handle, sends it and returns
// without waiting.
func (c *Connector) Begin(msg *messages.Message) (*Call, error) {
	h, slot := c.calls.Allocate()

	stamped, err := msg.WithHandle(h)
	if err != nil {
		slot.Release()
		return nil, err
	}
	if err := c.ch.Send(stamped); err != nil {
		slot.Release()
		return nil, mapSendError(err)
	}
	return &Call{slot: slot}, nil
}

// Handle returns the correlation handle the request was sent with.
func (call *Call) Handle() uint32 {
	return call.slot.Handle()
}

// WaitForResult waits up to timeout for the reply. It may be called
// repeatedly; a timeout leaves the call pending. It returns ErrTimeout,
// ErrCancelled, or ErrClosed if the connector was destroyed.
func (call *Call) WaitForResult(timeout time.Duration) (*messages.Message, error) {
	return call.slot.Wait(timeout)
}

// Done returns a channel closed when the call is resolved, cancelled or
// failed.
func (call *Call) Done() <-chan struct{} {
	return call.slot.Done()
}

// Cancel marks the call so a late reply is dropped. It returns false if the
// call already completed. Cancel does not stop work already running on the
// peer.
func (call *Call) Cancel() bool {
	return call.slot.Cancel()
}

// Close cancels the call if it is unresolved and releases it. Later calls
// to Close do nothing.
func (call *Call) Close() {
	if call.closed.Swap(true) {
		return
	}
	call.slot.Cancel()
	call.slot.Release()
}
