package connector

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-ogconnector/channel"
	"github.com/smnsjas/go-ogconnector/messages"
)

// fakeChannel is an in-memory Channel. The test goroutine plays the
// notification goroutine by calling transition and deliver.
type fakeChannel struct {
	mu        sync.Mutex
	listener  channel.Listener
	state     channel.State
	closed    bool
	sent      []*messages.Message
	sendErr   error
	onSend    func(msg *messages.Message)
	connected chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: make(chan struct{})}
}

func (f *fakeChannel) Connect(l channel.Listener) error {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
	f.transition(channel.StateConnecting)
	close(f.connected)
	return nil
}

func (f *fakeChannel) Disconnect() bool {
	f.mu.Lock()
	st := f.state
	f.mu.Unlock()
	if st != channel.StateConnecting && st != channel.StateRunning {
		return false
	}
	f.transition(channel.StateDisconnecting)
	f.transition(channel.StateStopped)
	return true
}

func (f *fakeChannel) Send(msg *messages.Message) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	if f.state != channel.StateRunning {
		f.mu.Unlock()
		return channel.ErrNotConnected
	}
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.listener = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) transition(next channel.State) {
	f.mu.Lock()
	prev := f.state
	f.state = next
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.OnStateChange(prev, next)
	}
}

func (f *fakeChannel) deliver(msg *messages.Message) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l.OnMessageReceived(msg)
	}
}

func (f *fakeChannel) lastSent() *messages.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startFake starts a connector over a fake channel that is already Running.
func startFake(t *testing.T) (*Connector, *fakeChannel) {
	t.Helper()
	c, ch := startFakeIdle(t)
	ch.transition(channel.StateRunning)
	return c, ch
}

// startFakeIdle starts a connector whose fake channel is still Connecting.
func startFakeIdle(t *testing.T) (*Connector, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	c, err := Start("test",
		WithLogger(quietLogger()),
		WithChannelFactory(func(channel.Identity) (channel.Channel, error) { return ch, nil }),
	)
	require.NoError(t, err)
	return c, ch
}

// replyTo builds the peer's answer to a stamped request.
func replyTo(t *testing.T, req *messages.Message, body map[string]any) *messages.Message {
	t.Helper()
	h, ok := req.Handle()
	require.True(t, ok, "request carries no handle")
	msg, err := messages.MustNew("Result", body).WithHandle(h)
	require.NoError(t, err)
	return msg
}

var errBrokenPipe = errors.New("broken pipe")
