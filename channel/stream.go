package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/smnsjas/go-ogconnector/messages"
)

// ConnectClass is the class of the identity message written first on every
// new connection.
const ConnectClass = "Connect"

// Default connection settings.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultBusyTimeout    = 2 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = time.Second
	DefaultSocketPath     = "/var/run/OG-Language/Connection.sock"
	DefaultMaxMessageSize = 16 << 20
)

// DialFunc opens a connection to the peer. The context carries the connect
// timeout and is cancelled by Disconnect.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// UnixDialer returns a DialFunc connecting to the Unix domain socket at path.
func UnixDialer(path string) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Option configures a Stream.
type Option func(*Stream)

// WithConnectTimeout bounds each dial and identity handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Stream) { s.connectTimeout = d }
}

// WithBusyTimeout bounds each write on connections that support deadlines.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Stream) { s.busyTimeout = d }
}

// WithRetry sets how many consecutive failed attempts are retried and the
// pause between them. maxRetries of zero disables reconnection.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(s *Stream) {
		s.maxRetries = maxRetries
		s.retryBackoff = backoff
	}
}

// WithMaxFrameSize sets the largest frame written or accepted.
func WithMaxFrameSize(n int) Option {
	return func(s *Stream) { s.maxFrame = n }
}

// WithMaxMessageSize sets the largest inbound message, whether it arrives in
// one frame or is reassembled from several. A peer exceeding it loses the
// connection.
func WithMaxMessageSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxMessage = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// Stream is a Channel over a byte stream.
type Stream struct {
	id   Identity
	dial DialFunc

	connectTimeout time.Duration
	busyTimeout    time.Duration
	maxRetries     int
	retryBackoff   time.Duration
	maxFrame       int
	maxMessage     int
	logger         *slog.Logger

	mu       sync.Mutex
	state    State
	conn     io.ReadWriteCloser
	notify   *notifier
	active   bool // run goroutine alive
	stopping bool
	closed   bool
	stopCh   chan struct{}

	writeMu sync.Mutex
	framer  *framer
}

var _ Channel = (*Stream)(nil)

// NewStream creates a channel that connects with dial.
func NewStream(id Identity, dial DialFunc, opts ...Option) *Stream {
	s := &Stream{
		id:             id,
		dial:           dial,
		connectTimeout: DefaultConnectTimeout,
		busyTimeout:    DefaultBusyTimeout,
		maxRetries:     DefaultMaxRetries,
		retryBackoff:   DefaultRetryBackoff,
		maxFrame:       DefaultMaxFrameSize,
		maxMessage:     DefaultMaxMessageSize,
		logger:         slog.Default(),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "channel", "identity", id.String())
	s.framer = newFramer(s.maxFrame)
	return s
}

// NewStreamFactory returns a Factory creating streams that dial with dial.
func NewStreamFactory(dial DialFunc, opts ...Option) Factory {
	return func(id Identity) (Channel, error) {
		if dial == nil {
			return nil, errors.New("channel: nil dial function")
		}
		return NewStream(id, dial, opts...), nil
	}
}

// Connect starts the connection goroutine.
func (s *Stream) Connect(l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state != StateInitial {
		return ErrAlreadyConnected
	}

	s.notify = newNotifier(l, s.logger)
	s.active = true
	s.setStateLocked(StateConnecting)
	go s.run()
	return nil
}

// Disconnect requests the connection to stop. It returns false if there was
// nothing to stop. The connection is closed after s.mu is released, so a
// slow Close does not stall State, Send or the run goroutine.
func (s *Stream) Disconnect() bool {
	s.mu.Lock()
	if !s.active || s.stopping {
		s.mu.Unlock()
		return false
	}
	s.stopping = true
	close(s.stopCh)

	if s.state == StateConnecting || s.state == StateRunning {
		s.setStateLocked(StateDisconnecting)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close connection", "error", err)
		}
	}
	s.logger.Info("disconnect requested")
	return true
}

// Send frames msg and writes it to the connection.
func (s *Stream) Send(msg *messages.Message) error {
	s.mu.Lock()
	conn := s.conn
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || conn == nil {
		return ErrNotConnected
	}
	if err := s.write(conn, msg, s.busyTimeout); err != nil {
		return fmt.Errorf("send %s: %w", msg.Class(), err)
	}
	return nil
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close disconnects and stops upcalls.
func (s *Stream) Close() error {
	s.Disconnect()

	s.mu.Lock()
	s.closed = true
	n := s.notify
	s.mu.Unlock()

	if n != nil {
		n.stop()
	}
	return nil
}

func (s *Stream) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.logger.Debug("state change", "from", prev, "to", next)
	if s.notify != nil {
		s.notify.postState(prev, next)
	}
}

func (s *Stream) write(conn io.ReadWriteCloser, msg *messages.Message, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	buf := s.framer.encode(msg.Encode())

	if wd, ok := conn.(writeDeadliner); ok && timeout > 0 {
		if err := wd.SetWriteDeadline(time.Now().Add(timeout)); err == nil {
			defer func() { _ = wd.SetWriteDeadline(time.Time{}) }()
		}
	}
	_, err := conn.Write(buf)
	return err
}

// run owns the connection lifecycle until a requested stop or until the
// retry budget is spent.
func (s *Stream) run() {
	failures := 0
	for {
		conn, err := s.open()
		if err != nil {
			failures++
			s.logger.Warn("connect failed", "attempt", failures, "error", err)
			if !s.retry(failures) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			_ = conn.Close()
			s.finish()
			return
		}
		s.conn = conn
		s.setStateLocked(StateRunning)
		s.mu.Unlock()
		s.logger.Info("connected")
		failures = 0

		err = s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		stopping := s.stopping
		s.mu.Unlock()
		_ = conn.Close()

		if stopping {
			s.finish()
			return
		}
		failures++
		s.logger.Warn("connection lost", "error", err)
		if !s.retry(failures) {
			return
		}
	}
}

// open dials the peer and writes the identity message.
func (s *Stream) open() (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	hello, err := messages.New(ConnectClass, map[string]any{
		"languageId": s.id.LanguageID,
		"instanceId": s.id.InstanceID.String(),
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.write(conn, hello, s.connectTimeout); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return conn, nil
}

// retry moves the channel to Errored and, when attempts remain, waits out
// the backoff and moves back to Connecting. It returns false when the run
// goroutine should exit.
func (s *Stream) retry(failures int) bool {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.finish()
		return false
	}
	s.setStateLocked(StateErrored)
	if failures > s.maxRetries {
		s.active = false
		s.mu.Unlock()
		s.logger.Error("giving up", "attempts", failures)
		return false
	}
	s.mu.Unlock()

	t := time.NewTimer(s.retryBackoff)
	defer t.Stop()
	select {
	case <-s.stopCh:
		s.finish()
		return false
	case <-t.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		s.finishLocked()
		return false
	}
	s.setStateLocked(StateConnecting)
	return true
}

func (s *Stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

func (s *Stream) finishLocked() {
	s.active = false
	s.setStateLocked(StateStopped)
	s.logger.Info("disconnected")
}

func (s *Stream) readLoop(conn io.Reader) error {
	asm := newAssembler(s.maxMessage)
	maxBlob := s.framer.maxFrame - FrameHeaderSize
	for {
		f, err := readFrame(conn, maxBlob)
		if err != nil {
			return err
		}
		data, err := asm.add(f)
		if err != nil {
			return err
		}
		if data == nil {
			continue
		}

		msg, err := messages.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable message", "error", err, "bytes", len(data))
			continue
		}
		s.notify.postMessage(msg)
	}
}
