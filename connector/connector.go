// Package connector is the client end of the bridge to the peer runtime.
//
// A Connector owns one Channel and multiplexes two kinds of traffic over it:
// synchronous calls, whose replies are matched to the caller by correlation
// handle, and push messages, which are routed by class to registered
// callbacks and run on a dispatch worker pool.
//
// # Lifetime
//
// Start returns a connector holding one reference. Retain and Release share
// it; the last Release disconnects the channel, stops the dispatcher, drops
// every callback registration and fails calls still waiting with ErrClosed.
//
//	c, err := connector.Start("Excel")
//	if err != nil {
//	    return err
//	}
//	defer c.Release()
//
//	if err := c.WaitForStartup(10 * time.Second); err != nil {
//	    return err
//	}
//	reply, err := c.Call(request, 30*time.Second)
//
// # State Hooks
//
// Three optional hooks observe channel state. They run on the channel's
// notification goroutine and must return quickly:
//
//   - OnEnterRunningState: the channel became Running
//   - OnExitRunningState: the channel left Running
//   - OnEnterStableNonRunningState: the channel became Stopped or Errored
//     from a state that was neither
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smnsjas/go-ogconnector/calls"
	"github.com/smnsjas/go-ogconnector/channel"
	"github.com/smnsjas/go-ogconnector/config"
	"github.com/smnsjas/go-ogconnector/dispatch"
	"github.com/smnsjas/go-ogconnector/messages"
	"github.com/smnsjas/go-ogconnector/refcount"
)

// Connector is a reference counted client connection to the peer runtime.
type Connector struct {
	refs   refcount.Counter
	id     channel.Identity
	cfg    *config.Config
	logger *slog.Logger

	ch         channel.Channel
	calls      *calls.Table
	dispatcher *dispatch.Dispatcher
	registry   registry

	onEnterRunning          atomic.Pointer[func()]
	onExitRunning           atomic.Pointer[func()]
	onEnterStableNonRunning atomic.Pointer[func()]

	startup     chan struct{}
	startupOnce sync.Once
	destroyed   atomic.Bool
}

var _ channel.Listener = (*Connector)(nil)

// Start creates a connector for languageID and begins connecting in the
// background. It does not wait for the connection.
func Start(languageID string, opts ...Option) (*Connector, error) {
	o := &options{
		cfg:    config.Default(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := channel.NewIdentity(languageID)
	logger := o.logger.With("component", "connector", "identity", id.String())
	o.logger = logger

	factory := o.factory
	if factory == nil {
		factory = o.streamFactory()
	}
	ch, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	c := &Connector{
		id:      id,
		cfg:     o.cfg,
		logger:  logger,
		ch:      ch,
		calls:   calls.NewTable(),
		startup: make(chan struct{}),
		dispatcher: dispatch.New(
			dispatch.WithMaxWorkers(o.cfg.Dispatch.MaxWorkers),
			dispatch.WithIdleTimeout(o.cfg.Dispatch.IdleTimeout),
			dispatch.WithLogger(logger),
		),
	}
	c.refs.Init()

	if err := ch.Connect(c); err != nil {
		c.dispatcher.Close()
		_ = ch.Close()
		return nil, fmt.Errorf("connect channel: %w", err)
	}
	logger.Info("connector started")
	return c, nil
}

// Retain adds a reference.
func (c *Connector) Retain() {
	c.refs.Retain()
}

// Release drops a reference. The last release destroys the connector.
func (c *Connector) Release() {
	if c.refs.Release() {
		c.destroy()
	}
}

// destroy tears down the channel, the dispatcher and the registry, in that
// order. It does not wait for deliveries in progress, so it is safe on a
// dispatch worker or the notification goroutine.
func (c *Connector) destroy() {
	c.destroyed.Store(true)

	if err := c.ch.Close(); err != nil {
		c.logger.Warn("close channel", "error", err)
	}
	c.dispatcher.Close()
	entries := c.registry.clear()
	failed := c.calls.FailAll(ErrClosed)

	c.logger.Info("connector destroyed", "callbacks", entries, "failed_calls", failed)
}

// Identity returns the identity presented to the peer.
func (c *Connector) Identity() channel.Identity {
	return c.id
}

// Config returns the configuration the connector was started with.
func (c *Connector) Config() *config.Config {
	return c.cfg
}

// State returns the channel state.
func (c *Connector) State() channel.State {
	return c.ch.State()
}

// WaitForStartup blocks until the channel has reached Running at least
// once, or until timeout elapses. A non-positive timeout polls.
func (c *Connector) WaitForStartup(timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case <-c.startup:
			return nil
		default:
			return ErrStartupTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.startup:
		return nil
	case <-timer.C:
		return ErrStartupTimeout
	}
}

// Stop asks the channel to disconnect. It returns false if there was
// nothing to stop.
func (c *Connector) Stop() bool {
	return c.ch.Disconnect()
}

// OnEnterRunningState sets the hook run when the channel enters Running.
// A nil hook clears it.
func (c *Connector) OnEnterRunningState(hook func()) {
	setHook(&c.onEnterRunning, hook)
}

// OnExitRunningState sets the hook run when the channel leaves Running.
// A nil hook clears it.
func (c *Connector) OnExitRunningState(hook func()) {
	setHook(&c.onExitRunning, hook)
}

// OnEnterStableNonRunningState sets the hook run when the channel enters
// Stopped or Errored from any other state. A nil hook clears it.
func (c *Connector) OnEnterStableNonRunningState(hook func()) {
	setHook(&c.onEnterStableNonRunning, hook)
}

func setHook(p *atomic.Pointer[func()], hook func()) {
	if hook == nil {
		p.Store(nil)
		return
	}
	p.Store(&hook)
}

func runHook(p *atomic.Pointer[func()]) {
	if hook := p.Load(); hook != nil {
		(*hook)()
	}
}

// OnStateChange implements channel.Listener.
func (c *Connector) OnStateChange(prev, next channel.State) {
	if c.destroyed.Load() {
		return
	}
	c.logger.Debug("channel state", "from", prev, "to", next)

	if prev == channel.StateRunning && next != channel.StateRunning {
		runHook(&c.onExitRunning)
	}
	if next.IsStableNonRunning() && !prev.IsStableNonRunning() {
		runHook(&c.onEnterStableNonRunning)
	}
	if next == channel.StateRunning && prev != channel.StateRunning {
		c.startupOnce.Do(func() { close(c.startup) })
		runHook(&c.onEnterRunning)
	}
}

// OnMessageReceived implements channel.Listener. A reply to a pending call
// resolves that call and goes nowhere else. Any other message is submitted
// to the dispatcher once for every callback registered for its class.
func (c *Connector) OnMessageReceived(msg *messages.Message) {
	if c.destroyed.Load() {
		return
	}
	if h, ok := msg.Handle(); ok && c.calls.Resolve(h, msg) {
		return
	}

	class := msg.Class()
	entries := c.registry.match(class)
	if len(entries) == 0 {
		c.logger.Debug("no callback for message", "class", class)
		return
	}
	for _, e := range entries {
		if err := c.dispatcher.Submit(e, msg); err != nil {
			e.Release()
		}
	}
}

// AddCallback registers cb for messages of class. The same callback may be
// registered for several classes; registering it twice for one class
// panics. Callbacks implementing Retainer are retained for the lifetime of
// the registration.
func (c *Connector) AddCallback(class string, cb Callback) error {
	if cb == nil {
		return errors.New("connector: nil callback")
	}
	return c.registry.add(class, cb)
}

// RemoveCallback removes every registration of cb and reports whether there
// was any. Deliveries already submitted still run.
func (c *Connector) RemoveCallback(cb Callback) bool {
	return c.registry.remove(cb)
}

// Send transmits msg without waiting for a reply.
func (c *Connector) Send(msg *messages.Message) error {
	if err := c.ch.Send(msg); err != nil {
		return mapSendError(err)
	}
	return nil
}

// RecycleDispatchThread retires the dispatch worker running the callback
// that received ctx once that callback returns. It reports false when ctx
// does not come from a callback of this connector.
func (c *Connector) RecycleDispatchThread(ctx context.Context) bool {
	return c.dispatcher.RecycleCurrentWorker(ctx)
}

// PendingCalls returns the number of calls awaiting a reply or release.
func (c *Connector) PendingCalls() int {
	return c.calls.Len()
}

// DispatchStats returns the dispatcher counters.
func (c *Connector) DispatchStats() dispatch.Stats {
	return c.dispatcher.Stats()
}

func mapSendError(err error) error {
	if errors.Is(err, channel.ErrNotConnected) || errors.Is(err, channel.ErrClosed) {
		return ErrNotRunning
	}
	return fmt.Errorf("send: %w", err)
}
