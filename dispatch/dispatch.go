// Package dispatch runs message deliveries off the caller's goroutine on a
// pool of worker goroutines.
//
// Work is submitted per Target. Deliveries for one target run one at a time
// in submission order; deliveries for different targets run in parallel on
// up to MaxWorkers goroutines. Workers start on demand and exit after being
// idle for the idle timeout.
//
// A delivery may ask for its worker to be recycled with RecycleCurrentWorker.
// The worker finishes the current delivery, calls OnThreadDisconnect on every
// target it has delivered to, and exits. Later work runs on a fresh worker.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/smnsjas/go-ogconnector/messages"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Default pool settings.
const (
	DefaultMaxWorkers  = 8
	DefaultIdleTimeout = 5 * time.Minute
)

// Target receives deliveries. Implementations must be comparable (normally
// a pointer) since the dispatcher keys its per-target queues on them.
type Target interface {
	Deliver(ctx context.Context, msg *messages.Message)
	// OnThreadDisconnect is called on a worker that delivered to the target
	// before that worker exits.
	OnThreadDisconnect()
	Retain()
	Release()
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxWorkers bounds the number of concurrent workers.
func WithMaxWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxWorkers = n
		}
	}
}

// WithIdleTimeout sets how long a worker waits for work before exiting.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.idleTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithWorkerExitHook sets a function called with the worker ID after a
// worker has notified its targets and is about to exit.
func WithWorkerExitHook(fn func(workerID uint64)) Option {
	return func(d *Dispatcher) { d.onWorkerExit = fn }
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted      uint64
	Delivered      uint64
	Panicked       uint64
	Discarded      uint64
	WorkersStarted uint64
	Recycled       uint64
	Workers        int
}

// targetQueue holds pending messages for one target. A queue is scheduled
// while it sits on the ready list or is being run by a worker. While running,
// items[0] is the delivery in progress.
type targetQueue struct {
	target    Target
	items     []*messages.Message
	scheduled bool
	running   bool
}

// Dispatcher is a worker pool with per-target ordering.
type Dispatcher struct {
	maxWorkers   int
	idleTimeout  time.Duration
	logger       *slog.Logger
	onWorkerExit func(uint64)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[Target]*targetQueue
	ready   []*targetQueue
	idle    int
	workers int
	closed  bool

	wake chan struct{}
	wg   conc.WaitGroup

	nextWorker atomic.Uint64
	submitted  atomic.Uint64
	delivered  atomic.Uint64
	panicked   atomic.Uint64
	discarded  atomic.Uint64
	started    atomic.Uint64
	recycled   atomic.Uint64
}

// New creates a dispatcher. No workers run until work is submitted.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		maxWorkers:  DefaultMaxWorkers,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
		queues:      make(map[Target]*targetQueue),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	d.wake = make(chan struct{}, d.maxWorkers)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Submit queues msg for delivery to t. On success the dispatcher takes over
// one reference to t, released after delivery; on error the caller keeps it.
func (d *Dispatcher) Submit(t Target, msg *messages.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.submitted.Add(1)

	q, ok := d.queues[t]
	if !ok {
		q = &targetQueue{target: t}
		d.queues[t] = q
	}
	q.items = append(q.items, msg)
	if !q.scheduled {
		q.scheduled = true
		d.ready = append(d.ready, q)
		d.kickLocked()
	}
	return nil
}

// kickLocked makes sure a worker will pick up the ready list.
func (d *Dispatcher) kickLocked() {
	if len(d.ready) > d.idle && d.workers < d.maxWorkers {
		d.spawnLocked()
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) spawnLocked() {
	d.workers++
	w := &worker{
		id:      d.nextWorker.Add(1),
		d:       d,
		touched: make(map[Target]struct{}),
	}
	w.logger = d.logger.With("worker", w.id)
	d.started.Add(1)
	d.wg.Go(func() { d.run(w) })
}

// Close stops accepting work and discards queued deliveries. Deliveries in
// progress complete; Close does not wait for them. Use Wait for that.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var dropped []Target
	for _, q := range d.queues {
		keep := 0
		if q.running {
			keep = 1
		}
		for range q.items[keep:] {
			dropped = append(dropped, q.target)
		}
		clear(q.items[keep:])
		q.items = q.items[:keep]
	}
	d.queues = make(map[Target]*targetQueue)
	d.ready = nil
	d.mu.Unlock()

	d.cancel()
	for _, t := range dropped {
		d.discarded.Add(1)
		t.Release()
	}
	d.logger.Debug("closed", "discarded", len(dropped))
}

// Wait blocks until every worker has exited. It must not be called from a
// delivery.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	workers := d.workers
	d.mu.Unlock()
	return Stats{
		Submitted:      d.submitted.Load(),
		Delivered:      d.delivered.Load(),
		Panicked:       d.panicked.Load(),
		Discarded:      d.discarded.Load(),
		WorkersStarted: d.started.Load(),
		Recycled:       d.recycled.Load(),
		Workers:        workers,
	}
}
