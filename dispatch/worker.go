package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
)

type workerKey struct{}

// worker is one pool goroutine. touched is only accessed by that goroutine.
type worker struct {
	id      uint64
	d       *Dispatcher
	logger  *slog.Logger
	touched map[Target]struct{}
	retire  atomic.Bool
}

// RecycleCurrentWorker asks the worker running the delivery that received
// ctx to exit once the delivery returns. It reports false when ctx does not
// belong to a delivery of this dispatcher.
func (d *Dispatcher) RecycleCurrentWorker(ctx context.Context) bool {
	w, ok := ctx.Value(workerKey{}).(*worker)
	if !ok || w.d != d {
		return false
	}
	w.retire.Store(true)
	return true
}

// WorkerID returns the ID of the worker running the delivery that received
// ctx, or zero.
func WorkerID(ctx context.Context) uint64 {
	if w, ok := ctx.Value(workerKey{}).(*worker); ok {
		return w.id
	}
	return 0
}

func (d *Dispatcher) run(w *worker) {
	ctx := context.WithValue(d.ctx, workerKey{}, w)
	w.logger.Debug("worker started")

	for {
		q, ok := d.take()
		if !ok {
			break
		}
		d.deliverOne(ctx, w, q)
		if w.retire.Load() {
			d.recycled.Add(1)
			w.logger.Debug("worker recycled")
			break
		}
	}
	d.exit(w)
}

// take returns the next ready queue, waiting up to the idle timeout. It
// returns false when the worker should exit.
func (d *Dispatcher) take() (*targetQueue, bool) {
	timer := time.NewTimer(d.idleTimeout)
	defer timer.Stop()

	d.mu.Lock()
	for {
		if d.closed {
			d.mu.Unlock()
			return nil, false
		}
		if len(d.ready) > 0 {
			q := d.ready[0]
			d.ready[0] = nil
			d.ready = d.ready[1:]
			d.mu.Unlock()
			return q, true
		}

		d.idle++
		d.mu.Unlock()

		timedOut := false
		select {
		case <-d.wake:
		case <-d.ctx.Done():
		case <-timer.C:
			timedOut = true
		}

		d.mu.Lock()
		d.idle--
		if timedOut && len(d.ready) == 0 {
			d.mu.Unlock()
			return nil, false
		}
	}
}

// deliverOne runs the head item of q and requeues q if more items remain.
func (d *Dispatcher) deliverOne(ctx context.Context, w *worker, q *targetQueue) {
	d.mu.Lock()
	if len(q.items) == 0 {
		// Close emptied the queue after it was taken.
		q.scheduled = false
		d.mu.Unlock()
		return
	}
	msg := q.items[0]
	q.running = true
	d.mu.Unlock()

	var pc panics.Catcher
	pc.Try(func() { q.target.Deliver(ctx, msg) })
	if r := pc.Recovered(); r != nil {
		d.panicked.Add(1)
		w.logger.Error("delivery panicked", "class", msg.Class(), "error", r.AsError(), "stack", string(r.Stack))
	}
	d.delivered.Add(1)

	d.mu.Lock()
	q.running = false
	q.items[0] = nil
	q.items = q.items[1:]
	switch {
	case d.closed:
		q.scheduled = false
	case len(q.items) > 0:
		d.ready = append(d.ready, q)
	default:
		q.scheduled = false
		delete(d.queues, q.target)
	}
	d.mu.Unlock()

	// The item's reference moves to the touched set the first time this
	// worker delivers to the target; it is dropped after OnThreadDisconnect.
	if _, seen := w.touched[q.target]; seen {
		q.target.Release()
	} else {
		w.touched[q.target] = struct{}{}
	}
}

func (d *Dispatcher) exit(w *worker) {
	d.mu.Lock()
	d.workers--
	if !d.closed && len(d.ready) > 0 {
		d.kickLocked()
	}
	d.mu.Unlock()

	for t := range w.touched {
		var pc panics.Catcher
		pc.Try(t.OnThreadDisconnect)
		if r := pc.Recovered(); r != nil {
			d.panicked.Add(1)
			w.logger.Error("thread disconnect panicked", "error", r.AsError())
		}
		t.Release()
	}
	w.touched = nil

	if d.onWorkerExit != nil {
		d.onWorkerExit(w.id)
	}
	w.logger.Debug("worker exited")
}
