package channel

import (
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/smnsjas/go-ogconnector/messages"
)

// event is a single upcall. msg is nil for a state change.
type event struct {
	prev, next State
	msg        *messages.Message
}

// notifier delivers events to a Listener from one goroutine, in posting
// order. Posting never blocks: the queue is unbounded so that the read loop
// and state transitions cannot stall behind a slow listener.
type notifier struct {
	l      Listener
	logger *slog.Logger

	mu      sync.Mutex
	queue   []event
	stopped bool

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func newNotifier(l Listener, logger *slog.Logger) *notifier {
	n := &notifier{
		l:      l,
		logger: logger,
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *notifier) postState(prev, next State) {
	n.post(event{prev: prev, next: next})
}

func (n *notifier) postMessage(msg *messages.Message) {
	n.post(event{msg: msg})
}

func (n *notifier) post(e event) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// stop discards undelivered events and ends the loop. It does not wait for
// an upcall in progress, so it may be called from inside one.
func (n *notifier) stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.queue = nil
	n.mu.Unlock()
	close(n.quit)
}

func (n *notifier) loop() {
	defer close(n.done)
	for {
		select {
		case <-n.quit:
			return
		case <-n.signal:
		}

		for {
			e, ok := n.next()
			if !ok {
				break
			}
			n.deliver(e)
		}
	}
}

func (n *notifier) next() (event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || len(n.queue) == 0 {
		return event{}, false
	}
	e := n.queue[0]
	n.queue[0] = event{}
	n.queue = n.queue[1:]
	return e, true
}

func (n *notifier) deliver(e event) {
	var pc panics.Catcher
	pc.Try(func() {
		if e.msg != nil {
			n.l.OnMessageReceived(e.msg)
			return
		}
		n.l.OnStateChange(e.prev, e.next)
	})
	if r := pc.Recovered(); r != nil {
		n.logger.Error("listener panicked", "error", r.AsError(), "stack", string(r.Stack))
	}
}
