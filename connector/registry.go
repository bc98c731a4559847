package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/smnsjas/go-ogconnector/messages"
	"github.com/smnsjas/go-ogconnector/refcount"
)

// entry is one (class, callback) registration. The list holds one reference;
// every dispatched delivery holds another.
type entry struct {
	refs  refcount.Counter
	class string
	cb    Callback
	next  *entry
}

func newEntry(class string, cb Callback) *entry {
	if r, ok := cb.(Retainer); ok {
		r.Retain()
	}
	e := &entry{class: class, cb: cb}
	e.refs.Init()
	return e
}

func (e *entry) Deliver(ctx context.Context, msg *messages.Message) {
	e.cb.OnMessage(ctx, msg)
}

func (e *entry) OnThreadDisconnect() {
	if td, ok := e.cb.(ThreadDisconnecter); ok {
		td.OnThreadDisconnect()
	}
}

func (e *entry) Retain() {
	e.refs.Retain()
}

func (e *entry) Release() {
	if !e.refs.Release() {
		return
	}
	if r, ok := e.cb.(Retainer); ok {
		r.Release()
	}
}

// registry is a singly linked list of entries guarded by mu. Structural
// changes happen under mu; entries handed out by match are retained first.
type registry struct {
	mu     sync.Mutex
	head   *entry
	closed bool
}

func (r *registry) add(class string, cb Callback) error {
	e := newEntry(class, cb)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		e.Release()
		return ErrClosed
	}
	for p := r.head; p != nil; p = p.next {
		if p.cb == cb && p.class == class {
			r.mu.Unlock()
			e.Release()
			panic(fmt.Sprintf("connector: callback %T already registered for class %q", cb, class))
		}
	}
	e.next = r.head
	r.head = e
	r.mu.Unlock()
	return nil
}

// remove unlinks every entry for cb and reports whether there was any.
func (r *registry) remove(cb Callback) bool {
	var removed []*entry

	r.mu.Lock()
	for link := &r.head; *link != nil; {
		e := *link
		if e.cb == cb {
			*link = e.next
			e.next = nil
			removed = append(removed, e)
			continue
		}
		link = &e.next
	}
	r.mu.Unlock()

	for _, e := range removed {
		e.Release()
	}
	return len(removed) > 0
}

// match returns the entries registered for class, each retained for the
// caller.
func (r *registry) match(class string) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entry
	for e := r.head; e != nil; e = e.next {
		if e.class == class {
			e.Retain()
			out = append(out, e)
		}
	}
	return out
}

// clear unlinks and releases all entries and refuses later additions.
func (r *registry) clear() int {
	r.mu.Lock()
	head := r.head
	r.head = nil
	r.closed = true
	r.mu.Unlock()

	n := 0
	for e := head; e != nil; {
		next := e.next
		e.next = nil
		e.Release()
		e = next
		n++
	}
	return n
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for e := r.head; e != nil; e = e.next {
		n++
	}
	return n
}
