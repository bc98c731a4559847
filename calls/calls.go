// Package calls tracks outstanding synchronous requests and matches replies
// to them by correlation handle.
//
// Each request gets a Slot from Allocate. The slot moves out of the pending
// state exactly once, by whichever of Resolve, Cancel or FailAll observes it
// first; later attempts are no-ops. The owner must call Release exactly once
// to remove the slot from the table.
//
//	h, slot := table.Allocate()
//	defer slot.Release()
//	send(msg.WithHandle(h))
//	reply, err := slot.Wait(5 * time.Second)
//	if errors.Is(err, calls.ErrTimeout) {
//	    slot.Cancel()
//	}
package calls

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smnsjas/go-ogconnector/messages"
)

var (
	// ErrTimeout is returned by Wait when the slot is still pending after
	// the timeout.
	ErrTimeout = errors.New("call timed out")
	// ErrCancelled is returned by Wait on a cancelled slot.
	ErrCancelled = errors.New("call cancelled")
	// ErrClosed is the default reason passed to FailAll.
	ErrClosed = errors.New("call table closed")
)

const (
	statePending int32 = iota
	stateResolved
	stateCancelled
	stateFailed
)

const tableShards = 16

type tableShard struct {
	mu    sync.Mutex
	slots map[uint32]*Slot
}

// Table is a sharded map from correlation handle to pending slot.
type Table struct {
	shards [tableShards]tableShard
	nextID atomic.Uint32
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].slots = make(map[uint32]*Slot)
	}
	return t
}

func (t *Table) shard(h uint32) *tableShard {
	return &t.shards[h&(tableShards-1)]
}

// Allocate registers a new pending slot and returns its handle. Handles are
// never zero and are unique among live slots.
func (t *Table) Allocate() (uint32, *Slot) {
	for {
		h := t.nextID.Add(1)
		if h == 0 {
			continue
		}
		s := t.shard(h)
		s.mu.Lock()
		if _, taken := s.slots[h]; taken {
			s.mu.Unlock()
			continue
		}
		slot := &Slot{handle: h, table: t, done: make(chan struct{})}
		s.slots[h] = slot
		s.mu.Unlock()
		return h, slot
	}
}

// Resolve completes the slot registered under h with msg. It returns true if
// h belongs to a live slot, including one that was already cancelled, in
// which case msg is discarded. It returns false for unknown handles.
func (t *Table) Resolve(h uint32, msg *messages.Message) bool {
	s := t.shard(h)
	s.mu.Lock()
	slot, ok := s.slots[h]
	s.mu.Unlock()
	if !ok {
		return false
	}
	slot.finish(stateResolved, msg, nil)
	return true
}

// FailAll terminates every pending slot with err and empties the table.
// Waiters return err. Slots must still be released by their owners.
func (t *Table) FailAll(err error) int {
	failed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for h, slot := range s.slots {
			if slot.finish(stateFailed, nil, err) {
				failed++
			}
			delete(s.slots, h)
		}
		s.mu.Unlock()
	}
	return failed
}

// Len returns the number of slots in the table.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.slots)
		s.mu.Unlock()
	}
	return n
}

func (t *Table) remove(h uint32) {
	s := t.shard(h)
	s.mu.Lock()
	delete(s.slots, h)
	s.mu.Unlock()
}

// Slot is a single outstanding call.
type Slot struct {
	handle   uint32
	table    *Table
	state    atomic.Int32
	done     chan struct{}
	result   *messages.Message
	err      error
	released atomic.Bool
}

// Handle returns the correlation handle of the slot.
func (s *Slot) Handle() uint32 {
	return s.handle
}

// finish moves the slot out of pending. Only the first caller wins.
func (s *Slot) finish(state int32, msg *messages.Message, err error) bool {
	if !s.state.CompareAndSwap(statePending, state) {
		return false
	}
	s.result = msg
	s.err = err
	close(s.done)
	return true
}

// Wait blocks until the slot leaves the pending state or timeout elapses.
// A non-positive timeout polls. Wait may be called repeatedly.
func (s *Slot) Wait(timeout time.Duration) (*messages.Message, error) {
	if timeout <= 0 {
		select {
		case <-s.done:
			return s.outcome()
		default:
			return nil, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.outcome()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Done returns a channel closed when the slot leaves the pending state.
func (s *Slot) Done() <-chan struct{} {
	return s.done
}

func (s *Slot) outcome() (*messages.Message, error) {
	switch s.state.Load() {
	case stateResolved:
		return s.result, nil
	case stateCancelled:
		return nil, ErrCancelled
	default:
		return nil, s.err
	}
}

// Cancel marks a pending slot so that a late reply is discarded. It returns
// false if the slot had already been resolved, cancelled or failed.
func (s *Slot) Cancel() bool {
	return s.finish(stateCancelled, nil, nil)
}

// Release removes the slot from its table. It must be called exactly once.
func (s *Slot) Release() {
	if s.released.Swap(true) {
		panic(fmt.Sprintf("calls: slot %d released twice", s.handle))
	}
	s.table.remove(s.handle)
}
