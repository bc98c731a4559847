// Package refcount provides the shared-ownership counter used by the connector,
// its callback registry entries, and callback objects.
//
// A Counter starts at one (the creator's reference). Retain adds a reference,
// Release drops one and reports whether it was the last. The owner destroys
// the object exactly when Release returns true.
//
//	type thing struct {
//	    refs refcount.Counter
//	}
//
//	t := &thing{}
//	t.refs.Init()
//	t.refs.Retain()
//	if t.refs.Release() {
//	    t.destroy()
//	}
//
// Misuse is a programming error: releasing past zero, or retaining an object
// whose count already reached zero, panics.
package refcount

import (
	"fmt"
	"sync/atomic"
)

// Counter is an atomic reference count. The zero value has a count of zero
// and must be initialised with Init (or constructed with New) before use.
type Counter struct {
	n atomic.Int32
}

// New returns a counter holding n references.
func New(n int32) *Counter {
	c := &Counter{}
	c.n.Store(n)
	return c
}

// Init sets the count to one. It must only be called before the object is
// shared with other goroutines.
func (c *Counter) Init() {
	c.n.Store(1)
}

// Retain adds a reference.
func (c *Counter) Retain() {
	if v := c.n.Add(1); v <= 1 {
		panic(fmt.Sprintf("refcount: retain of released object (count now %d)", v))
	}
}

// Release drops a reference and returns true if it was the last one.
func (c *Counter) Release() bool {
	v := c.n.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("refcount: release of object with zero references (count now %d)", v))
	}
	return v == 0
}

// Count returns the current number of references. The value is only a
// snapshot and is intended for diagnostics and tests.
func (c *Counter) Count() int32 {
	return c.n.Load()
}
