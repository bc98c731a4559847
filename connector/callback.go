package connector

import (
	"context"

	"github.com/smnsjas/go-ogconnector/messages"
	"github.com/smnsjas/go-ogconnector/refcount"
)

// Callback receives push messages of the classes it is registered for.
// OnMessage runs on a dispatch worker, never on the channel's notification
// goroutine. Deliveries to one registration are serial and in arrival order.
//
// Callbacks are compared with == by RemoveCallback, so the dynamic type must
// be comparable; use a pointer.
type Callback interface {
	OnMessage(ctx context.Context, msg *messages.Message)
}

// ThreadDisconnecter is implemented by callbacks that hold per-worker
// resources. OnThreadDisconnect runs on a worker that delivered to the
// callback, just before that worker exits.
type ThreadDisconnecter interface {
	OnThreadDisconnect()
}

// Retainer is implemented by reference counted callbacks. The registry
// retains the callback for each registration and releases it when the
// registration is removed or the connector is destroyed.
type Retainer interface {
	Retain()
	Release()
}

// FuncCallback adapts plain functions to Callback. It is reference counted
// and starts with the creator's reference.
type FuncCallback struct {
	refs      refcount.Counter
	onMessage func(ctx context.Context, msg *messages.Message)
	onThread  func()
	onDestroy func()
}

var (
	_ Callback           = (*FuncCallback)(nil)
	_ ThreadDisconnecter = (*FuncCallback)(nil)
	_ Retainer           = (*FuncCallback)(nil)
)

// NewFuncCallback returns a callback calling fn for each message.
func NewFuncCallback(fn func(ctx context.Context, msg *messages.Message)) *FuncCallback {
	f := &FuncCallback{onMessage: fn}
	f.refs.Init()
	return f
}

// WithThreadDisconnect sets the function run by OnThreadDisconnect. It must
// be called before the callback is registered.
func (f *FuncCallback) WithThreadDisconnect(fn func()) *FuncCallback {
	f.onThread = fn
	return f
}

// WithDestroy sets a function run when the last reference is released. It
// must be called before the callback is registered.
func (f *FuncCallback) WithDestroy(fn func()) *FuncCallback {
	f.onDestroy = fn
	return f
}

// OnMessage calls the message function.
func (f *FuncCallback) OnMessage(ctx context.Context, msg *messages.Message) {
	if f.onMessage != nil {
		f.onMessage(ctx, msg)
	}
}

// OnThreadDisconnect calls the thread disconnect function, if any.
func (f *FuncCallback) OnThreadDisconnect() {
	if f.onThread != nil {
		f.onThread()
	}
}

// Retain adds a reference.
func (f *FuncCallback) Retain() {
	f.refs.Retain()
}

// Release drops a reference, running the destroy function on the last one.
func (f *FuncCallback) Release() {
	if f.refs.Release() && f.onDestroy != nil {
		f.onDestroy()
	}
}

// Refs returns the current reference count.
func (f *FuncCallback) Refs() int32 {
	return f.refs.Count()
}
