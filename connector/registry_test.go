package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-ogconnector/messages"
)

type countingCallback struct {
	mu     sync.Mutex
	counts map[string]int
	seqs   []int64
}

func newCountingCallback() *countingCallback {
	return &countingCallback{counts: make(map[string]int)}
}

func (c *countingCallback) OnMessage(_ context.Context, msg *messages.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[msg.Class()]++
	c.seqs = append(c.seqs, msg.Get("seq").Int())
}

func (c *countingCallback) count(class string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[class]
}

func TestPushFanOutByClass(t *testing.T) {
	c, ch := startFake(t)
	defer release(t, c)

	a1, a2, b := newCountingCallback(), newCountingCallback(), newCountingCallback()
	require.NoError(t, c.AddCallback("A", a1))
	require.NoError(t, c.AddCallback("A", a2))
	require.NoError(t, c.AddCallback("B", b))

	ch.deliver(messages.MustNew("A", nil))
	ch.deliver(messages.MustNew("C", nil))

	require.Eventually(t, func() bool {
		return a1.count("A") == 1 && a2.count("A") == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a1.count("A"), "delivered more than once")
	assert.Equal(t, 1, a2.count("A"), "delivered more than once")
	assert.Zero(t, b.count("A"))
	assert.Zero(t, b.count("C"))
	assert.Equal(t, uint64(2), c.DispatchStats().Delivered)
}

func TestClassFilterIsExact(t *testing.T) {
	c, ch := startFake(t)
	defer release(t, c)

	cb := newCountingCallback()
	require.NoError(t, c.AddCallback("X", cb))

	for _, class := range []string{"x", "X ", "XY", ""} {
		ch.deliver(messages.MustNew(class, nil))
	}
	ch.deliver(messages.MustNew("X", nil))

	require.Eventually(t, func() bool { return cb.count("X") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), c.DispatchStats().Submitted)
}

func TestPerCallbackDeliveryOrder(t *testing.T) {
	c, ch := startFake(t)
	defer release(t, c)

	cb := newCountingCallback()
	require.NoError(t, c.AddCallback("Tick", cb))

	const n = 100
	for i := 0; i < n; i++ {
		ch.deliver(messages.MustNew("Tick", map[string]any{"seq": i}))
	}

	require.Eventually(t, func() bool { return cb.count("Tick") == n }, 2*time.Second, time.Millisecond)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for i, v := range cb.seqs {
		require.Equal(t, int64(i), v)
	}
}

func TestNotificationGoroutineDoesNotWaitForCallbacks(t *testing.T) {
	c, ch := startFake(t)
	defer release(t, c)

	unblock := make(chan struct{})
	cb := NewFuncCallback(func(context.Context, *messages.Message) { <-unblock })
	require.NoError(t, c.AddCallback("Slow", cb))
	defer cb.Release()

	done := make(chan struct{})
	go func() {
		ch.deliver(messages.MustNew("Slow", nil))
		ch.deliver(messages.MustNew("Slow", nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a running callback")
	}
	close(unblock)
}

func TestRemoveCallback(t *testing.T) {
	c, ch := startFake(t)
	defer release(t, c)

	cb := NewFuncCallback(func(context.Context, *messages.Message) {})
	other := NewFuncCallback(func(context.Context, *messages.Message) {})
	require.NoError(t, c.AddCallback("A", cb))
	require.NoError(t, c.AddCallback("B", cb))
	require.NoError(t, c.AddCallback("A", other))
	assert.Equal(t, 3, c.registry.len())

	assert.True(t, c.RemoveCallback(cb))
	assert.Equal(t, int32(1), cb.Refs(), "all registrations must be released")
	assert.Equal(t, 1, c.registry.len())
	assert.False(t, c.RemoveCallback(cb))

	ch.deliver(messages.MustNew("B", nil))
	assert.Zero(t, c.DispatchStats().Submitted)

	assert.True(t, c.RemoveCallback(other))
	assert.Zero(t, c.registry.len())
	cb.Release()
	other.Release()
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	c, _ := startFake(t)
	defer release(t, c)

	cb := NewFuncCallback(func(context.Context, *messages.Message) {})
	require.NoError(t, c.AddCallback("A", cb))
	assert.Panics(t, func() { _ = c.AddCallback("A", cb) })
	assert.Equal(t, int32(2), cb.Refs(), "panicking registration leaked a reference")
	assert.Equal(t, 1, c.registry.len())

	require.NoError(t, c.AddCallback("B", cb), "same callback under another class is allowed")
	assert.Error(t, c.AddCallback("A", nil))
}

func TestConcurrentAddRemove(t *testing.T) {
	c, ch := startFake(t)
	defer release(t, c)

	const workers = 16
	const perWorker = 50

	keep := make([]*FuncCallback, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		keep[w] = NewFuncCallback(func(context.Context, *messages.Message) {})
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tmp := NewFuncCallback(func(context.Context, *messages.Message) {})
				class := fmt.Sprintf("C%d", i%3)
				assert.NoError(t, c.AddCallback(class, tmp))
				ch.deliver(messages.MustNew(class, nil))
				assert.True(t, c.RemoveCallback(tmp))
				tmp.Release()
			}
			assert.NoError(t, c.AddCallback(fmt.Sprintf("K%d", w), keep[w]))
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers, c.registry.len())
	for w, cb := range keep {
		assert.True(t, c.RemoveCallback(cb), "callback %d missing", w)
		assert.Equal(t, int32(1), cb.Refs())
	}
	assert.Zero(t, c.registry.len())
}

func TestConcurrentRegistrationsReleaseCallbacks(t *testing.T) {
	c, ch := startFake(t)

	var destroyed atomic.Int32
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb := NewFuncCallback(func(context.Context, *messages.Message) {}).
				WithDestroy(func() { destroyed.Add(1) })
			assert.NoError(t, c.AddCallback("A", cb))
			cb.Release()
		}()
	}
	wg.Wait()

	ch.deliver(messages.MustNew("A", nil))
	assert.Zero(t, destroyed.Load(), "callback destroyed while registered")

	release(t, c)
	assert.Equal(t, int32(n), destroyed.Load())
}

func TestInFlightDeliveryCompletesAfterRemove(t *testing.T) {
	c, ch := startFake(t)
	defer release(t, c)

	started := make(chan struct{})
	unblock := make(chan struct{})
	var delivered atomic.Int32
	var destroyed atomic.Bool
	cb := NewFuncCallback(func(context.Context, *messages.Message) {
		if delivered.Add(1) == 1 {
			close(started)
		}
		<-unblock
	}).WithDestroy(func() { destroyed.Store(true) })
	require.NoError(t, c.AddCallback("A", cb))

	ch.deliver(messages.MustNew("A", nil))
	<-started
	ch.deliver(messages.MustNew("A", nil))

	require.True(t, c.RemoveCallback(cb))
	cb.Release()
	assert.False(t, destroyed.Load(), "callback destroyed during delivery")

	close(unblock)
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, time.Second, time.Millisecond)
}
