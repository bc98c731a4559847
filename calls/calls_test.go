package calls

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-ogconnector/messages"
)

func reply(t *testing.T, h uint32) *messages.Message {
	t.Helper()
	msg, err := messages.MustNew("Result", map[string]any{"value": 1}).WithHandle(h)
	require.NoError(t, err)
	return msg
}

func TestAllocateUniqueNonZero(t *testing.T) {
	table := NewTable()
	table.nextID.Store(^uint32(0) - 2)

	seen := make(map[uint32]bool)
	var slots []*Slot
	for i := 0; i < 6; i++ {
		h, slot := table.Allocate()
		require.NotZero(t, h)
		require.False(t, seen[h], "handle %d reused", h)
		seen[h] = true
		slots = append(slots, slot)
	}
	assert.Equal(t, 6, table.Len())

	for _, s := range slots {
		s.Release()
	}
	assert.Zero(t, table.Len())
}

func TestAllocateSkipsLiveHandleAfterWrap(t *testing.T) {
	table := NewTable()
	h1, s1 := table.Allocate()
	defer s1.Release()

	table.nextID.Store(h1 - 1)
	h2, s2 := table.Allocate()
	defer s2.Release()

	assert.NotEqual(t, h1, h2)
}

func TestResolve(t *testing.T) {
	table := NewTable()
	h, slot := table.Allocate()
	defer slot.Release()

	want := reply(t, h)
	go func() {
		time.Sleep(10 * time.Millisecond)
		table.Resolve(h, want)
	}()

	got, err := slot.Wait(time.Second)
	require.NoError(t, err)
	assert.Same(t, want, got)

	again, err := slot.Wait(0)
	require.NoError(t, err)
	assert.Same(t, want, again, "Wait is repeatable")

	assert.True(t, table.Resolve(h, reply(t, h)), "handle still live until release")
	got, _ = slot.Wait(0)
	assert.Same(t, want, got, "second reply must not replace the first")
}

func TestResolveUnknownHandle(t *testing.T) {
	table := NewTable()
	assert.False(t, table.Resolve(99, reply(t, 99)))

	h, slot := table.Allocate()
	slot.Release()
	assert.False(t, table.Resolve(h, reply(t, h)), "released slot is unknown")
}

func TestWaitTimeout(t *testing.T) {
	table := NewTable()
	h, slot := table.Allocate()
	defer slot.Release()

	_, err := slot.Wait(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	_, err = slot.Wait(0)
	require.ErrorIs(t, err, ErrTimeout)

	require.True(t, slot.Cancel())
	assert.True(t, table.Resolve(h, reply(t, h)))
	_, err = slot.Wait(0)
	assert.ErrorIs(t, err, ErrCancelled, "late reply after cancel is dropped")
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name       string
		resolve    bool
		wantCancel bool
		wantErr    error
	}{
		{name: "before resolution", resolve: false, wantCancel: true, wantErr: ErrCancelled},
		{name: "after resolution", resolve: true, wantCancel: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable()
			h, slot := table.Allocate()
			defer slot.Release()

			var sent *messages.Message
			if tt.resolve {
				sent = reply(t, h)
				require.True(t, table.Resolve(h, sent))
			}

			assert.Equal(t, tt.wantCancel, slot.Cancel())
			assert.False(t, slot.Cancel(), "second cancel never succeeds")

			got, err := slot.Wait(0)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Same(t, sent, got)
		})
	}
}

func TestCancelResolveRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		table := NewTable()
		h, slot := table.Allocate()
		msg := reply(t, h)

		var wg sync.WaitGroup
		var cancelled bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled = slot.Cancel()
		}()
		go func() {
			defer wg.Done()
			table.Resolve(h, msg)
		}()
		wg.Wait()

		got, err := slot.Wait(0)
		if cancelled {
			require.ErrorIs(t, err, ErrCancelled)
		} else {
			require.NoError(t, err)
			require.Same(t, msg, got)
		}
		slot.Release()
	}
}

func TestFailAll(t *testing.T) {
	table := NewTable()
	_, pending := table.Allocate()
	h, resolved := table.Allocate()
	require.True(t, table.Resolve(h, reply(t, h)))

	errShutdown := errors.New("shutdown")
	assert.Equal(t, 1, table.FailAll(errShutdown))
	assert.Zero(t, table.Len())

	_, err := pending.Wait(0)
	assert.ErrorIs(t, err, errShutdown)
	_, err = resolved.Wait(0)
	assert.NoError(t, err, "resolved slot keeps its result")

	pending.Release()
	resolved.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	table := NewTable()
	_, slot := table.Allocate()
	slot.Release()
	assert.Panics(t, slot.Release)
}
