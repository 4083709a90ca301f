package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/host/ring"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

func newTestArena(t *testing.T) *dma.Arena {
	t.Helper()
	mem, err := dma.New(dma.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	return mem
}

func newTestRing(t *testing.T, records int) *ring.Ring {
	t.Helper()
	return newArenaRing(t, newTestArena(t), records)
}

// newArenaRing places a ring in mem. Rings tracked together must share
// an arena so their bus addresses stay distinct.
func newArenaRing(t *testing.T, mem *dma.Arena, records int) *ring.Ring {
	t.Helper()
	r, err := ring.New(mem, records)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r
}

// =============================================================================
// Tracker Tests
// =============================================================================

func TestTracker_Register(t *testing.T) {
	r := newTestRing(t, 8)
	tr := newTracker()

	h, err := r.Enqueue(trb.Normal(0, 0))
	require.NoError(t, err)

	f, err := tr.register(h)
	require.NoError(t, err)
	assert.Equal(t, h.Addr(), f.Key())
	assert.Equal(t, 1, tr.count())

	_, err = tr.register(h)
	assert.ErrorIs(t, err, pkg.ErrDuplicateInflight)
	assert.Equal(t, 1, tr.count())

	_, err = tr.register(ring.Handle{})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestTracker_Resolve(t *testing.T) {
	r := newTestRing(t, 8)
	tr := newTracker()

	hs, fs, err := tr.submit(r, []trb.TRB{trb.Normal(0, 0)})
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, 1, r.Capacity()-r.Free())

	ev := trb.TransferEvent(hs[0].Addr(), 0, trb.CodeSuccess, 1, 3)
	assert.True(t, tr.resolve(hs[0].Addr(), ev))
	assert.Zero(t, tr.count())
	assert.Equal(t, r.Capacity(), r.Free())

	got, err := fs[0].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	// A second completion for the same record is ignored
	assert.False(t, tr.resolve(hs[0].Addr(), ev))
}

func TestTracker_ResolveUnknown(t *testing.T) {
	tr := newTracker()
	assert.False(t, tr.resolve(0xDEAD0, trb.TransferEvent(0xDEAD0, 0, trb.CodeSuccess, 1, 1)))
	assert.Zero(t, tr.count())
}

func TestTracker_SignalOnce(t *testing.T) {
	r := newTestRing(t, 8)
	h, err := r.Enqueue(trb.Normal(0, 0))
	require.NoError(t, err)

	f := newInflight(h)
	first := trb.TransferEvent(h.Addr(), 0, trb.CodeSuccess, 1, 1)
	second := trb.TransferEvent(h.Addr(), 4, trb.CodeShortPacket, 1, 1)

	assert.True(t, f.signal(first, nil))
	assert.False(t, f.signal(second, pkg.ErrCancelled))

	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestTracker_WaitContext(t *testing.T) {
	r := newTestRing(t, 8)
	h, err := r.Enqueue(trb.Normal(0, 0))
	require.NoError(t, err)
	f := newInflight(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTracker_Backpressure(t *testing.T) {
	r := newTestRing(t, 4) // Capacity 2
	tr := newTracker()

	hs, _, err := tr.submit(r, []trb.TRB{trb.Normal(0, 0), trb.Normal(0, 0)})
	require.NoError(t, err)

	_, _, err = tr.submit(r, []trb.TRB{trb.Normal(0, 0)})
	assert.ErrorIs(t, err, pkg.ErrWouldBlock)
	assert.Equal(t, 2, tr.count())

	tr.resolve(hs[0].Addr(), trb.TransferEvent(hs[0].Addr(), 0, trb.CodeSuccess, 1, 3))
	tr.resolve(hs[1].Addr(), trb.TransferEvent(hs[1].Addr(), 0, trb.CodeSuccess, 1, 3))

	_, _, err = tr.submit(r, []trb.TRB{trb.Normal(0, 0)})
	assert.NoError(t, err)
}

func TestTracker_Forget(t *testing.T) {
	r := newTestRing(t, 8)
	tr := newTracker()

	hs, fs, err := tr.submit(r, []trb.TRB{trb.Normal(0, 0), trb.Normal(0, 0)})
	require.NoError(t, err)

	tr.forget(hs[0].Addr())
	_, err = fs[0].Wait(context.Background())
	assert.ErrorIs(t, err, pkg.ErrCancelled)
	assert.Equal(t, 1, tr.count())

	// Forgetting an unknown record is harmless
	tr.forget(0x1234)
	assert.Equal(t, 1, tr.count())
}

func TestTracker_Abort(t *testing.T) {
	mem := newTestArena(t)
	a := newArenaRing(t, mem, 8)
	b := newArenaRing(t, mem, 8)
	require.NotEqual(t, a.Base(), b.Base())
	tr := newTracker()

	_, fa, err := tr.submit(a, []trb.TRB{trb.Normal(0, 0), trb.Normal(0, 0)})
	require.NoError(t, err)
	_, fb, err := tr.submit(b, []trb.TRB{trb.Normal(0, 0)})
	require.NoError(t, err)

	assert.Equal(t, 2, tr.abortRing(a, pkg.ErrNoDevice))
	for _, f := range fa {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, pkg.ErrNoDevice)
	}
	assert.Equal(t, 1, tr.count())

	assert.Equal(t, 1, tr.abortAll(pkg.ErrCancelled))
	_, err = fb[0].Wait(context.Background())
	assert.ErrorIs(t, err, pkg.ErrCancelled)
	assert.Zero(t, tr.count())
}

// =============================================================================
// Deferred Work Tests
// =============================================================================

func TestDPC_Order(t *testing.T) {
	d := newDPC()
	assert.False(t, d.schedule(func() {}))

	d.start()
	defer d.halt()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, d.schedule(func() { got = append(got, i) }))
	}
	require.True(t, d.schedule(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("deferred work not run")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestDPC_Halt(t *testing.T) {
	d := newDPC()
	d.start()

	block := make(chan struct{})
	started := make(chan struct{})
	ran := false
	require.True(t, d.schedule(func() {
		close(started)
		<-block
	}))
	require.True(t, d.schedule(func() { ran = true }))

	<-started
	go func() {
		time.Sleep(5 * time.Millisecond)
		close(block)
	}()
	d.halt()

	assert.False(t, ran)
	assert.False(t, d.schedule(func() {}))

	// Halting twice is harmless and the worker can be restarted
	d.halt()
	d.start()
	defer d.halt()
	done := make(chan struct{})
	require.True(t, d.schedule(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("restarted worker did not run")
	}
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 4
	cfg.RetryBackoff = time.Microsecond
	cfg.RetryBackoffMax = 10 * time.Microsecond
	h := &Host{cfg: cfg}

	tests := []struct {
		name     string
		failures int
		err      error
		calls    int
		expected error
	}{
		{"immediate success", 0, nil, 1, nil},
		{"success after backoff", 2, pkg.ErrWouldBlock, 3, nil},
		{"attempts exhausted", 10, pkg.ErrWouldBlock, 4, pkg.ErrWouldBlock},
		{"other error not retried", 10, pkg.ErrStall, 1, pkg.ErrStall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := h.retry(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.calls, calls)
			if tt.expected == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expected)
			}
		})
	}
}

func TestRetry_Cancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Hour
	h := &Host{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := h.retry(ctx, func() error { return pkg.ErrWouldBlock })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
