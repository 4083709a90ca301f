package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

func newArena(t *testing.T) *dma.Arena {
	t.Helper()
	a, err := dma.New(dma.Options{
		Size:     1 << 20,
		MinBlock: hal.PageSize,
		MaxBlock: 256 << 10,
		Base:     0x2000_0000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func newRing(t *testing.T, records int) *Ring {
	t.Helper()
	r, err := New(newArena(t), records)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r
}

func stored(r *Ring, i int) trb.TRB {
	return trb.Load(r.slot(i))
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Limits(t *testing.T) {
	a := newArena(t)

	_, err := New(a, MinRecords-1)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = New(a, MaxRecords+1)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	r, err := New(a, MinRecords)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Capacity())
	r.Release()
}

func TestNew_LinkRecord(t *testing.T) {
	r := newRing(t, 8)

	link := stored(r, 7)
	assert.Equal(t, trb.TypeLink, link.Type())
	assert.Equal(t, r.Base(), link.Pointer())
	assert.True(t, link.Has(trb.FlagToggleCycle))
	assert.False(t, link.Cycle(), "link must not be owned by hardware before the first pass")

	assert.Zero(t, uint64(r.Base())%hal.PageSize)
	assert.True(t, r.Cycle())
	assert.Equal(t, r.Base(), r.EnqueuePointer())
	assert.Equal(t, r.Base(), r.DequeuePointer())
	assert.Equal(t, 6, r.Capacity())
	assert.Equal(t, 6, r.Free())
}

// =============================================================================
// Enqueue
// =============================================================================

func TestEnqueue_WritesCycleAndReturnsHandle(t *testing.T) {
	r := newRing(t, 8)

	h, err := r.Enqueue(trb.Normal(0x1234_0000, 512))
	require.NoError(t, err)
	assert.False(t, h.IsZero())
	assert.Equal(t, r.Base(), h.Addr())
	assert.True(t, h.Cycle())
	assert.Same(t, r, h.Ring())

	rec := stored(r, 0)
	assert.Equal(t, trb.TypeNormal, rec.Type())
	assert.True(t, rec.Cycle())
	assert.Equal(t, 512, rec.Length())
	assert.Equal(t, r.Base()+trb.Size, r.EnqueuePointer())
	assert.Equal(t, 5, r.Free())
}

func TestEnqueue_Backpressure(t *testing.T) {
	r := newRing(t, 5)

	var handles []Handle
	for i := 0; i < r.Capacity(); i++ {
		h, err := r.Enqueue(trb.Normal(hal.PhysAddr(0x1000*(i+1)), 8))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 0, r.Free())

	before := stored(r, 3)
	h, err := r.Enqueue(trb.Normal(0xdead_0000, 8))
	assert.ErrorIs(t, err, pkg.ErrWouldBlock)
	assert.True(t, h.IsZero())
	assert.Equal(t, before, stored(r, 3), "full ring must be left untouched")

	require.True(t, r.AdvanceDequeue(handles[0].Addr()))
	assert.Equal(t, 1, r.Free())

	_, err = r.Enqueue(trb.Normal(0xbeef_0000, 8))
	assert.NoError(t, err)
}

func TestEnqueue_Wraparound(t *testing.T) {
	const records = 4
	r := newRing(t, records)
	usable := records - 1

	flips := 0
	cycle := r.Cycle()
	for i := 0; i < 3*usable; i++ {
		h, err := r.Enqueue(trb.Normal(hal.PhysAddr(0x1000), 8))
		require.NoError(t, err)
		assert.Equal(t, cycle, h.Cycle())
		assert.Equal(t, h.Cycle(), stored(r, h.index).Cycle())
		require.True(t, r.AdvanceDequeue(h.Addr()))

		if r.Cycle() != cycle {
			flips++
			cycle = r.Cycle()
			link := stored(r, records-1)
			assert.Equal(t, h.Cycle(), link.Cycle(), "link handed over with the pre-flip cycle")
		}
	}
	assert.Equal(t, 3, flips, "cycle flips exactly once per traversal")
	assert.Equal(t, r.Base(), r.EnqueuePointer())
}

func TestEnqueue_LinkCarriesChain(t *testing.T) {
	r := newRing(t, 4)

	rec := trb.Normal(0x1000, 8)
	for i := 0; i < 2; i++ {
		h, err := r.Enqueue(rec)
		require.NoError(t, err)
		require.True(t, r.AdvanceDequeue(h.Addr()))
	}

	rec.Set(trb.FlagChain)
	h, err := r.Enqueue(rec)
	require.NoError(t, err)
	assert.Equal(t, 2, h.index)

	link := stored(r, 3)
	assert.True(t, link.Has(trb.FlagChain))
	assert.True(t, link.Cycle())
	assert.False(t, r.Cycle())
}

func TestEnqueue_AfterRelease(t *testing.T) {
	r, err := New(newArena(t), 8)
	require.NoError(t, err)
	r.Release()
	r.Release()

	_, err = r.Enqueue(trb.Normal(0, 0))
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
}

// =============================================================================
// EnqueueChain
// =============================================================================

func TestEnqueueChain_Flags(t *testing.T) {
	r := newRing(t, 16)

	recs := []trb.TRB{
		trb.Normal(0x1000, 64),
		trb.Normal(0x2000, 64),
		trb.Normal(0x3000, 64),
	}
	recs[2].Set(trb.FlagChain)

	handles, err := r.EnqueueChain(recs)
	require.NoError(t, err)
	require.Len(t, handles, 3)

	for i, h := range handles {
		rec := stored(r, h.index)
		assert.True(t, rec.Cycle())
		assert.Equal(t, i < 2, rec.Has(trb.FlagChain), "record %d", i)
		assert.Equal(t, r.Base()+hal.PhysAddr(i*trb.Size), h.Addr())
	}
}

func TestEnqueueChain_AllOrNothing(t *testing.T) {
	r := newRing(t, 6)

	_, err := r.EnqueueChain(make([]trb.TRB, 3))
	require.NoError(t, err)

	enq := r.EnqueuePointer()
	_, err = r.EnqueueChain(make([]trb.TRB, 2))
	assert.ErrorIs(t, err, pkg.ErrWouldBlock)
	assert.Equal(t, enq, r.EnqueuePointer())
	assert.Equal(t, 1, r.Free())

	_, err = r.EnqueueChain(make([]trb.TRB, 5))
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestEnqueueChain_AcrossLink(t *testing.T) {
	r := newRing(t, 4)

	_, err := r.Enqueue(trb.Normal(0x1000, 8))
	require.NoError(t, err)
	h, err := r.Enqueue(trb.Normal(0x1000, 8))
	require.NoError(t, err)
	require.True(t, r.AdvanceDequeue(h.Addr()))

	handles, err := r.EnqueueChain([]trb.TRB{trb.Normal(0x2000, 8), trb.Normal(0x3000, 8)})
	require.NoError(t, err)

	assert.Equal(t, 2, handles[0].index)
	assert.True(t, handles[0].Cycle())
	assert.Equal(t, 0, handles[1].index)
	assert.False(t, handles[1].Cycle())

	link := stored(r, 3)
	assert.True(t, link.Has(trb.FlagChain))
	assert.True(t, link.Cycle())

	last := stored(r, 0)
	assert.False(t, last.Cycle())
	assert.False(t, last.Has(trb.FlagChain))
	assert.Equal(t, hal.PhysAddr(0x3000), last.Pointer())
	assert.Equal(t, 0, r.Free())
}

// =============================================================================
// Dequeue
// =============================================================================

func TestAdvanceDequeue_Window(t *testing.T) {
	r := newRing(t, 8)

	var hs []Handle
	for i := 0; i < 4; i++ {
		h, err := r.Enqueue(trb.Normal(0x1000, 8))
		require.NoError(t, err)
		hs = append(hs, h)
	}

	assert.True(t, r.AdvanceDequeue(hs[1].Addr()))
	assert.Equal(t, hs[2].Addr(), r.DequeuePointer())

	// Already consumed: must not move backwards.
	assert.False(t, r.AdvanceDequeue(hs[0].Addr()))
	assert.Equal(t, hs[2].Addr(), r.DequeuePointer())

	// Not yet enqueued.
	assert.False(t, r.AdvanceDequeue(r.Base()+5*trb.Size))

	// Link slot, misaligned, foreign.
	assert.False(t, r.AdvanceDequeue(r.Base()+7*trb.Size))
	assert.False(t, r.AdvanceDequeue(hs[2].Addr()+4))
	assert.False(t, r.AdvanceDequeue(0x10))

	assert.True(t, r.AdvanceDequeue(hs[3].Addr()))
	assert.Equal(t, r.Capacity(), r.Free())
}

func TestPositionAfter(t *testing.T) {
	r := newRing(t, 4)

	h0, err := r.Enqueue(trb.Normal(0x1000, 8))
	require.NoError(t, err)
	h1, err := r.Enqueue(trb.Normal(0x1000, 8))
	require.NoError(t, err)

	addr, cycle, ok := r.PositionAfter(h0)
	require.True(t, ok)
	assert.Equal(t, h1.Addr(), addr)
	assert.True(t, cycle)

	require.True(t, r.AdvanceDequeue(h1.Addr()))
	h2, err := r.Enqueue(trb.Normal(0x1000, 8))
	require.NoError(t, err)

	addr, cycle, ok = r.PositionAfter(h2)
	require.True(t, ok)
	assert.Equal(t, r.Base(), addr)
	assert.False(t, cycle, "position past the link takes the toggled cycle")

	other := newRing(t, 4)
	_, _, ok = other.PositionAfter(h0)
	assert.False(t, ok)
}

func TestContains(t *testing.T) {
	r := newRing(t, 8)
	assert.True(t, r.Contains(r.Base()))
	assert.True(t, r.Contains(r.Base()+6*trb.Size))
	assert.False(t, r.Contains(r.Base()+7*trb.Size))
	assert.False(t, r.Contains(r.Base()-trb.Size))
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkEnqueueAdvance(b *testing.B) {
	a, err := dma.New(dma.DefaultOptions())
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()
	r, err := New(a, DefaultRecords)
	if err != nil {
		b.Fatal(err)
	}
	defer r.Release()

	rec := trb.Normal(0x1000, 512)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, _ := r.Enqueue(rec)
		r.AdvanceDequeue(h.Addr())
	}
}
