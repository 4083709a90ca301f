package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	a, err := New(Options{
		Size:     1 << 20,
		MinBlock: hal.PageSize,
		MaxBlock: 256 << 10,
		Base:     0x4000_0000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{Size: 1 << 20, MinBlock: hal.PageSize, MaxBlock: 256 << 10, Base: 0x123})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = New(Options{Size: 100 << 10, MinBlock: hal.PageSize, MaxBlock: 256 << 10, Base: 0})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestArena_AllocAlignment(t *testing.T) {
	a := newTestArena(t)

	for _, align := range []int{16, 64, hal.PageSize} {
		buf, err := a.Alloc(100, align)
		require.NoError(t, err)
		assert.Equal(t, 100, buf.Len())
		assert.Zero(t, uint64(buf.Addr)%uint64(align), "align %d", align)
		assert.GreaterOrEqual(t, uint64(buf.Addr), uint64(a.Base()))
	}

	_, err := a.Alloc(100, 24)
	assert.ErrorIs(t, err, ErrBadAlign)

	_, err = a.Alloc(0, 16)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestArena_AllocZeroed(t *testing.T) {
	a := newTestArena(t)

	buf, err := a.Alloc(256, 16)
	require.NoError(t, err)
	for i := range buf.Data {
		buf.Data[i] = 0xAA
	}
	a.Free(buf)

	again, err := a.Alloc(256, 16)
	require.NoError(t, err)
	for i, b := range again.Data {
		require.Zero(t, b, "byte %d not zeroed", i)
	}
}

func TestArena_MapAliasesBuffer(t *testing.T) {
	a := newTestArena(t)

	buf, err := a.Alloc(64, 64)
	require.NoError(t, err)
	buf.Data[10] = 0x5A

	view, err := a.Map(buf.Addr, 64)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), view[10])

	view[11] = 0xA5
	assert.Equal(t, byte(0xA5), buf.Data[11])

	_, err = a.Map(a.Base()-16, 16)
	assert.ErrorIs(t, err, ErrNotInArena)
	_, err = a.Map(a.Base()+1<<20-8, 16)
	assert.ErrorIs(t, err, ErrNotInArena)
}

func TestArena_Exhaustion(t *testing.T) {
	a := newTestArena(t)

	var bufs []hal.Buffer
	for {
		buf, err := a.Alloc(200<<10, 16)
		if err != nil {
			assert.ErrorIs(t, err, pkg.ErrNoMemory)
			break
		}
		bufs = append(bufs, buf)
	}
	assert.Len(t, bufs, 4)

	for _, buf := range bufs {
		a.Free(buf)
	}
	_, err := a.Alloc(200<<10, 16)
	assert.NoError(t, err)
}

func TestArena_Scatter(t *testing.T) {
	a := newTestArena(t)

	buf, err := a.Alloc(100<<10, BoundarySize)
	require.NoError(t, err)

	regions, err := a.Scatter(buf.Data[:20000])
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, hal.Region{Addr: buf.Addr, Length: 20000}, regions[0])

	regions, err = a.Scatter(buf.Data[BoundarySize-100 : BoundarySize+100])
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, 100, regions[0].Length)
	assert.Equal(t, 100, regions[1].Length)
	assert.Equal(t, buf.Addr+BoundarySize, regions[1].Addr)

	_, err = a.Scatter(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNotInArena)

	regions, err = a.Scatter(nil)
	assert.NoError(t, err)
	assert.Nil(t, regions)
}
