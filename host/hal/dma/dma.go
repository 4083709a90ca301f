// Package dma provides a [hal.Memory] backed by one contiguous anonymous
// mapping.
//
// Buffers are carved out of the mapping by a buddy allocator and given
// synthetic bus addresses relative to a configurable base, so a software
// controller can resolve every pointer the driver hands it.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/cloudwego/gopkg/unsafex/malloc"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Default arena geometry.
const (
	DefaultSize     = 4 << 20
	DefaultMinBlock = hal.PageSize
	DefaultMaxBlock = 1 << 20
	DefaultBase     = hal.PhysAddr(0x1000_0000)
)

// BoundarySize is the span no scatter region may cross; transfer records
// must not describe a buffer that straddles a 64KB boundary.
const BoundarySize = 64 << 10

// minAlign is the alignment of every allocation (one ring record).
const minAlign = 16

// Errors.
var (
	ErrNotInArena = errors.New("address outside DMA arena")
	ErrBadAlign   = errors.New("alignment must be a power of two")
)

// Options configures an Arena.
type Options struct {
	Size     int          // Arena size; multiple of MaxBlock
	MinBlock int          // Smallest buddy block
	MaxBlock int          // Largest buddy block; bounds one allocation
	Base     hal.PhysAddr // Bus address of the first byte; page aligned
}

// DefaultOptions returns the default arena geometry.
func DefaultOptions() Options {
	return Options{
		Size:     DefaultSize,
		MinBlock: DefaultMinBlock,
		MaxBlock: DefaultMaxBlock,
		Base:     DefaultBase,
	}
}

// Arena implements hal.Memory over a single mapping.
type Arena struct {
	mu    sync.Mutex
	mem   []byte
	base  hal.PhysAddr
	buddy *malloc.BuddyAllocator
	live  map[hal.PhysAddr][]byte
}

// New maps an arena with the given options.
func New(opts Options) (*Arena, error) {
	if opts.Size == 0 {
		opts = DefaultOptions()
	}
	if opts.Base%hal.PageSize != 0 {
		return nil, fmt.Errorf("%w: base %#x not page aligned", pkg.ErrInvalidParameter, uint64(opts.Base))
	}

	mem, err := mapArena(opts.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrNoMemory, err)
	}

	buddy, err := malloc.NewBuddyAllocatorWithBlockSize(mem, opts.MinBlock, opts.MaxBlock)
	if err != nil {
		unmapArena(mem)
		return nil, fmt.Errorf("%w: %v", pkg.ErrInvalidParameter, err)
	}

	pkg.LogDebug(pkg.ComponentHAL, "dma arena mapped",
		"size", opts.Size,
		"base", fmt.Sprintf("%#x", uint64(opts.Base)))

	return &Arena{
		mem:   mem,
		base:  opts.Base,
		buddy: buddy,
		live:  make(map[hal.PhysAddr][]byte),
	}, nil
}

// Close unmaps the arena. Buffers must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unmapArena(a.mem)
	a.mem = nil
	a.live = nil
	return err
}

// Base returns the bus address of the first byte of the arena.
func (a *Arena) Base() hal.PhysAddr {
	return a.base
}

// Alloc returns a zeroed buffer aligned to align bytes.
func (a *Arena) Alloc(size, align int) (hal.Buffer, error) {
	if size <= 0 {
		return hal.Buffer{}, fmt.Errorf("%w: size %d", pkg.ErrInvalidParameter, size)
	}
	if align < minAlign {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return hal.Buffer{}, ErrBadAlign
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return hal.Buffer{}, pkg.ErrNotRunning
	}

	raw := a.buddy.Alloc(size + align)
	if raw == nil {
		return hal.Buffer{}, fmt.Errorf("%w: %d bytes", pkg.ErrNoMemory, size)
	}

	phys := a.base + hal.PhysAddr(a.offset(raw))
	aligned := (phys + hal.PhysAddr(align-1)) &^ hal.PhysAddr(align-1)
	skip := int(aligned - phys)

	data := raw[skip : skip+size : skip+size]
	clear(data)
	a.live[aligned] = raw

	return hal.Buffer{Addr: aligned, Data: data}, nil
}

// Free returns buf to the arena. Unknown buffers are ignored.
func (a *Arena) Free(buf hal.Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	raw, ok := a.live[buf.Addr]
	if !ok {
		pkg.LogWarn(pkg.ComponentHAL, "free of unknown dma buffer",
			"addr", fmt.Sprintf("%#x", uint64(buf.Addr)))
		return
	}
	delete(a.live, buf.Addr)
	a.buddy.Free(raw)
}

// Map returns the virtual view of size bytes at addr.
func (a *Arena) Map(addr hal.PhysAddr, size int) ([]byte, error) {
	a.mu.Lock()
	mem := a.mem
	a.mu.Unlock()

	if addr < a.base || size < 0 {
		return nil, ErrNotInArena
	}
	off := uint64(addr - a.base)
	if off+uint64(size) > uint64(len(mem)) {
		return nil, ErrNotInArena
	}
	return mem[off : off+uint64(size) : off+uint64(size)], nil
}

// Scatter builds the scatter list for data. Regions are split so that none
// crosses a BoundarySize boundary.
func (a *Arena) Scatter(data []byte) ([]hal.Region, error) {
	if len(data) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := uintptr(unsafe.Pointer(&data[0]))
	lo := uintptr(unsafe.Pointer(&a.mem[0]))
	if start < lo || start+uintptr(len(data)) > lo+uintptr(len(a.mem)) {
		return nil, ErrNotInArena
	}

	addr := a.base + hal.PhysAddr(start-lo)
	remaining := len(data)
	var regions []hal.Region
	for remaining > 0 {
		n := BoundarySize - int(addr%BoundarySize)
		if n > remaining {
			n = remaining
		}
		regions = append(regions, hal.Region{Addr: addr, Length: n})
		addr += hal.PhysAddr(n)
		remaining -= n
	}
	return regions, nil
}

// Available returns the number of bytes the buddy allocator can still hand out.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buddy.Available()
}

// offset returns the position of b within the arena. Caller holds a.mu.
func (a *Arena) offset(b []byte) int {
	return int(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(&a.mem[0])))
}

var _ hal.Memory = (*Arena)(nil)
