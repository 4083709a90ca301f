package ring

import (
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Ring size limits, in records. The last record of every ring is the
// link record, so a ring of N records holds at most N-2 outstanding
// records (one slot always stays empty to tell full from empty).
const (
	MinRecords     = 3
	MaxRecords     = 4096
	DefaultRecords = 256
)

// Handle identifies one record placed on a ring. The zero Handle is
// never returned by a successful Enqueue.
type Handle struct {
	ring  *Ring
	addr  hal.PhysAddr
	index int
	cycle bool
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.ring == nil
}

// Addr returns the bus address of the record. Completion events carry
// this address, so it is the key under which the record is tracked.
func (h Handle) Addr() hal.PhysAddr {
	return h.addr
}

// Cycle returns the cycle bit the record was written with.
func (h Handle) Cycle() bool {
	return h.cycle
}

// Ring returns the ring the record lives on.
func (h Handle) Ring() *Ring {
	return h.ring
}

// String returns a short description of h.
func (h Handle) String() string {
	if h.IsZero() {
		return "Handle(nil)"
	}
	return fmt.Sprintf("Handle(%#x/%d c=%t)", uint64(h.addr), h.index, h.cycle)
}

// Ring is a producer ring shared with the controller: the command ring
// or one endpoint's transfer ring.
type Ring struct {
	mu sync.Mutex

	mem     hal.Memory
	buf     hal.Buffer
	records int

	enqueue int
	dequeue int
	cycle   bool

	released bool
}

// New allocates a ring of the given number of records (including the
// link record) from mem.
func New(mem hal.Memory, records int) (*Ring, error) {
	if records < MinRecords || records > MaxRecords {
		return nil, fmt.Errorf("%w: ring of %d records", pkg.ErrInvalidParameter, records)
	}

	buf, err := mem.Alloc(records*trb.Size, hal.PageSize)
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}

	r := &Ring{
		mem:     mem,
		buf:     buf,
		records: records,
		cycle:   true,
	}

	// The link record starts out owned by software (cycle clear) and is
	// handed over each time the producer passes it.
	trb.Store(r.slot(r.linkIndex()), trb.Link(buf.Addr, true))

	pkg.LogDebug(pkg.ComponentRing, "ring allocated",
		"base", fmt.Sprintf("%#x", uint64(buf.Addr)),
		"records", records)

	return r, nil
}

func (r *Ring) linkIndex() int {
	return r.records - 1
}

func (r *Ring) slot(i int) []byte {
	off := i * trb.Size
	return r.buf.Data[off : off+trb.Size]
}

func (r *Ring) addr(i int) hal.PhysAddr {
	return r.buf.Addr + hal.PhysAddr(i*trb.Size)
}

func (r *Ring) next(i int) int {
	i++
	if i == r.linkIndex() {
		return 0
	}
	return i
}

// outstanding returns the number of records between dequeue and enqueue.
// Caller holds r.mu.
func (r *Ring) outstanding() int {
	usable := r.records - 1
	return (r.enqueue - r.dequeue + usable) % usable
}

// Capacity returns the maximum number of records the ring can hold at once.
func (r *Ring) Capacity() int {
	return r.records - 2
}

// Free returns the number of records that can be enqueued right now.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Capacity() - r.outstanding()
}

// Base returns the bus address of the first record.
func (r *Ring) Base() hal.PhysAddr {
	return r.buf.Addr
}

// Size returns the length of the ring in bytes, link record included.
func (r *Ring) Size() int {
	return r.buf.Len()
}

// Cycle returns the producer cycle state.
func (r *Ring) Cycle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle
}

// EnqueuePointer returns the bus address the next record will be written to.
func (r *Ring) EnqueuePointer() hal.PhysAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr(r.enqueue)
}

// DequeuePointer returns the bus address of the oldest outstanding record.
func (r *Ring) DequeuePointer() hal.PhysAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr(r.dequeue)
}

// Enqueue writes rec at the enqueue position with the current cycle bit
// and advances. It returns pkg.ErrWouldBlock, writing nothing, when the
// ring is full.
func (r *Ring) Enqueue(rec trb.TRB) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return Handle{}, pkg.ErrNotRunning
	}
	if r.next(r.enqueue) == r.dequeue {
		return Handle{}, pkg.ErrWouldBlock
	}

	h := r.place()
	rec.SetCycle(h.cycle)
	trb.Store(r.slot(h.index), rec)
	r.advance(rec.Has(trb.FlagChain))
	return h, nil
}

// EnqueueChain writes recs as one chained unit: every record but the last
// carries the chain flag. Either all records are placed or none is. The
// first record is published last so the controller never observes a
// partial chain.
func (r *Ring) EnqueueChain(recs []trb.TRB) ([]Handle, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	if len(recs) > r.Capacity() {
		return nil, fmt.Errorf("%w: chain of %d records exceeds ring capacity %d",
			pkg.ErrInvalidParameter, len(recs), r.Capacity())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil, pkg.ErrNotRunning
	}
	if r.Capacity()-r.outstanding() < len(recs) {
		return nil, pkg.ErrWouldBlock
	}

	handles := make([]Handle, len(recs))
	var first trb.TRB
	for i, rec := range recs {
		if i < len(recs)-1 {
			rec.Set(trb.FlagChain)
		} else {
			rec.Clear(trb.FlagChain)
		}
		h := r.place()
		rec.SetCycle(h.cycle)
		handles[i] = h
		if i == 0 {
			first = rec
		} else {
			trb.Store(r.slot(h.index), rec)
		}
		r.advance(rec.Has(trb.FlagChain))
	}
	trb.Store(r.slot(handles[0].index), first)

	return handles, nil
}

// place returns the handle for the record at the enqueue position.
// Caller holds r.mu.
func (r *Ring) place() Handle {
	return Handle{
		ring:  r,
		addr:  r.addr(r.enqueue),
		index: r.enqueue,
		cycle: r.cycle,
	}
}

// advance moves the enqueue index past the record just written. On
// reaching the link slot the link record is handed to the controller
// with the current cycle, the cycle flips and the index wraps.
// Caller holds r.mu.
func (r *Ring) advance(chain bool) {
	r.enqueue++
	if r.enqueue != r.linkIndex() {
		return
	}

	link := trb.Link(r.buf.Addr, true)
	link.SetCycle(r.cycle)
	if chain {
		link.Set(trb.FlagChain)
	}
	trb.Store(r.slot(r.linkIndex()), link)

	r.cycle = !r.cycle
	r.enqueue = 0

	pkg.LogDebug(pkg.ComponentRing, "ring wrapped",
		"base", fmt.Sprintf("%#x", uint64(r.buf.Addr)),
		"cycle", r.cycle)
}

// index converts a bus address to a record index, or -1 if addr does not
// name a non-link record of this ring.
func (r *Ring) index(addr hal.PhysAddr) int {
	if addr < r.buf.Addr {
		return -1
	}
	off := uint64(addr - r.buf.Addr)
	if off%trb.Size != 0 {
		return -1
	}
	i := int(off / trb.Size)
	if i >= r.linkIndex() {
		return -1
	}
	return i
}

// Contains reports whether addr names a record slot of this ring.
func (r *Ring) Contains(addr hal.PhysAddr) bool {
	return r.index(addr) >= 0
}

// AdvanceDequeue moves the dequeue cursor past the record at addr, which
// the controller has completed. Addresses outside the outstanding window
// are ignored, so the cursor never moves backwards. It reports whether
// the cursor moved.
func (r *Ring) AdvanceDequeue(addr hal.PhysAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(addr)
	if i < 0 {
		return false
	}
	usable := r.records - 1
	dist := (i-r.dequeue+usable)%usable + 1
	if dist > r.outstanding() {
		return false
	}
	r.dequeue = r.next(i)
	return true
}

// PositionAfter returns the bus address and cycle state of the record
// slot that follows h, as needed to move the controller's dequeue pointer
// past h. It reports false if h does not belong to r.
func (r *Ring) PositionAfter(h Handle) (hal.PhysAddr, bool, bool) {
	if h.ring != r {
		return 0, false, false
	}
	n := h.index + 1
	if n == r.linkIndex() {
		return r.buf.Addr, !h.cycle, true
	}
	return r.addr(n), h.cycle, true
}

// Release returns the ring memory. Further enqueues fail.
func (r *Ring) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.mem.Free(r.buf)
}
