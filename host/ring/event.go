package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// SegmentSize is the size of one Event Ring Segment Table entry.
const SegmentSize = 16

// MinEventRecords is the smallest event ring segment the controller accepts.
const MinEventRecords = 16

// Segment is one Event Ring Segment Table entry.
type Segment struct {
	Base hal.PhysAddr // 64-byte aligned
	Size int          // Records in the segment
}

// ParseSegment parses a segment table entry from data.
// Returns false if data is shorter than SegmentSize.
func ParseSegment(data []byte, out *Segment) bool {
	if len(data) < SegmentSize {
		return false
	}
	out.Base = hal.PhysAddr(binary.LittleEndian.Uint64(data[0:8]))
	out.Size = int(binary.LittleEndian.Uint16(data[8:10]))
	return true
}

// MarshalTo writes the segment table entry into buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *Segment) MarshalTo(buf []byte) int {
	if len(buf) < SegmentSize {
		return 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.Base))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.Size))
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	return SegmentSize
}

// EventRing is the consumer side of the controller's event ring. It has
// one segment and is drained by a single goroutine, so it carries no lock.
type EventRing struct {
	mem     hal.Memory
	buf     hal.Buffer
	table   hal.Buffer
	records int

	dequeue int
	cycle   bool
}

// NewEventRing allocates an event ring segment of the given number of
// records and its one-entry segment table.
func NewEventRing(mem hal.Memory, records int) (*EventRing, error) {
	if records < MinEventRecords || records > MaxRecords {
		return nil, fmt.Errorf("%w: event ring of %d records", pkg.ErrInvalidParameter, records)
	}

	buf, err := mem.Alloc(records*trb.Size, hal.PageSize)
	if err != nil {
		return nil, fmt.Errorf("event ring: %w", err)
	}
	table, err := mem.Alloc(SegmentSize, 64)
	if err != nil {
		mem.Free(buf)
		return nil, fmt.Errorf("event ring segment table: %w", err)
	}

	seg := Segment{Base: buf.Addr, Size: records}
	seg.MarshalTo(table.Data)

	return &EventRing{
		mem:     mem,
		buf:     buf,
		table:   table,
		records: records,
		cycle:   true,
	}, nil
}

// SegmentTable returns the bus address of the segment table.
func (e *EventRing) SegmentTable() hal.PhysAddr {
	return e.table.Addr
}

// Segments returns the number of entries in the segment table.
func (e *EventRing) Segments() int {
	return 1
}

// Base returns the bus address of the first event record.
func (e *EventRing) Base() hal.PhysAddr {
	return e.buf.Addr
}

// Size returns the length of the segment in bytes.
func (e *EventRing) Size() int {
	return e.buf.Len()
}

// Capacity returns the number of records in the segment.
func (e *EventRing) Capacity() int {
	return e.records
}

// Cycle returns the consumer cycle state.
func (e *EventRing) Cycle() bool {
	return e.cycle
}

// DequeuePointer returns the bus address of the next record to consume.
func (e *EventRing) DequeuePointer() hal.PhysAddr {
	return e.buf.Addr + hal.PhysAddr(e.dequeue*trb.Size)
}

// Next returns the next event written by the controller, or false if
// the record at the dequeue position still carries the previous cycle.
func (e *EventRing) Next() (trb.TRB, bool) {
	off := e.dequeue * trb.Size
	rec := trb.Load(e.buf.Data[off : off+trb.Size])
	if rec.Cycle() != e.cycle {
		return trb.TRB{}, false
	}

	e.dequeue++
	if e.dequeue == e.records {
		e.dequeue = 0
		e.cycle = !e.cycle
	}
	return rec, true
}

// Release returns the event ring memory.
func (e *EventRing) Release() {
	if e.buf.IsZero() {
		return
	}
	e.mem.Free(e.table)
	e.mem.Free(e.buf)
	e.buf = hal.Buffer{}
	e.table = hal.Buffer{}
}
