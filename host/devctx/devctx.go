// Package devctx encodes the slot, endpoint and input-control contexts the
// host controller reads from and writes to DMA memory.
//
// Contexts are 32-byte records. An output device context holds the slot
// context followed by 31 endpoint contexts indexed by device context index
// (DCI); an input context prepends the input control context.
package devctx

import (
	"encoding/binary"

	"github.com/ardnew/softxhci/host/hal"
)

// Size is the size of one context record in bytes.
const Size = 32

// NumEndpoints is the number of endpoint contexts in a device context.
const NumEndpoints = 31

// Layout sizes.
const (
	DeviceContextSize = Size * (1 + NumEndpoints)
	InputContextSize  = Size * (2 + NumEndpoints)
)

// DCI returns the device context index of a USB endpoint address.
// Endpoint 0 is index 1 regardless of direction.
func DCI(endpoint uint8) uint8 {
	num := endpoint & 0x0F
	if num == 0 {
		return 1
	}
	dci := num * 2
	if endpoint&0x80 != 0 {
		dci++
	}
	return dci
}

// DeviceSlotOffset returns the offset of the slot context in an output
// device context.
func DeviceSlotOffset() int {
	return 0
}

// DeviceEndpointOffset returns the offset of endpoint context dci in an
// output device context.
func DeviceEndpointOffset(dci uint8) int {
	return Size * int(dci)
}

// InputControlOffset returns the offset of the input control context.
func InputControlOffset() int {
	return 0
}

// InputSlotOffset returns the offset of the slot context in an input context.
func InputSlotOffset() int {
	return Size
}

// InputEndpointOffset returns the offset of endpoint context dci in an
// input context.
func InputEndpointOffset(dci uint8) int {
	return Size * (1 + int(dci))
}

// SlotState is the slot state reported in an output slot context.
type SlotState uint8

// Slot states.
const (
	SlotDisabled   SlotState = 0
	SlotDefault    SlotState = 1
	SlotAddressed  SlotState = 2
	SlotConfigured SlotState = 3
)

// SlotContext is the slot context record.
type SlotContext struct {
	RouteString       uint32 // 20-bit hub route
	Speed             uint8  // Protocol speed ID
	ContextEntries    uint8  // Index of the last valid endpoint context
	MaxExitLatency    uint16
	RootHubPort       uint8
	NumPorts          uint8
	InterrupterTarget uint16
	DeviceAddress     uint8
	State             SlotState
}

// ParseSlotContext decodes a slot context from data.
// Returns false if data is too short.
func ParseSlotContext(data []byte, out *SlotContext) bool {
	if len(data) < Size {
		return false
	}
	dw0 := binary.LittleEndian.Uint32(data[0:])
	dw1 := binary.LittleEndian.Uint32(data[4:])
	dw2 := binary.LittleEndian.Uint32(data[8:])
	dw3 := binary.LittleEndian.Uint32(data[12:])
	out.RouteString = dw0 & 0xFFFFF
	out.Speed = uint8(dw0 >> 20 & 0xF)
	out.ContextEntries = uint8(dw0 >> 27)
	out.MaxExitLatency = uint16(dw1)
	out.RootHubPort = uint8(dw1 >> 16)
	out.NumPorts = uint8(dw1 >> 24)
	out.InterrupterTarget = uint16(dw2 >> 22)
	out.DeviceAddress = uint8(dw3)
	out.State = SlotState(dw3 >> 27)
	return true
}

// MarshalTo encodes the slot context into buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *SlotContext) MarshalTo(buf []byte) int {
	if len(buf) < Size {
		return 0
	}
	clear(buf[:Size])
	dw0 := s.RouteString&0xFFFFF | uint32(s.Speed&0xF)<<20 | uint32(s.ContextEntries&0x1F)<<27
	dw1 := uint32(s.MaxExitLatency) | uint32(s.RootHubPort)<<16 | uint32(s.NumPorts)<<24
	dw2 := uint32(s.InterrupterTarget&0x3FF) << 22
	dw3 := uint32(s.DeviceAddress) | uint32(s.State&0x1F)<<27
	binary.LittleEndian.PutUint32(buf[0:], dw0)
	binary.LittleEndian.PutUint32(buf[4:], dw1)
	binary.LittleEndian.PutUint32(buf[8:], dw2)
	binary.LittleEndian.PutUint32(buf[12:], dw3)
	return Size
}

// EndpointType is the endpoint type field of an endpoint context.
type EndpointType uint8

// Endpoint types.
const (
	EndpointNotValid EndpointType = 0
	EndpointIsochOut EndpointType = 1
	EndpointBulkOut  EndpointType = 2
	EndpointIntOut   EndpointType = 3
	EndpointControl  EndpointType = 4
	EndpointIsochIn  EndpointType = 5
	EndpointBulkIn   EndpointType = 6
	EndpointIntIn    EndpointType = 7
)

// EndpointTypeFor maps a USB endpoint address and bmAttributes transfer
// type to the endpoint context type.
func EndpointTypeFor(endpoint, attributes uint8) EndpointType {
	in := endpoint&0x80 != 0
	switch attributes & 0x03 {
	case 0:
		return EndpointControl
	case 1:
		if in {
			return EndpointIsochIn
		}
		return EndpointIsochOut
	case 2:
		if in {
			return EndpointBulkIn
		}
		return EndpointBulkOut
	default:
		if in {
			return EndpointIntIn
		}
		return EndpointIntOut
	}
}

// EndpointState is the endpoint state reported in an output endpoint context.
type EndpointState uint8

// Endpoint states.
const (
	EndpointDisabled EndpointState = 0
	EndpointRunning  EndpointState = 1
	EndpointHalted   EndpointState = 2
	EndpointStopped  EndpointState = 3
	EndpointError    EndpointState = 4
)

// EndpointContext is the endpoint context record.
type EndpointContext struct {
	State            EndpointState
	Interval         uint8
	ErrorCount       uint8
	Type             EndpointType
	MaxBurst         uint8
	MaxPacketSize    uint16
	DequeuePointer   hal.PhysAddr
	DequeueCycle     bool
	AverageTRBLength uint16
}

// ParseEndpointContext decodes an endpoint context from data.
// Returns false if data is too short.
func ParseEndpointContext(data []byte, out *EndpointContext) bool {
	if len(data) < Size {
		return false
	}
	dw0 := binary.LittleEndian.Uint32(data[0:])
	dw1 := binary.LittleEndian.Uint32(data[4:])
	deq := binary.LittleEndian.Uint64(data[8:])
	dw4 := binary.LittleEndian.Uint32(data[16:])
	out.State = EndpointState(dw0 & 0x7)
	out.Interval = uint8(dw0 >> 16)
	out.ErrorCount = uint8(dw1 >> 1 & 0x3)
	out.Type = EndpointType(dw1 >> 3 & 0x7)
	out.MaxBurst = uint8(dw1 >> 8)
	out.MaxPacketSize = uint16(dw1 >> 16)
	out.DequeuePointer = hal.PhysAddr(deq &^ 0xF)
	out.DequeueCycle = deq&1 != 0
	out.AverageTRBLength = uint16(dw4)
	return true
}

// MarshalTo encodes the endpoint context into buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (e *EndpointContext) MarshalTo(buf []byte) int {
	if len(buf) < Size {
		return 0
	}
	clear(buf[:Size])
	dw0 := uint32(e.State&0x7) | uint32(e.Interval)<<16
	dw1 := uint32(e.ErrorCount&0x3)<<1 | uint32(e.Type&0x7)<<3 |
		uint32(e.MaxBurst)<<8 | uint32(e.MaxPacketSize)<<16
	deq := uint64(e.DequeuePointer) &^ 0xF
	if e.DequeueCycle {
		deq |= 1
	}
	binary.LittleEndian.PutUint32(buf[0:], dw0)
	binary.LittleEndian.PutUint32(buf[4:], dw1)
	binary.LittleEndian.PutUint64(buf[8:], deq)
	binary.LittleEndian.PutUint32(buf[16:], uint32(e.AverageTRBLength))
	return Size
}

// InputControlContext selects which contexts a command evaluates.
type InputControlContext struct {
	Drop uint32 // Drop context flags (bit i = DCI i)
	Add  uint32 // Add context flags (bit 0 = slot, bit i = DCI i)
}

// Flag returns the add/drop bit for context index i (0 = slot context).
func Flag(i uint8) uint32 {
	return 1 << i
}

// ParseInputControlContext decodes an input control context from data.
// Returns false if data is too short.
func ParseInputControlContext(data []byte, out *InputControlContext) bool {
	if len(data) < Size {
		return false
	}
	out.Drop = binary.LittleEndian.Uint32(data[0:])
	out.Add = binary.LittleEndian.Uint32(data[4:])
	return true
}

// MarshalTo encodes the input control context into buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *InputControlContext) MarshalTo(buf []byte) int {
	if len(buf) < Size {
		return 0
	}
	clear(buf[:Size])
	binary.LittleEndian.PutUint32(buf[0:], c.Drop)
	binary.LittleEndian.PutUint32(buf[4:], c.Add)
	return Size
}
