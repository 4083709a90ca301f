package trb

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softxhci/host/hal"
)

// Size is the size of one ring record in bytes. Records are 16-byte aligned.
const Size = 16

// MaxTransferLength is the largest buffer a single transfer record can
// describe (22-bit length field).
const MaxTransferLength = 0x3FFFFF

// TRB is one Transfer Request Block: four little-endian 32-bit words.
type TRB [4]uint32

// Type identifies the kind of a TRB.
type Type uint8

// TRB types.
const (
	TypeNormal            Type = 1
	TypeSetupStage        Type = 2
	TypeDataStage         Type = 3
	TypeStatusStage       Type = 4
	TypeIsoch             Type = 5
	TypeLink              Type = 6
	TypeEventData         Type = 7
	TypeNoOp              Type = 8
	TypeEnableSlot        Type = 9
	TypeDisableSlot       Type = 10
	TypeAddressDevice     Type = 11
	TypeConfigureEndpoint Type = 12
	TypeEvaluateContext   Type = 13
	TypeResetEndpoint     Type = 14
	TypeStopEndpoint      Type = 15
	TypeSetTRDequeue      Type = 16
	TypeResetDevice       Type = 17
	TypeNoOpCommand       Type = 23

	TypeTransferEvent     Type = 32
	TypeCommandCompletion Type = 33
	TypePortStatusChange  Type = 34
	TypeHostController    Type = 37
)

// String returns the name of the TRB type.
func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "Normal"
	case TypeSetupStage:
		return "SetupStage"
	case TypeDataStage:
		return "DataStage"
	case TypeStatusStage:
		return "StatusStage"
	case TypeIsoch:
		return "Isoch"
	case TypeLink:
		return "Link"
	case TypeEventData:
		return "EventData"
	case TypeNoOp:
		return "NoOp"
	case TypeEnableSlot:
		return "EnableSlot"
	case TypeDisableSlot:
		return "DisableSlot"
	case TypeAddressDevice:
		return "AddressDevice"
	case TypeConfigureEndpoint:
		return "ConfigureEndpoint"
	case TypeEvaluateContext:
		return "EvaluateContext"
	case TypeResetEndpoint:
		return "ResetEndpoint"
	case TypeStopEndpoint:
		return "StopEndpoint"
	case TypeSetTRDequeue:
		return "SetTRDequeue"
	case TypeResetDevice:
		return "ResetDevice"
	case TypeNoOpCommand:
		return "NoOpCommand"
	case TypeTransferEvent:
		return "TransferEvent"
	case TypeCommandCompletion:
		return "CommandCompletion"
	case TypePortStatusChange:
		return "PortStatusChange"
	case TypeHostController:
		return "HostController"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsCommand reports whether t is a command ring record.
func (t Type) IsCommand() bool {
	return t >= TypeEnableSlot && t <= TypeNoOpCommand
}

// IsEvent reports whether t is an event ring record.
func (t Type) IsEvent() bool {
	return t >= TypeTransferEvent
}

// Control word (word 3) flags.
const (
	FlagCycle        uint32 = 1 << 0  // Cycle bit
	FlagToggleCycle  uint32 = 1 << 1  // Link: toggle cycle on traversal
	FlagEvaluateNext uint32 = 1 << 1  // Transfer: evaluate next TRB
	FlagISP          uint32 = 1 << 2  // Interrupt on short packet
	FlagEventData    uint32 = 1 << 2  // Transfer event: pointer is event data
	FlagNoSnoop      uint32 = 1 << 3  // No snoop
	FlagChain        uint32 = 1 << 4  // Chain bit
	FlagIOC          uint32 = 1 << 5  // Interrupt on completion
	FlagIDT          uint32 = 1 << 6  // Immediate data
	FlagBSR          uint32 = 1 << 9  // Address Device: block set address request
	FlagDeconfigure  uint32 = 1 << 9  // Configure Endpoint: deconfigure
	FlagDirIn        uint32 = 1 << 16 // Data/Status stage direction IN
)

const (
	typeShift = 10
	typeMask  = 0x3F

	endpointShift = 16
	endpointMask  = 0x1F

	slotShift = 24

	transferTypeShift = 16

	lengthMask      = MaxTransferLength
	targetShift     = 22
	eventLenMask    = 0xFFFFFF
	completionShift = 24

	portShift = 24
)

// Word returns word i of the record.
func (t TRB) Word(i int) uint32 {
	return t[i]
}

// Type returns the record type.
func (t TRB) Type() Type {
	return Type(t[3] >> typeShift & typeMask)
}

// SetType sets the record type.
func (t *TRB) SetType(ty Type) {
	t[3] = t[3]&^(typeMask<<typeShift) | uint32(ty)&typeMask<<typeShift
}

// Cycle returns the cycle bit.
func (t TRB) Cycle() bool {
	return t[3]&FlagCycle != 0
}

// SetCycle sets or clears the cycle bit.
func (t *TRB) SetCycle(c bool) {
	if c {
		t[3] |= FlagCycle
	} else {
		t[3] &^= FlagCycle
	}
}

// Has reports whether all of flags are set in the control word.
func (t TRB) Has(flags uint32) bool {
	return t[3]&flags == flags
}

// Set sets flags in the control word.
func (t *TRB) Set(flags uint32) {
	t[3] |= flags
}

// Clear clears flags in the control word.
func (t *TRB) Clear(flags uint32) {
	t[3] &^= flags
}

// Pointer returns the 64-bit parameter held in words 0 and 1.
func (t TRB) Pointer() hal.PhysAddr {
	return hal.PhysAddr(uint64(t[0]) | uint64(t[1])<<32)
}

// SetPointer stores addr in words 0 and 1.
func (t *TRB) SetPointer(addr hal.PhysAddr) {
	t[0] = uint32(addr)
	t[1] = uint32(uint64(addr) >> 32)
}

// Length returns the transfer length of a transfer record.
func (t TRB) Length() int {
	return int(t[2] & lengthMask)
}

// CompletionCode returns the completion code of an event record.
func (t TRB) CompletionCode() CompletionCode {
	return CompletionCode(t[2] >> completionShift)
}

// TransferLength returns the 24-bit length/parameter field of an event
// record. For transfer events it is the number of bytes not transferred.
func (t TRB) TransferLength() int {
	return int(t[2] & eventLenMask)
}

// SlotID returns the slot id of a command or event record.
func (t TRB) SlotID() uint8 {
	return uint8(t[3] >> slotShift)
}

// EndpointID returns the device context index of a command or event record.
func (t TRB) EndpointID() uint8 {
	return uint8(t[3] >> endpointShift & endpointMask)
}

// PortID returns the port number of a port status change event.
func (t TRB) PortID() int {
	return int(t[0] >> portShift)
}

// String returns a short description of the record.
func (t TRB) String() string {
	ty := t.Type()
	switch {
	case ty == TypePortStatusChange:
		return fmt.Sprintf("%s{port=%d code=%s c=%t}", ty, t.PortID(), t.CompletionCode(), t.Cycle())
	case ty.IsEvent():
		return fmt.Sprintf("%s{ptr=%#x len=%d code=%s slot=%d ep=%d c=%t}",
			ty, uint64(t.Pointer()), t.TransferLength(), t.CompletionCode(), t.SlotID(), t.EndpointID(), t.Cycle())
	case ty.IsCommand():
		return fmt.Sprintf("%s{ptr=%#x slot=%d ep=%d c=%t}", ty, uint64(t.Pointer()), t.SlotID(), t.EndpointID(), t.Cycle())
	default:
		return fmt.Sprintf("%s{ptr=%#x len=%d ch=%t ioc=%t c=%t}",
			ty, uint64(t.Pointer()), t.Length(), t.Has(FlagChain), t.Has(FlagIOC), t.Cycle())
	}
}

// Parse decodes a little-endian record from data.
// Returns false if data is too short.
func Parse(data []byte, out *TRB) bool {
	if len(data) < Size {
		return false
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return true
}

// MarshalTo encodes the record into buf.
// Returns the number of bytes written (16), or 0 if buf is too small.
func (t *TRB) MarshalTo(buf []byte) int {
	if len(buf) < Size {
		return 0
	}
	for i, w := range t {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return Size
}

var nativeLittle = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

func le(w uint32) uint32 {
	if nativeLittle {
		return w
	}
	return bits.ReverseBytes32(w)
}

func words(mem []byte) *[4]uint32 {
	if len(mem) < Size {
		panic("trb: record slot shorter than 16 bytes")
	}
	p := unsafe.Pointer(&mem[0])
	if uintptr(p)&3 != 0 {
		panic("trb: misaligned record slot")
	}
	return (*[4]uint32)(p)
}

// Store publishes t into shared DMA memory. Words 0..2 are written before
// the control word so the cycle bit becomes visible last.
func Store(mem []byte, t TRB) {
	w := words(mem)
	atomic.StoreUint32(&w[0], le(t[0]))
	atomic.StoreUint32(&w[1], le(t[1]))
	atomic.StoreUint32(&w[2], le(t[2]))
	atomic.StoreUint32(&w[3], le(t[3]))
}

// Load reads a record from shared DMA memory. The control word is read
// first; the remaining words are only meaningful if its cycle bit matches
// the reader's expected cycle.
func Load(mem []byte) TRB {
	w := words(mem)
	var t TRB
	t[3] = le(atomic.LoadUint32(&w[3]))
	t[0] = le(atomic.LoadUint32(&w[0]))
	t[1] = le(atomic.LoadUint32(&w[1]))
	t[2] = le(atomic.LoadUint32(&w[2]))
	return t
}

// LoadControl reads only the control word of a record in shared memory.
func LoadControl(mem []byte) uint32 {
	return le(atomic.LoadUint32(&words(mem)[3]))
}
