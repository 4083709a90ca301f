package trb

import (
	"github.com/ardnew/softxhci/host/hal"
)

// TransferType is the TRT field of a Setup Stage record.
type TransferType uint8

// Setup stage transfer types.
const (
	TransferNoData TransferType = 0
	TransferOut    TransferType = 2
	TransferIn     TransferType = 3
)

func typed(ty Type) TRB {
	var t TRB
	t.SetType(ty)
	return t
}

func withSlot(t TRB, slot uint8) TRB {
	t[3] |= uint32(slot) << slotShift
	return t
}

func withEndpoint(t TRB, dci uint8) TRB {
	t[3] |= uint32(dci) & endpointMask << endpointShift
	return t
}

// Normal returns a Normal transfer record for length bytes at addr.
func Normal(addr hal.PhysAddr, length int) TRB {
	t := typed(TypeNormal)
	t.SetPointer(addr)
	t[2] = uint32(length) & lengthMask
	return t
}

// SetupStage returns a Setup Stage record carrying setup as immediate data.
func SetupStage(setup hal.SetupPacket, trt TransferType) TRB {
	var raw [hal.SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	t := typed(TypeSetupStage)
	t[0] = uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	t[1] = uint32(raw[4]) | uint32(raw[5])<<8 | uint32(raw[6])<<16 | uint32(raw[7])<<24
	t[2] = hal.SetupPacketSize
	t[3] |= FlagIDT | uint32(trt)<<transferTypeShift
	return t
}

// Setup returns the setup packet held by a Setup Stage record.
func (t TRB) Setup() hal.SetupPacket {
	raw := [hal.SetupPacketSize]byte{
		byte(t[0]), byte(t[0] >> 8), byte(t[0] >> 16), byte(t[0] >> 24),
		byte(t[1]), byte(t[1] >> 8), byte(t[1] >> 16), byte(t[1] >> 24),
	}
	var s hal.SetupPacket
	hal.ParseSetupPacket(raw[:], &s)
	return s
}

// TransferType returns the TRT field of a Setup Stage record.
func (t TRB) TransferType() TransferType {
	return TransferType(t[3] >> transferTypeShift & 0x3)
}

// DataStage returns a Data Stage record for length bytes at addr.
func DataStage(addr hal.PhysAddr, length int, in bool) TRB {
	t := typed(TypeDataStage)
	t.SetPointer(addr)
	t[2] = uint32(length) & lengthMask
	if in {
		t[3] |= FlagDirIn
	}
	return t
}

// StatusStage returns a Status Stage record.
func StatusStage(in bool) TRB {
	t := typed(TypeStatusStage)
	if in {
		t[3] |= FlagDirIn
	}
	return t
}

// Link returns a Link record pointing at addr.
func Link(addr hal.PhysAddr, toggle bool) TRB {
	t := typed(TypeLink)
	t.SetPointer(addr)
	if toggle {
		t[3] |= FlagToggleCycle
	}
	return t
}

// NoOpCommand returns a No Op command record.
func NoOpCommand() TRB {
	return typed(TypeNoOpCommand)
}

// EnableSlot returns an Enable Slot command record.
func EnableSlot() TRB {
	return typed(TypeEnableSlot)
}

// DisableSlot returns a Disable Slot command record.
func DisableSlot(slot uint8) TRB {
	return withSlot(typed(TypeDisableSlot), slot)
}

// AddressDevice returns an Address Device command record for the input
// context at input.
func AddressDevice(input hal.PhysAddr, slot uint8, bsr bool) TRB {
	t := withSlot(typed(TypeAddressDevice), slot)
	t.SetPointer(input)
	if bsr {
		t[3] |= FlagBSR
	}
	return t
}

// ConfigureEndpoint returns a Configure Endpoint command record.
func ConfigureEndpoint(input hal.PhysAddr, slot uint8, deconfigure bool) TRB {
	t := withSlot(typed(TypeConfigureEndpoint), slot)
	t.SetPointer(input)
	if deconfigure {
		t[3] |= FlagDeconfigure
	}
	return t
}

// EvaluateContext returns an Evaluate Context command record.
func EvaluateContext(input hal.PhysAddr, slot uint8) TRB {
	t := withSlot(typed(TypeEvaluateContext), slot)
	t.SetPointer(input)
	return t
}

// ResetEndpoint returns a Reset Endpoint command record.
func ResetEndpoint(slot, dci uint8) TRB {
	return withEndpoint(withSlot(typed(TypeResetEndpoint), slot), dci)
}

// StopEndpoint returns a Stop Endpoint command record.
func StopEndpoint(slot, dci uint8) TRB {
	return withEndpoint(withSlot(typed(TypeStopEndpoint), slot), dci)
}

// SetTRDequeue returns a Set TR Dequeue Pointer command record.
func SetTRDequeue(slot, dci uint8, addr hal.PhysAddr, cycle bool) TRB {
	t := withEndpoint(withSlot(typed(TypeSetTRDequeue), slot), dci)
	p := addr &^ 0xF
	if cycle {
		p |= 1
	}
	t.SetPointer(p)
	return t
}

// ResetDevice returns a Reset Device command record.
func ResetDevice(slot uint8) TRB {
	return withSlot(typed(TypeResetDevice), slot)
}

// DequeueCycle splits the pointer of a Set TR Dequeue Pointer record into
// the ring address and dequeue cycle state.
func (t TRB) DequeueCycle() (hal.PhysAddr, bool) {
	p := t.Pointer()
	return p &^ 0xF, p&1 != 0
}

// TransferEvent returns a Transfer Event record. residual is the number of
// bytes of the completed record that were not transferred.
func TransferEvent(ptr hal.PhysAddr, residual int, code CompletionCode, slot, dci uint8) TRB {
	t := withEndpoint(withSlot(typed(TypeTransferEvent), slot), dci)
	t.SetPointer(ptr)
	t[2] = uint32(residual)&eventLenMask | uint32(code)<<completionShift
	return t
}

// CommandCompletion returns a Command Completion Event record.
func CommandCompletion(ptr hal.PhysAddr, code CompletionCode, slot uint8, param uint32) TRB {
	t := withSlot(typed(TypeCommandCompletion), slot)
	t.SetPointer(ptr)
	t[2] = param&eventLenMask | uint32(code)<<completionShift
	return t
}

// PortStatusChange returns a Port Status Change Event record.
func PortStatusChange(port int) TRB {
	t := typed(TypePortStatusChange)
	t[0] = uint32(port) << portShift
	t[2] = uint32(CodeSuccess) << completionShift
	return t
}

// HostControllerEvent returns a Host Controller Event record.
func HostControllerEvent(code CompletionCode) TRB {
	t := typed(TypeHostController)
	t[2] = uint32(code) << completionShift
	return t
}
