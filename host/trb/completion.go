package trb

import (
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// CompletionCode is the 8-bit result carried by event records.
type CompletionCode uint8

// Completion codes.
const (
	CodeInvalid            CompletionCode = 0
	CodeSuccess            CompletionCode = 1
	CodeDataBuffer         CompletionCode = 2
	CodeBabble             CompletionCode = 3
	CodeUSBTransaction     CompletionCode = 4
	CodeTRB                CompletionCode = 5
	CodeStall              CompletionCode = 6
	CodeResource           CompletionCode = 7
	CodeBandwidth          CompletionCode = 8
	CodeNoSlotsAvailable   CompletionCode = 9
	CodeInvalidStreamType  CompletionCode = 10
	CodeSlotNotEnabled     CompletionCode = 11
	CodeEndpointNotEnabled CompletionCode = 12
	CodeShortPacket        CompletionCode = 13
	CodeRingUnderrun       CompletionCode = 14
	CodeRingOverrun        CompletionCode = 15
	CodeParameter          CompletionCode = 17
	CodeContextState       CompletionCode = 19
	CodeEventRingFull      CompletionCode = 21
	CodeCommandRingStopped CompletionCode = 24
	CodeCommandAborted     CompletionCode = 25
	CodeStopped            CompletionCode = 26
	CodeStoppedLength      CompletionCode = 27
)

// String returns a string representation of the completion code.
func (c CompletionCode) String() string {
	switch c {
	case CodeInvalid:
		return "invalid"
	case CodeSuccess:
		return "success"
	case CodeDataBuffer:
		return "data buffer"
	case CodeBabble:
		return "babble"
	case CodeUSBTransaction:
		return "transaction"
	case CodeTRB:
		return "trb"
	case CodeStall:
		return "stall"
	case CodeResource:
		return "resource"
	case CodeBandwidth:
		return "bandwidth"
	case CodeNoSlotsAvailable:
		return "no slots"
	case CodeInvalidStreamType:
		return "invalid stream type"
	case CodeSlotNotEnabled:
		return "slot not enabled"
	case CodeEndpointNotEnabled:
		return "endpoint not enabled"
	case CodeShortPacket:
		return "short packet"
	case CodeRingUnderrun:
		return "ring underrun"
	case CodeRingOverrun:
		return "ring overrun"
	case CodeParameter:
		return "parameter"
	case CodeContextState:
		return "context state"
	case CodeEventRingFull:
		return "event ring full"
	case CodeCommandRingStopped:
		return "command ring stopped"
	case CodeCommandAborted:
		return "command aborted"
	case CodeStopped:
		return "stopped"
	case CodeStoppedLength:
		return "stopped length invalid"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// OK reports whether the code completes a record without error. A short
// packet is a successful completion with fewer bytes than requested.
func (c CompletionCode) OK() bool {
	return c == CodeSuccess || c == CodeShortPacket
}

// Err returns the corresponding error for the completion code, or nil if
// the code reports success.
func (c CompletionCode) Err() error {
	switch c {
	case CodeSuccess, CodeShortPacket:
		return nil
	case CodeDataBuffer:
		return pkg.ErrDataBuffer
	case CodeBabble:
		return pkg.ErrBabble
	case CodeUSBTransaction:
		return pkg.ErrTransaction
	case CodeTRB:
		return pkg.ErrTRB
	case CodeStall:
		return pkg.ErrStall
	case CodeResource:
		return pkg.ErrNoResources
	case CodeBandwidth:
		return pkg.ErrBandwidth
	case CodeNoSlotsAvailable:
		return pkg.ErrNoSlots
	case CodeSlotNotEnabled:
		return pkg.ErrSlotNotEnabled
	case CodeEndpointNotEnabled:
		return pkg.ErrEndpointNotEnabled
	case CodeParameter:
		return pkg.ErrParameter
	case CodeContextState:
		return pkg.ErrContextState
	case CodeCommandAborted, CodeStopped, CodeStoppedLength, CodeCommandRingStopped:
		return pkg.ErrCancelled
	default:
		return fmt.Errorf("%w: completion %s", pkg.ErrProtocol, c)
	}
}
