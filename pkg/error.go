package pkg

import "errors"

// Transient errors. The caller may retry after a completion frees space.
var (
	// ErrWouldBlock indicates a ring has no free record for the submission.
	ErrWouldBlock = errors.New("ring full")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")
)

// Protocol errors. The affected request or slot fails; other slots are unaffected.
var (
	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrBabble indicates the device sent more data than requested.
	ErrBabble = errors.New("babble detected")

	// ErrTransaction indicates a USB transaction error on the bus.
	ErrTransaction = errors.New("transaction error")

	// ErrDataBuffer indicates the controller could not keep up with the data buffer.
	ErrDataBuffer = errors.New("data buffer error")

	// ErrTRB indicates the controller rejected a malformed ring record.
	ErrTRB = errors.New("malformed ring record")

	// ErrContextState indicates a command was issued against a context in the wrong state.
	ErrContextState = errors.New("context state error")

	// ErrSlotNotEnabled indicates a command targeted a disabled slot.
	ErrSlotNotEnabled = errors.New("slot not enabled")

	// ErrEndpointNotEnabled indicates a transfer targeted a disabled endpoint.
	ErrEndpointNotEnabled = errors.New("endpoint not enabled")

	// ErrParameter indicates a context parameter was rejected by the controller.
	ErrParameter = errors.New("context parameter rejected")

	// ErrUnknownCompletion indicates an event completed a record that was never issued.
	ErrUnknownCompletion = errors.New("completion for unknown record")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// Hardware timeout errors.
var (
	// ErrTimeout indicates a hardware handshake or command deadline expired.
	ErrTimeout = errors.New("hardware timeout")
)

// Resource exhaustion errors.
var (
	// ErrNoSlots indicates the controller has no free device slot.
	ErrNoSlots = errors.New("no device slots available")

	// ErrNoMemory indicates insufficient DMA memory.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrNoResources indicates the controller reported a resource error.
	ErrNoResources = errors.New("no resources available")

	// ErrBandwidth indicates insufficient bus bandwidth.
	ErrBandwidth = errors.New("insufficient bandwidth")
)

// Programming and state errors.
var (
	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDuplicateInflight indicates a record address is already tracked.
	ErrDuplicateInflight = errors.New("duplicate inflight record")

	// ErrNotConfigured indicates the target slot is not allocated.
	ErrNotConfigured = errors.New("slot not allocated")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrCancelled indicates the operation was abandoned.
	ErrCancelled = errors.New("operation cancelled")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")
)

// ErrorClass groups driver errors by how a caller should react to them.
type ErrorClass int

// Error classes.
const (
	ClassNone      ErrorClass = iota // No error
	ClassTransient                   // Retry with backoff
	ClassProtocol                    // Fail the request or slot
	ClassTimeout                     // Handshake deadline exceeded
	ClassResource                    // Allocation failed, nothing left allocated
	ClassInternal                    // Caller or driver bug
)

// String returns a string representation of the error class.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassProtocol:
		return "protocol"
	case ClassTimeout:
		return "timeout"
	case ClassResource:
		return "resource"
	case ClassInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Classify returns the class of err, looking through wrapped errors.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrWouldBlock), errors.Is(err, ErrBusy):
		return ClassTransient
	case errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrNoSlots), errors.Is(err, ErrNoMemory),
		errors.Is(err, ErrNoResources), errors.Is(err, ErrBandwidth):
		return ClassResource
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrDuplicateInflight),
		errors.Is(err, ErrNotConfigured), errors.Is(err, ErrInvalidEndpoint),
		errors.Is(err, ErrNotSupported), errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrNotRunning), errors.Is(err, ErrCancelled):
		return ClassInternal
	default:
		return ClassProtocol
	}
}

// IsTransient reports whether err is worth retrying after a backoff.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
