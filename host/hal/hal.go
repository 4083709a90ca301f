package hal

import (
	"context"
)

// PhysAddr is a bus address as seen by the host controller.
type PhysAddr uint64

// PageSize is the controller page size assumed for ring and context alignment.
const PageSize = 4096

// Region is one physically contiguous span of a scatter list.
type Region struct {
	Addr   PhysAddr
	Length int
}

// Buffer is a DMA-visible allocation. Data aliases the memory the controller
// reads and writes at Addr.
type Buffer struct {
	Addr PhysAddr
	Data []byte
}

// Len returns the size of the buffer in bytes.
func (b Buffer) Len() int {
	return len(b.Data)
}

// IsZero reports whether b is the zero Buffer.
func (b Buffer) IsZero() bool {
	return b.Addr == 0 && b.Data == nil
}

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown   Speed = iota // Not connected or unknown
	SpeedLow                    // Low Speed (1.5 Mbit/s)
	SpeedFull                   // Full Speed (12 Mbit/s)
	SpeedHigh                   // High Speed (480 Mbit/s)
	SpeedSuper                  // SuperSpeed (5 Gbit/s)
	SpeedSuperPlus              // SuperSpeedPlus (10 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "Super Speed"
	case SpeedSuperPlus:
		return "Super Speed Plus"
	default:
		return "Unknown"
	}
}

// IsUSB2 reports whether the link is a USB 2.0 link. These ports must be
// reset before the device is enabled; USB3 links train on their own.
func (s Speed) IsUSB2() bool {
	return s == SpeedLow || s == SpeedFull || s == SpeedHigh
}

// MaxPacketSize0 returns the default maximum packet size for endpoint 0.
// Full-speed devices may use 8, 16, 32 or 64; 64 is assumed until the
// device descriptor has been read.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	case SpeedSuper, SpeedSuperPlus:
		return 512
	default:
		return 8
	}
}

// PSI returns the protocol speed ID used in port and slot contexts.
func (s Speed) PSI() uint8 {
	switch s {
	case SpeedFull:
		return 1
	case SpeedLow:
		return 2
	case SpeedHigh:
		return 3
	case SpeedSuper:
		return 4
	case SpeedSuperPlus:
		return 5
	default:
		return 0
	}
}

// SpeedFromPSI converts a protocol speed ID to a Speed.
func SpeedFromPSI(psi uint8) Speed {
	switch psi {
	case 1:
		return SpeedFull
	case 2:
		return SpeedLow
	case 3:
		return SpeedHigh
	case 4:
		return SpeedSuper
	case 5:
		return SpeedSuperPlus
	default:
		return SpeedUnknown
	}
}

// PortChange is a set of port status change bits.
type PortChange uint32

// Port change bits.
const (
	PortChangeConnect     PortChange = 1 << 0 // Connect status change
	PortChangeEnable      PortChange = 1 << 1 // Port enabled/disabled change
	PortChangeWarmReset   PortChange = 1 << 2 // Warm reset complete
	PortChangeOverCurrent PortChange = 1 << 3 // Over-current change
	PortChangeReset       PortChange = 1 << 4 // Port reset complete
	PortChangeLinkState   PortChange = 1 << 5 // Link state change
	PortChangeConfigError PortChange = 1 << 6 // Port config error

	PortChangeAll = PortChangeConnect | PortChangeEnable | PortChangeWarmReset |
		PortChangeOverCurrent | PortChangeReset | PortChangeLinkState | PortChangeConfigError
)

// PortStatus represents the status of a root hub port.
type PortStatus struct {
	Connected   bool       // Device is connected
	Enabled     bool       // Port is enabled
	OverCurrent bool       // Over-current condition detected
	Reset       bool       // Port is being reset
	PowerOn     bool       // Port has power applied
	Speed       Speed      // Connected device speed
	Change      PortChange // Pending change bits
}

// ConnectChange reports whether the connection status has changed.
func (p PortStatus) ConnectChange() bool {
	return p.Change&PortChangeConnect != 0
}

// ResetChange reports whether a port reset has completed.
func (p PortStatus) ResetChange() bool {
	return p.Change&PortChangeReset != 0
}

// Controller status bits reported by [Controller.Status].
const (
	StatusHalted          uint32 = 1 << 0  // Controller halted
	StatusHostSystemError uint32 = 1 << 2  // Host system error
	StatusEventInterrupt  uint32 = 1 << 3  // Event interrupt pending
	StatusPortChange      uint32 = 1 << 4  // Port change detected
	StatusNotReady        uint32 = 1 << 11 // Controller not ready
	StatusControllerError uint32 = 1 << 12 // Internal controller error

	// StatusClearable holds the write-1-to-clear bits.
	StatusClearable = StatusHostSystemError | StatusEventInterrupt | StatusPortChange
)

// Capabilities are the controller capability bits read at start.
// They gate feature use and are not user-configurable.
type Capabilities struct {
	MaxSlots     int  // Number of device slots (1..255)
	MaxPorts     int  // Number of root hub ports
	Addressing64 bool // Controller can address 64-bit memory
	Scratchpads  int  // Scratchpad buffers the controller requires
	PageSize     int  // Controller page size in bytes
	ContextSize  int  // Size of one context record (32 or 64)
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage moves data from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// Memory is the physical memory collaborator. The driver never translates
// addresses itself; every DMA buffer and every phys-to-virt lookup goes
// through Memory.
type Memory interface {
	// Alloc returns a zeroed buffer of size bytes whose bus address is a
	// multiple of align (a power of two).
	Alloc(size, align int) (Buffer, error)

	// Free returns a buffer obtained from Alloc.
	Free(buf Buffer)

	// Map returns the virtual view of size bytes at addr.
	Map(addr PhysAddr, size int) ([]byte, error)

	// Scatter builds the scatter list for data, which must lie in memory
	// obtained from Alloc.
	Scatter(data []byte) ([]Region, error)
}

// Controller is the register and interrupt collaborator for one host
// controller instance. Bit layouts stay behind this interface.
//
// All methods should be safe for concurrent use.
type Controller interface {
	// Capabilities returns the capability bits read at start.
	Capabilities() Capabilities

	// Reset halts and resets the controller, waiting for the handshake
	// until ctx expires.
	Reset(ctx context.Context) error

	// Start sets the run bit and waits for the controller to leave the
	// halted state.
	Start(ctx context.Context) error

	// Stop clears the run bit and waits for the controller to halt.
	Stop(ctx context.Context) error

	// SetDeviceContextArray programs the device context base address array.
	SetDeviceContextArray(addr PhysAddr)

	// SetCommandRing programs the command ring pointer and consumer cycle state.
	SetCommandRing(addr PhysAddr, cycle bool)

	// SetEventRing programs the event ring segment table and initial
	// dequeue pointer of the primary interrupter.
	SetEventRing(segmentTable PhysAddr, segments int, dequeue PhysAddr)

	// SetEventDequeue writes the event ring dequeue pointer, letting the
	// controller reclaim event ring space.
	SetEventDequeue(addr PhysAddr)

	// RingDoorbell notifies the controller of new work. Slot 0 is the
	// command ring; otherwise target is the device context index.
	RingDoorbell(slot, target uint8)

	// Status returns the controller status bits.
	Status() uint32

	// ClearStatus clears the given write-1-to-clear status bits.
	ClearStatus(bits uint32)

	// PortStatus returns the status of a root hub port (1-indexed).
	PortStatus(port int) (PortStatus, error)

	// ClearPortChange acknowledges the given change bits of a port.
	ClearPortChange(port int, change PortChange) error

	// ResetPort starts a port reset. Completion is reported through the
	// port's reset change bit.
	ResetPort(port int) error

	// RegisterInterrupt installs the interrupt checker and handler. check
	// runs first and reports whether the interrupt belongs to this
	// controller; handler runs only when it does.
	RegisterInterrupt(check func() bool, handler func()) error

	// Close releases the controller.
	Close() error
}

// DeviceInfo describes an addressed device to the registration collaborator.
type DeviceInfo struct {
	SlotID    uint8
	Address   uint8
	Port      int
	Speed     Speed
	VendorID  uint16
	ProductID uint16
	Class     uint8
}

// Registrar adds and removes devices from the system device tree.
type Registrar interface {
	Add(info DeviceInfo) error
	Remove(info DeviceInfo)
}
