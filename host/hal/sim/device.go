package sim

import (
	"encoding/binary"
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Device is a device model attached to a simulated root hub port.
// Implementations must be comparable (typically a pointer).
type Device interface {
	// Speed returns the speed the device connects at.
	Speed() hal.Speed

	// Control handles a request on the default endpoint. For IN requests
	// the response is written to data and its length returned; for OUT
	// requests data holds the data stage. Returning pkg.ErrStall stalls
	// the request.
	Control(setup hal.SetupPacket, data []byte) (int, error)

	// Transfer moves data on a bulk or interrupt endpoint. endpoint is
	// the USB endpoint address including the direction bit.
	Transfer(endpoint uint8, data []byte) (int, error)
}

// Standard request and descriptor codes understood by Loopback.
const (
	requestGetStatus        = 0x00
	requestGetDescriptor    = 0x06
	requestGetConfiguration = 0x08
	requestSetConfiguration = 0x09

	descriptorDevice        = 0x01
	descriptorConfiguration = 0x02
	descriptorString        = 0x03

	deviceDescriptorLength = 18
)

// Loopback endpoint addresses.
const (
	LoopbackIn  = 0x81
	LoopbackOut = 0x02
)

// loopbackProductIndex is the string index of the loopback product name.
const loopbackProductIndex = 2

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Loopback is a vendor-class device with one bulk OUT and one bulk IN
// endpoint. Data written to the OUT endpoint is returned on the IN
// endpoint in the same packet boundaries.
type Loopback struct {
	VendorID       uint16
	ProductID      uint16
	MaxPacketSize0 uint8
	ProductName    string // iProduct string; empty reports no string

	mu      sync.Mutex
	speed   hal.Speed
	config  uint8
	pending [][]byte
}

// NewLoopback returns a loopback device connecting at speed.
func NewLoopback(speed hal.Speed) *Loopback {
	return &Loopback{
		VendorID:       0x1209,
		ProductID:      0x0001,
		MaxPacketSize0: uint8(min(speed.MaxPacketSize0(), 64)),
		ProductName:    "Loopback",
		speed:          speed,
	}
}

// Speed returns the connection speed.
func (d *Loopback) Speed() hal.Speed {
	return d.speed
}

// Configuration returns the value set by SET_CONFIGURATION.
func (d *Loopback) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Pending returns the number of packets waiting on the IN endpoint.
func (d *Loopback) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// bulkMaxPacket returns the bulk max packet size for the device speed.
func (d *Loopback) bulkMaxPacket() uint16 {
	switch {
	case !d.speed.IsUSB2():
		return 1024
	case d.speed == hal.SpeedHigh:
		return 512
	default:
		return 64
	}
}

func (d *Loopback) deviceDescriptor() []byte {
	b := make([]byte, deviceDescriptorLength)
	b[0] = deviceDescriptorLength
	b[1] = descriptorDevice
	binary.LittleEndian.PutUint16(b[2:], 0x0200)
	if !d.speed.IsUSB2() {
		binary.LittleEndian.PutUint16(b[2:], 0x0320)
	}
	b[4] = 0xFF // Vendor-specific class
	b[7] = d.MaxPacketSize0
	if !d.speed.IsUSB2() {
		b[7] = 9 // 2^9 = 512
	}
	binary.LittleEndian.PutUint16(b[8:], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:], 0x0100)
	if d.ProductName != "" {
		b[15] = loopbackProductIndex
	}
	b[17] = 1 // bNumConfigurations
	return b
}

func (d *Loopback) configDescriptor() []byte {
	mps := d.bulkMaxPacket()
	b := []byte{
		// Configuration
		9, descriptorConfiguration, 32, 0, 1, 1, 0, 0x80, 50,
		// Interface
		9, 0x04, 0, 0, 2, 0xFF, 0, 0, 0,
		// Bulk IN
		7, 0x05, LoopbackIn, 0x02, byte(mps), byte(mps >> 8), 0,
		// Bulk OUT
		7, 0x05, LoopbackOut, 0x02, byte(mps), byte(mps >> 8), 0,
	}
	return b
}

// stringDescriptor returns string descriptor index: the language table
// at 0, the product name at loopbackProductIndex.
func (d *Loopback) stringDescriptor(index uint8) ([]byte, bool) {
	switch {
	case index == 0:
		return []byte{4, descriptorString, 0x09, 0x04}, true
	case index == loopbackProductIndex && d.ProductName != "":
		s, err := utf16le.NewEncoder().Bytes([]byte(d.ProductName))
		if err != nil || len(s) > 0xFF-2 {
			return nil, false
		}
		return append([]byte{byte(2 + len(s)), descriptorString}, s...), true
	}
	return nil, false
}

// Control handles standard requests on the default endpoint.
func (d *Loopback) Control(setup hal.SetupPacket, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reply := func(b []byte) (int, error) {
		n := min(len(b), int(setup.Length), len(data))
		return copy(data[:n], b), nil
	}

	switch setup.Request {
	case requestGetDescriptor:
		switch uint8(setup.Value >> 8) {
		case descriptorDevice:
			return reply(d.deviceDescriptor())
		case descriptorConfiguration:
			return reply(d.configDescriptor())
		case descriptorString:
			if b, ok := d.stringDescriptor(uint8(setup.Value)); ok {
				return reply(b)
			}
		}
	case requestGetConfiguration:
		return reply([]byte{d.config})
	case requestSetConfiguration:
		if setup.Value > 1 {
			return 0, pkg.ErrStall
		}
		d.config = uint8(setup.Value)
		return 0, nil
	case requestGetStatus:
		return reply([]byte{0, 0})
	}
	return 0, pkg.ErrStall
}

// Transfer queues OUT data and returns it on the IN endpoint.
func (d *Loopback) Transfer(endpoint uint8, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config == 0 {
		return 0, pkg.ErrStall
	}

	switch endpoint {
	case LoopbackOut:
		buf := mcache.Malloc(len(data))
		copy(buf, data)
		d.pending = append(d.pending, buf)
		return len(data), nil

	case LoopbackIn:
		if len(d.pending) == 0 {
			return 0, nil
		}
		head := d.pending[0]
		if len(head) > len(data) {
			return 0, pkg.ErrBabble
		}
		n := copy(data, head)
		d.pending = d.pending[1:]
		mcache.Free(head)
		return n, nil
	}
	return 0, pkg.ErrStall
}

var _ Device = (*Loopback)(nil)
