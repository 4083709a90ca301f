package host

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/softxhci/pkg"
)

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// Descriptor sizes in bytes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// header validates the length and type bytes of a descriptor.
func header(data []byte, size int, want uint8) error {
	if len(data) < size || int(data[0]) < size {
		return fmt.Errorf("%w: type %#x, %d bytes", pkg.ErrDescriptorTooShort, want, len(data))
	}
	if data[1] != want {
		return fmt.Errorf("%w: got %#x, want %#x", pkg.ErrDescriptorTypeMismatch, data[1], want)
	}
	return nil
}

// ParseDeviceDescriptor decodes a device descriptor.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if err := header(data, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	out.USBVersion = binary.LittleEndian.Uint16(data[2:])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:])
	out.ProductID = binary.LittleEndian.Uint16(data[10:])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// MaxPacketSize returns the default control endpoint packet size in
// bytes. USB 3 devices encode it as a power of two.
func (d *DeviceDescriptor) MaxPacketSize() uint16 {
	if d.USBVersion >= 0x0300 {
		if d.MaxPacketSize0 > 15 {
			return 0
		}
		return 1 << d.MaxPacketSize0
	}
	return uint16(d.MaxPacketSize0)
}

// ConfigurationDescriptor is the header of a configuration descriptor tree.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfigurationDescriptor decodes a configuration descriptor header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if err := header(data, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	out.TotalLength = binary.LittleEndian.Uint16(data[2:])
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return nil
}

// InterfaceDescriptor is the standard interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// ParseInterfaceDescriptor decodes an interface descriptor.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := header(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return nil
}

// EndpointDescriptor is the standard endpoint descriptor, with the
// SuperSpeed companion fields when the device supplied one.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8

	MaxBurst uint8 // SuperSpeed companion bMaxBurst
}

// ParseEndpointDescriptor decodes an endpoint descriptor.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if err := header(data, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = binary.LittleEndian.Uint16(data[4:])
	out.Interval = data[6]
	return nil
}

// Number returns bEndpointAddress without the direction bit.
func (e *EndpointDescriptor) Number() uint8 { return e.EndpointAddress & 0x0F }

// IsIn reports a device-to-host endpoint.
func (e *EndpointDescriptor) IsIn() bool { return e.EndpointAddress&EndpointDirectionIn != 0 }

// TransferType returns bmAttributes bits 1:0.
func (e *EndpointDescriptor) TransferType() uint8 { return e.Attributes & 0x03 }

func (e *EndpointDescriptor) IsBulk() bool { return e.TransferType() == EndpointTypeBulk }

func (e *EndpointDescriptor) IsInterrupt() bool { return e.TransferType() == EndpointTypeInterrupt }

func (e *EndpointDescriptor) IsIsochronous() bool {
	return e.TransferType() == EndpointTypeIsochronous
}

// ConfigurationTree is a parsed configuration descriptor with its
// interfaces and endpoints in the order the device reported them.
type ConfigurationTree struct {
	Config     ConfigurationDescriptor
	Interfaces []InterfaceDescriptor
	Endpoints  []EndpointDescriptor

	// Extra holds class-specific descriptors, keyed by the interface
	// number they follow.
	Extra map[uint8][][]byte
}

// ParseConfigurationTree walks a complete configuration descriptor.
// Malformed trailing descriptors end the walk; a malformed header or
// interface/endpoint descriptor is an error.
func ParseConfigurationTree(data []byte) (*ConfigurationTree, error) {
	t := &ConfigurationTree{Extra: make(map[uint8][][]byte)}
	if err := ParseConfigurationDescriptor(data, &t.Config); err != nil {
		return nil, err
	}
	total := min(len(data), int(t.Config.TotalLength))

	iface := -1
	for off := ConfigurationDescriptorSize; off+2 <= total; {
		length := int(data[off])
		if length < 2 || off+length > total {
			break
		}
		desc := data[off : off+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			var d InterfaceDescriptor
			if err := ParseInterfaceDescriptor(desc, &d); err != nil {
				return nil, err
			}
			t.Interfaces = append(t.Interfaces, d)
			iface = int(d.InterfaceNumber)

		case DescriptorTypeEndpoint:
			var d EndpointDescriptor
			if err := ParseEndpointDescriptor(desc, &d); err != nil {
				return nil, err
			}
			t.Endpoints = append(t.Endpoints, d)

		case DescriptorTypeSuperSpeedEndpointComp:
			if n := len(t.Endpoints); n > 0 && length >= 6 {
				t.Endpoints[n-1].MaxBurst = desc[2]
			}

		default:
			if iface >= 0 {
				t.Extra[uint8(iface)] = append(t.Extra[uint8(iface)], append([]byte(nil), desc...))
			}
		}
		off += length
	}
	return t, nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ParseStringDescriptor decodes a UTF-16LE string descriptor.
func ParseStringDescriptor(data []byte) (string, error) {
	if err := header(data, 2, DescriptorTypeString); err != nil {
		return "", err
	}
	n := min(int(data[0]), len(data))
	body := data[2:n]
	if len(body)%2 != 0 {
		body = body[:len(body)-1]
	}
	s, err := utf16le.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pkg.ErrProtocol, err)
	}
	return string(s), nil
}
