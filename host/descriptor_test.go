package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Device Descriptor Tests
// =============================================================================

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		18, DescriptorTypeDevice,
		0x00, 0x02, // bcdUSB 2.00
		0xFF, 0x01, 0x02, // class, subclass, protocol
		64,         // bMaxPacketSize0
		0x09, 0x12, // idVendor
		0x34, 0x12, // idProduct
		0x00, 0x01, // bcdDevice
		1, 2, 3, // strings
		1, // bNumConfigurations
	}

	var d DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(data, &d))

	assert.Equal(t, uint16(0x0200), d.USBVersion)
	assert.Equal(t, uint8(0xFF), d.DeviceClass)
	assert.Equal(t, uint16(0x1209), d.VendorID)
	assert.Equal(t, uint16(0x1234), d.ProductID)
	assert.Equal(t, uint8(2), d.ProductIndex)
	assert.Equal(t, uint16(64), d.MaxPacketSize())
}

func TestParseDeviceDescriptor_Errors(t *testing.T) {
	var d DeviceDescriptor

	err := ParseDeviceDescriptor([]byte{18, DescriptorTypeDevice, 0, 2}, &d)
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)

	data := make([]byte, 18)
	data[0], data[1] = 18, DescriptorTypeConfiguration
	err = ParseDeviceDescriptor(data, &d)
	assert.ErrorIs(t, err, pkg.ErrDescriptorTypeMismatch)

	data[0], data[1] = 8, DescriptorTypeDevice
	err = ParseDeviceDescriptor(data, &d)
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)
}

func TestDeviceDescriptor_MaxPacketSize(t *testing.T) {
	tests := []struct {
		name     string
		version  uint16
		raw      uint8
		expected uint16
	}{
		{"usb2 64", 0x0200, 64, 64},
		{"usb2 8", 0x0110, 8, 8},
		{"usb3 exponent", 0x0320, 9, 512},
		{"usb3 invalid", 0x0300, 64, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DeviceDescriptor{USBVersion: tt.version, MaxPacketSize0: tt.raw}
			assert.Equal(t, tt.expected, d.MaxPacketSize())
		})
	}
}

// =============================================================================
// Configuration Tree Tests
// =============================================================================

func TestParseConfigurationTree(t *testing.T) {
	data := []byte{
		// Configuration, total length filled below
		9, DescriptorTypeConfiguration, 0, 0, 1, 1, 0, 0x80, 50,
		// Interface 0
		9, DescriptorTypeInterface, 0, 0, 2, 0xFF, 0, 0, 0,
		// Class-specific
		5, 0x24, 0x01, 0x02, 0x03,
		// Bulk IN, 1024
		7, DescriptorTypeEndpoint, 0x81, 0x02, 0x00, 0x04, 0,
		// SuperSpeed companion, bMaxBurst 15
		6, DescriptorTypeSuperSpeedEndpointComp, 15, 0, 0, 0,
		// Interrupt OUT, 64
		7, DescriptorTypeEndpoint, 0x02, 0x03, 0x40, 0x00, 4,
	}
	data[2] = byte(len(data))

	tree, err := ParseConfigurationTree(data)
	require.NoError(t, err)

	assert.Equal(t, uint8(1), tree.Config.ConfigurationValue)
	require.Len(t, tree.Interfaces, 1)
	assert.Equal(t, uint8(2), tree.Interfaces[0].NumEndpoints)

	require.Len(t, tree.Endpoints, 2)
	in, out := tree.Endpoints[0], tree.Endpoints[1]
	assert.True(t, in.IsIn())
	assert.True(t, in.IsBulk())
	assert.Equal(t, uint16(1024), in.MaxPacketSize)
	assert.Equal(t, uint8(15), in.MaxBurst)
	assert.False(t, out.IsIn())
	assert.True(t, out.IsInterrupt())
	assert.Equal(t, uint8(2), out.Number())
	assert.Zero(t, out.MaxBurst)

	require.Len(t, tree.Extra[0], 1)
	assert.Equal(t, []byte{5, 0x24, 0x01, 0x02, 0x03}, tree.Extra[0][0])
}

func TestParseConfigurationTree_Truncated(t *testing.T) {
	data := []byte{
		9, DescriptorTypeConfiguration, 24, 0, 1, 1, 0, 0x80, 50,
		9, DescriptorTypeInterface, 0, 0, 1, 0xFF, 0, 0, 0,
		// Endpoint cut short by wTotalLength
		7, DescriptorTypeEndpoint, 0x81, 0x02, 0x40, 0x00, 0,
	}

	tree, err := ParseConfigurationTree(data)
	require.NoError(t, err)
	assert.Len(t, tree.Interfaces, 1)
	assert.Empty(t, tree.Endpoints)
}

func TestParseConfigurationTree_Errors(t *testing.T) {
	_, err := ParseConfigurationTree([]byte{9, DescriptorTypeDevice, 9, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, pkg.ErrDescriptorTypeMismatch)

	// An endpoint descriptor too short to decode
	data := []byte{
		9, DescriptorTypeConfiguration, 13, 0, 1, 1, 0, 0x80, 50,
		4, DescriptorTypeEndpoint, 0x81, 0x02,
	}
	_, err = ParseConfigurationTree(data)
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)
}

// =============================================================================
// String Descriptor Tests
// =============================================================================

func TestParseStringDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{"ascii", []byte{8, DescriptorTypeString, 'x', 0, 'h', 0, 'c', 0}, "xhc"},
		{"non-ascii", []byte{6, DescriptorTypeString, 0xFC, 0x00, 0xAC, 0x20}, "ü€"},
		{"surrogate pair", []byte{6, DescriptorTypeString, 0x3D, 0xD8, 0x0A, 0xDE}, "😊"},
		{"empty", []byte{2, DescriptorTypeString}, ""},
		{"odd length", []byte{5, DescriptorTypeString, 'o', 0, 'k'}, "o"},
		{"length beyond data", []byte{10, DescriptorTypeString, 'a', 0}, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseStringDescriptor(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, s)
		})
	}
}

func TestParseStringDescriptor_Errors(t *testing.T) {
	_, err := ParseStringDescriptor([]byte{4})
	assert.ErrorIs(t, err, pkg.ErrDescriptorTooShort)

	_, err = ParseStringDescriptor([]byte{4, DescriptorTypeDevice, 'a', 0})
	assert.ErrorIs(t, err, pkg.ErrDescriptorTypeMismatch)
}
