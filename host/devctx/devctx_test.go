package devctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
)

func TestDCI(t *testing.T) {
	tests := []struct {
		endpoint uint8
		want     uint8
	}{
		{0x00, 1},
		{0x80, 1},
		{0x01, 2},
		{0x81, 3},
		{0x02, 4},
		{0x8F, 31},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DCI(tt.endpoint), "endpoint %#02x", tt.endpoint)
	}
}

func TestOffsets(t *testing.T) {
	assert.Equal(t, 0, DeviceSlotOffset())
	assert.Equal(t, 32, DeviceEndpointOffset(1))
	assert.Equal(t, 32, InputSlotOffset())
	assert.Equal(t, 64, InputEndpointOffset(1))
	assert.Equal(t, 1024, DeviceContextSize)
	assert.Equal(t, 1056, InputContextSize)
	assert.Equal(t, InputContextSize, InputEndpointOffset(NumEndpoints)+Size)
}

func TestSlotContext_RoundTrip(t *testing.T) {
	in := SlotContext{
		RouteString:       0x12345,
		Speed:             hal.SpeedHigh.PSI(),
		ContextEntries:    1,
		MaxExitLatency:    100,
		RootHubPort:       3,
		NumPorts:          0,
		InterrupterTarget: 0,
		DeviceAddress:     7,
		State:             SlotAddressed,
	}

	buf := make([]byte, Size)
	require.Equal(t, Size, in.MarshalTo(buf))

	var out SlotContext
	require.True(t, ParseSlotContext(buf, &out))
	assert.Equal(t, in, out)
	assert.False(t, ParseSlotContext(buf[:Size-1], &out))
	assert.Equal(t, 0, in.MarshalTo(buf[:4]))
}

func TestEndpointContext_Layout(t *testing.T) {
	in := EndpointContext{
		Type:             EndpointControl,
		ErrorCount:       3,
		MaxPacketSize:    64,
		DequeuePointer:   0x10040,
		DequeueCycle:     true,
		AverageTRBLength: 8,
	}

	buf := make([]byte, Size)
	require.Equal(t, Size, in.MarshalTo(buf))

	// dword 1: CErr=3 (bits 1-2), type=4 (bits 3-5), MPS=64 (bits 16-31)
	assert.Equal(t, []byte{0x26, 0x00, 0x40, 0x00}, buf[4:8])
	// dequeue pointer with DCS in bit 0
	assert.Equal(t, byte(0x41), buf[8])

	var out EndpointContext
	require.True(t, ParseEndpointContext(buf, &out))
	assert.Equal(t, in, out)
}

func TestEndpointTypeFor(t *testing.T) {
	tests := []struct {
		endpoint   uint8
		attributes uint8
		want       EndpointType
	}{
		{0x00, 0x00, EndpointControl},
		{0x81, 0x02, EndpointBulkIn},
		{0x02, 0x02, EndpointBulkOut},
		{0x83, 0x03, EndpointIntIn},
		{0x04, 0x03, EndpointIntOut},
		{0x85, 0x01, EndpointIsochIn},
		{0x06, 0x01, EndpointIsochOut},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EndpointTypeFor(tt.endpoint, tt.attributes))
	}
}

func TestInputControlContext(t *testing.T) {
	in := InputControlContext{Add: Flag(0) | Flag(1)}
	buf := make([]byte, Size)
	require.Equal(t, Size, in.MarshalTo(buf))
	assert.Equal(t, byte(0x03), buf[4])

	var out InputControlContext
	require.True(t, ParseInputControlContext(buf, &out))
	assert.Equal(t, in, out)
}
