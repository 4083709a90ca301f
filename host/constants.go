package host

import "fmt"

// DeviceState is the state of an enumerated device as seen by the host.
type DeviceState uint8

// Device states.
const (
	DeviceStateDetached   DeviceState = iota // Slot released
	DeviceStateDefault                       // Slot enabled, no address
	DeviceStateAddressed                     // Address Device completed
	DeviceStateConfigured                    // Configuration selected
)

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddressed:
		return "Addressed"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Descriptor limits.
const (
	// MaxStringsPerDevice bounds the string descriptor cache of a device.
	MaxStringsPerDevice = 16

	// MaxDescriptorSize is the largest descriptor read during enumeration.
	MaxDescriptorSize = 512
)

// Endpoint transfer types (bmAttributes bits 1:0).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Descriptor types.
const (
	DescriptorTypeDevice                 = 0x01
	DescriptorTypeConfiguration          = 0x02
	DescriptorTypeString                 = 0x03
	DescriptorTypeInterface              = 0x04
	DescriptorTypeEndpoint               = 0x05
	DescriptorTypeInterfaceAssociation   = 0x0B
	DescriptorTypeBOS                    = 0x0F
	DescriptorTypeSuperSpeedEndpointComp = 0x30
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
)

// Standard feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
)

// LangIDUSEnglish is the language ID used for string descriptors.
const LangIDUSEnglish = 0x0409
