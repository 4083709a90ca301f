package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// maxBounceAlign caps bounce buffer alignment at the span a single
// transfer record may cover.
const maxBounceAlign = 64 << 10

// Device is a USB device bound to an addressed slot. Transfers on it
// are staged through DMA bounce buffers and submitted as Requests.
type Device struct {
	host *Host

	slot    uint8
	port    int
	speed   hal.Speed
	address uint8

	descriptor DeviceDescriptor
	tree       *ConfigurationTree
	names      [MaxStringsPerDevice]string // string descriptors by index

	mu     sync.RWMutex
	state  DeviceState
	config uint8 // selected bConfigurationValue
}

func newDevice(host *Host, s *Slot) *Device {
	return &Device{
		host:    host,
		slot:    s.ID(),
		port:    s.Port(),
		speed:   s.Speed(),
		address: s.Address(),
		tree:    &ConfigurationTree{},
		state:   DeviceStateAddressed,
	}
}

// Slot returns the device slot id.
func (d *Device) Slot() uint8 { return d.slot }

// Address returns the USB address the controller assigned.
func (d *Device) Address() uint8 { return d.address }

// Port returns the root hub port number.
func (d *Device) Port() int { return d.port }

// Speed returns the negotiated port speed.
func (d *Device) Speed() hal.Speed { return d.speed }

// VendorID returns idVendor.
func (d *Device) VendorID() uint16 { return d.descriptor.VendorID }

// ProductID returns idProduct.
func (d *Device) ProductID() uint16 { return d.descriptor.ProductID }

// Descriptor returns a copy of the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the header of the first configuration.
func (d *Device) Configuration() ConfigurationDescriptor { return d.tree.Config }

// Interfaces and Endpoints expose the parsed configuration tree. The
// slices are shared with the device and must not be modified.
func (d *Device) Interfaces() []InterfaceDescriptor { return d.tree.Interfaces }

func (d *Device) Endpoints() []EndpointDescriptor { return d.tree.Endpoints }

// Endpoint looks up an endpoint of the configuration by address.
func (d *Device) Endpoint(address uint8) (EndpointDescriptor, bool) {
	for _, ep := range d.tree.Endpoints {
		if ep.EndpointAddress == address {
			return ep, true
		}
	}
	return EndpointDescriptor{}, false
}

// StringDescriptor returns the string read at enumeration for index, or
// "" if the device has none there.
func (d *Device) StringDescriptor(index uint8) string {
	if int(index) >= len(d.names) {
		return ""
	}
	return d.names[index]
}

// Product returns the iProduct string.
func (d *Device) Product() string {
	return d.StringDescriptor(d.descriptor.ProductIndex)
}

// State returns the device state.
func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// ConfigurationValue returns the selected bConfigurationValue, 0 while
// unconfigured.
func (d *Device) ConfigurationValue() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Info returns the registration record of the device.
func (d *Device) Info() hal.DeviceInfo {
	return hal.DeviceInfo{
		SlotID:    d.slot,
		Address:   d.address,
		Port:      d.port,
		Speed:     d.speed,
		VendorID:  d.descriptor.VendorID,
		ProductID: d.descriptor.ProductID,
		Class:     d.descriptor.DeviceClass,
	}
}

// Close marks the device detached. The host releases its slot.
func (d *Device) Close() error {
	d.mu.Lock()
	d.state = DeviceStateDetached
	d.mu.Unlock()
	return nil
}

// bounce allocates a DMA buffer for a transfer of size bytes. Buffers up
// to 64KB are aligned to their size rounded up to a power of two, so they
// never straddle a 64KB boundary and map to a single record.
func (h *Host) bounce(size int) (hal.Buffer, []hal.Region, error) {
	if size == 0 {
		return hal.Buffer{}, nil, nil
	}
	align := min(1<<bits.Len(uint(size-1)), maxBounceAlign)
	buf, err := h.mem.Alloc(size, align)
	if err != nil {
		return hal.Buffer{}, nil, err
	}
	regions, err := h.mem.Scatter(buf.Data)
	if err != nil {
		h.mem.Free(buf)
		return hal.Buffer{}, nil, err
	}
	return buf, regions, nil
}

// transfer runs one request through a bounce buffer holding data.
func (d *Device) transfer(ctx context.Context, req *Request, data []byte, in bool) (int, error) {
	if d.State() == DeviceStateDetached {
		return 0, pkg.ErrNoDevice
	}

	buf, regions, err := d.host.bounce(len(data))
	if err != nil {
		return 0, err
	}
	if !buf.IsZero() {
		defer d.host.mem.Free(buf)
		if !in {
			copy(buf.Data, data)
		}
	}
	req.Slot = d.slot
	req.Regions = regions

	n, err := d.host.Do(ctx, req)
	if in && n > 0 {
		copy(data, buf.Data[:n])
	}
	return n, err
}

// ControlTransfer performs a control transfer on the default endpoint.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil || len(data) > int(setup.Length) {
		return 0, pkg.ErrInvalidParameter
	}
	s := *setup
	req := &Request{Kind: KindControl, Setup: &s}
	return d.transfer(ctx, req, data, s.IsIn())
}

// BulkTransfer performs a bulk transfer. The direction follows the
// endpoint address.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.endpointTransfer(ctx, endpoint, data, EndpointTypeBulk)
}

// InterruptTransfer performs an interrupt transfer.
func (d *Device) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.endpointTransfer(ctx, endpoint, data, EndpointTypeInterrupt)
}

func (d *Device) endpointTransfer(ctx context.Context, endpoint uint8, data []byte, kind uint8) (int, error) {
	ep, ok := d.Endpoint(endpoint)
	if !ok || ep.TransferType() != kind {
		return 0, fmt.Errorf("%w: endpoint %#x", pkg.ErrInvalidEndpoint, endpoint)
	}
	req := &Request{Kind: KindNormal, Endpoint: endpoint}
	return d.transfer(ctx, req, data, ep.IsIn())
}

// standardRequest builds a setup packet for a standard request.
func standardRequest(recipient, request uint8, value, index uint16, length int) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeStandard | recipient,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(length),
	}
}

// GetDescriptor reads descriptor descType/descIndex into data.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := standardRequest(RequestTypeDevice, RequestGetDescriptor,
		uint16(descType)<<8|uint16(descIndex), langID, len(data))
	setup.RequestType |= RequestTypeIn
	return d.ControlTransfer(ctx, &setup, data)
}

// GetStatus returns the device status word.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var status [2]byte
	setup := standardRequest(RequestTypeDevice, RequestGetStatus, 0, 0, len(status))
	setup.RequestType |= RequestTypeIn
	if _, err := d.ControlTransfer(ctx, &setup, status[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(status[:]), nil
}

// SetConfiguration selects configuration value; 0 returns the device to
// the addressed state.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := standardRequest(RequestTypeDevice, RequestSetConfiguration, uint16(value), 0, 0)
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = value
	d.state = DeviceStateAddressed
	if value != 0 {
		d.state = DeviceStateConfigured
	}
	return nil
}

// ClearEndpointHalt sends CLEAR_FEATURE(ENDPOINT_HALT) for endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := standardRequest(RequestTypeEndpoint, RequestClearFeature,
		FeatureEndpointHalt, uint16(endpoint), 0)
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// Pipe streams bytes over a bulk IN/OUT endpoint pair. Reads fetch up to
// chunk bytes per transfer and hand them out across calls; writes are
// split into transfers of at most chunk bytes.
type Pipe struct {
	mu      sync.Mutex
	dev     *Device
	in, out uint8
	chunk   int
	rx      []byte
	pending []byte // received and not yet read
}

// NewPipe creates a pipe over endpoints in and out of dev.
func NewPipe(dev *Device, in, out uint8, chunk int) *Pipe {
	return &Pipe{dev: dev, in: in, out: out, chunk: chunk, rx: make([]byte, chunk)}
}

// Read copies buffered data into data, issuing one IN transfer when the
// buffer is empty.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		n, err := p.dev.BulkTransfer(ctx, p.in, p.rx)
		if err != nil {
			return 0, err
		}
		p.pending = p.rx[:n]
	}
	n := copy(data, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write sends data on the OUT endpoint and returns the bytes accepted.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sent int
	for off := 0; off < len(data); off += p.chunk {
		n, err := p.dev.BulkTransfer(ctx, p.out, data[off:min(off+p.chunk, len(data))])
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Device returns the device under the pipe.
func (p *Pipe) Device() *Device { return p.dev }
