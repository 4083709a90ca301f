package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// ErrEnumerationFailed is wrapped by errors from the enumeration sequence.
var ErrEnumerationFailed = errors.New("enumeration failed")

// PortState is the enumeration state of a root hub port.
type PortState uint8

// Port states.
const (
	PortDisconnected PortState = iota // Nothing attached, or attach failed
	PortResetting                     // USB2 port reset in progress
	PortAddressing                    // Slot being enabled and addressed
	PortReady                         // Device enumerated and registered
)

// String returns the state name.
func (s PortState) String() string {
	switch s {
	case PortDisconnected:
		return "Disconnected"
	case PortResetting:
		return "Resetting"
	case PortAddressing:
		return "Addressing"
	case PortReady:
		return "Ready"
	default:
		return fmt.Sprintf("PortState(%d)", s)
	}
}

// port is the enumeration state of one root hub port. mu serializes
// every event for the port and is held for the whole enumeration; state
// is readable without it.
type port struct {
	num   int
	state atomic.Uint32 // PortState

	mu     sync.Mutex
	slot   uint8
	device *Device
}

func (p *port) current() PortState {
	return PortState(p.state.Load())
}

func (p *port) setState(s PortState) {
	if from := PortState(p.state.Swap(uint32(s))); from != s {
		pkg.LogDebug(pkg.ComponentEnum, "port state",
			"port", p.num,
			"from", from,
			"to", s)
	}
}

// PortState returns the enumeration state of port n. It does not wait
// for an enumeration in progress.
func (h *Host) PortState(n int) PortState {
	if n <= 0 || n >= len(h.ports) {
		return PortDisconnected
	}
	return h.ports[n].current()
}

// handlePort brings the enumeration state of port n in line with the
// port's current connection status.
func (h *Host) handlePort(n int) {
	if n <= 0 || n >= len(h.ports) {
		return
	}
	p := h.ports[n]
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.ctx.Err() != nil {
		return
	}

	ps, err := h.hc.PortStatus(n)
	if err != nil {
		pkg.LogWarn(pkg.ComponentEnum, "port status read failed", "port", n, "error", err)
		return
	}

	switch {
	case !ps.Connected:
		if p.current() != PortDisconnected {
			h.detach(p)
		}
	case p.current() == PortDisconnected:
		h.attach(p, ps)
	default:
		// Reconnected before the disconnect was seen.
		h.detach(p)
		h.attach(p, ps)
	}
}

// attach runs the connect path. On failure the port returns to
// Disconnected with nothing allocated.
func (h *Host) attach(p *port, ps hal.PortStatus) {
	pkg.LogInfo(pkg.ComponentEnum, "device connected", "port", p.num, "speed", ps.Speed)

	dev, err := h.bringUpPort(p, ps)
	if err != nil {
		if p.slot != 0 {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
			if ferr := h.FreeSlot(ctx, p.slot); ferr != nil {
				pkg.LogDebug(pkg.ComponentEnum, "free slot after failed attach", "port", p.num, "error", ferr)
			}
			cancel()
		}
		p.slot = 0
		p.setState(PortDisconnected)
		if !h.stopped(err) {
			pkg.LogWarn(pkg.ComponentEnum, "enumeration failed", "port", p.num, "error", err)
		}
		return
	}

	p.device = dev
	p.setState(PortReady)

	h.mutex.Lock()
	h.devices[dev.slot] = dev
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	select {
	case h.deviceConnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}

	pkg.LogInfo(pkg.ComponentEnum, "device enumerated",
		"port", p.num,
		"slot", dev.slot,
		"address", dev.address,
		"vendor", fmt.Sprintf("%04x", dev.VendorID()),
		"product", fmt.Sprintf("%04x", dev.ProductID()))
}

func (h *Host) bringUpPort(p *port, ps hal.PortStatus) (*Device, error) {
	ctx := h.ctx

	if ps.Speed.IsUSB2() {
		p.setState(PortResetting)
		var err error
		if ps, err = h.resetPort(ctx, p.num); err != nil {
			return nil, fmt.Errorf("%w: port reset: %w", ErrEnumerationFailed, err)
		}
	}

	p.setState(PortAddressing)
	id, err := h.AllocateSlot(ctx, p.num)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	p.slot = id
	if err := h.InitializeSlot(ctx, id, p.num, ps.Speed); err != nil {
		// InitializeSlot has already released the slot.
		p.slot = 0
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}

	dev, err := h.enumerate(ctx, h.Slot(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}
	if err := h.reg.Add(dev.Info()); err != nil {
		return nil, fmt.Errorf("%w: registration: %w", ErrEnumerationFailed, err)
	}
	return dev, nil
}

// resetPort resets a USB2 port and waits for the reset to complete.
func (h *Host) resetPort(ctx context.Context, n int) (hal.PortStatus, error) {
	if err := h.hc.ResetPort(n); err != nil {
		return hal.PortStatus{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.PortResetTimeout)
	defer cancel()
	ticker := time.NewTicker(h.cfg.PortPollInterval)
	defer ticker.Stop()

	for {
		ps, err := h.hc.PortStatus(n)
		if err != nil {
			return ps, err
		}
		if !ps.Connected {
			return ps, pkg.ErrNoDevice
		}
		if ps.ResetChange() && ps.Enabled {
			if err := h.hc.ClearPortChange(n, hal.PortChangeReset); err != nil {
				return ps, err
			}
			return ps, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && h.ctx.Err() == nil {
				return ps, pkg.ErrTimeout
			}
			return ps, pkg.ErrCancelled
		case <-ticker.C:
		}
	}
}

// enumerate reads the descriptors of an addressed device, configures
// its endpoints and selects its first configuration.
func (h *Host) enumerate(ctx context.Context, s *Slot) (*Device, error) {
	if s == nil {
		return nil, pkg.ErrNotConfigured
	}
	dev := newDevice(h, s)
	buf := make([]byte, MaxDescriptorSize)

	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if err := ParseDeviceDescriptor(buf[:n], &dev.descriptor); err != nil {
		return nil, err
	}

	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	var hdr ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(buf[:n], &hdr); err != nil {
		return nil, err
	}
	total := min(int(hdr.TotalLength), len(buf))
	if n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total]); err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if dev.tree, err = ParseConfigurationTree(buf[:n]); err != nil {
		return nil, err
	}

	h.readStrings(ctx, dev, buf)

	for _, ep := range dev.tree.Endpoints {
		if ep.IsIsochronous() {
			pkg.LogDebug(pkg.ComponentEnum, "isochronous endpoint skipped",
				"slot", dev.slot,
				"endpoint", fmt.Sprintf("%#x", ep.EndpointAddress))
			continue
		}
		if err := h.ConfigureEndpoint(ctx, dev.slot, ep); err != nil {
			return nil, fmt.Errorf("endpoint %#x: %w", ep.EndpointAddress, err)
		}
	}

	if v := dev.tree.Config.ConfigurationValue; v > 0 {
		if err := dev.SetConfiguration(ctx, v); err != nil {
			return nil, fmt.Errorf("set configuration: %w", err)
		}
	}
	return dev, nil
}

// readStrings caches the manufacturer, product and serial strings.
// Failures only cost the string.
func (h *Host) readStrings(ctx context.Context, dev *Device, buf []byte) {
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.names) {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf[:255])
		if err != nil {
			pkg.LogDebug(pkg.ComponentEnum, "string descriptor read failed",
				"slot", dev.slot, "index", index, "error", err)
			continue
		}
		s, err := ParseStringDescriptor(buf[:n])
		if err != nil {
			continue
		}
		dev.names[index] = s
	}
}

// detach runs the disconnect path from any state.
func (h *Host) detach(p *port) {
	dev := p.device
	if p.slot != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
		if err := h.FreeSlot(ctx, p.slot); err != nil && !h.stopped(err) {
			pkg.LogDebug(pkg.ComponentEnum, "free slot on detach", "port", p.num, "error", err)
		}
		cancel()
	}
	p.slot = 0
	p.device = nil
	p.setState(PortDisconnected)

	if dev == nil {
		return
	}
	h.reg.Remove(dev.Info())
	dev.Close()

	h.mutex.Lock()
	if h.devices[dev.slot] == dev {
		delete(h.devices, dev.slot)
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	select {
	case h.deviceDisconnected <- dev:
	default:
	}
	if cb != nil {
		cb(dev)
	}

	pkg.LogInfo(pkg.ComponentEnum, "device disconnected",
		"port", p.num,
		"slot", dev.slot)
}
