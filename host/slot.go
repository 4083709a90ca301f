package host

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/ardnew/softxhci/host/devctx"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/ring"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Slot is one device slot: the controller-side state of an attached device.
type Slot struct {
	id uint8

	mu        sync.Mutex
	port      int
	speed     hal.Speed
	address   uint8
	allocated bool
	busy      bool // Input context handed to a command

	out   hal.Buffer // Output device context, owned by the controller
	in    hal.Buffer // Input context
	rings [devctx.NumEndpoints + 1]*ring.Ring
}

// ID returns the slot id.
func (s *Slot) ID() uint8 {
	return s.id
}

// Port returns the root hub port of the device.
func (s *Slot) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Speed returns the device speed.
func (s *Slot) Speed() hal.Speed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Address returns the USB address assigned by Address Device.
func (s *Slot) Address() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Allocated reports whether the slot has been addressed and is usable
// for transfers.
func (s *Slot) Allocated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

// ring returns the transfer ring of dci, or nil.
func (s *Slot) ring(dci uint8) *ring.Ring {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dci == 0 || int(dci) >= len(s.rings) {
		return nil
	}
	return s.rings[dci]
}

// claimInput marks the input context in use by a command. Caller holds s.mu.
func (s *Slot) claimInput() error {
	if s.busy {
		return fmt.Errorf("%w: slot %d input context in use", pkg.ErrBusy, s.id)
	}
	s.busy = true
	return nil
}

// finishInput returns the input context claimed for a command that
// ended with err. If the command succeeded and the slot still holds its
// contexts, done runs under s.mu.
func (s *Slot) finishInput(err error, done func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if err != nil {
		return err
	}
	if s.out.IsZero() {
		return fmt.Errorf("%w: slot %d released", pkg.ErrNoDevice, s.id)
	}
	if done != nil {
		done()
	}
	return nil
}

// release frees every ring and context of the slot.
func (s *Slot) release(mem hal.Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocated = false
	for i, r := range s.rings {
		if r != nil {
			r.Release()
			s.rings[i] = nil
		}
	}
	if !s.in.IsZero() {
		mem.Free(s.in)
		s.in = hal.Buffer{}
	}
	if !s.out.IsZero() {
		mem.Free(s.out)
		s.out = hal.Buffer{}
	}
}

// Slot returns the arena entry for id, or nil.
func (h *Host) Slot(id uint8) *Slot {
	h.slotMu.RLock()
	defer h.slotMu.RUnlock()
	if id == 0 || int(id) >= len(h.slots) {
		return nil
	}
	return h.slots[id]
}

// AllocateSlot enables a device slot for the device on port and returns
// its id. The slot is not usable until InitializeSlot succeeds.
func (h *Host) AllocateSlot(ctx context.Context, port int) (uint8, error) {
	ev, err := h.command(ctx, trb.EnableSlot())
	if err != nil {
		if errors.Is(err, pkg.ErrNoSlots) {
			pkg.LogWarn(pkg.ComponentSlot, "no device slots available", "port", port)
		}
		return 0, err
	}

	id := ev.SlotID()
	h.slotMu.Lock()
	if id == 0 || int(id) >= len(h.slots) || h.slots[id] != nil {
		h.slotMu.Unlock()
		return 0, fmt.Errorf("%w: enable slot returned slot %d", pkg.ErrProtocol, id)
	}
	h.slots[id] = &Slot{id: id, port: port}
	h.slotMu.Unlock()

	pkg.LogDebug(pkg.ComponentSlot, "slot enabled", "slot", id, "port", port)
	return id, nil
}

// InitializeSlot builds the contexts and default control ring of slot id
// and addresses the device on port. Full-speed devices additionally have
// their control packet size read from the device. On failure every
// resource is released and the slot stays unallocated.
func (h *Host) InitializeSlot(ctx context.Context, id uint8, port int, speed hal.Speed) (err error) {
	s := h.Slot(id)
	if s == nil {
		return fmt.Errorf("%w: slot %d", pkg.ErrInvalidParameter, id)
	}

	defer func() {
		if err != nil {
			h.unwindSlot(s)
			pkg.LogWarn(pkg.ComponentSlot, "slot initialization failed",
				"slot", id, "port", port, "error", err)
		}
	}()

	if err = h.addressSlot(ctx, s, port, speed); err != nil {
		return err
	}
	if speed == hal.SpeedFull {
		if err = h.fixupMaxPacket(ctx, s); err != nil {
			return err
		}
	}

	pkg.LogInfo(pkg.ComponentSlot, "slot addressed",
		"slot", id,
		"port", port,
		"speed", speed,
		"address", s.Address())
	return nil
}

func (h *Host) addressSlot(ctx context.Context, s *Slot, port int, speed hal.Speed) error {
	in, err := h.prepareAddress(s, port, speed)
	if err != nil {
		return err
	}

	_, err = h.command(ctx, trb.AddressDevice(in, s.id, false))
	return s.finishInput(err, func() {
		var out devctx.SlotContext
		devctx.ParseSlotContext(s.out.Data[devctx.DeviceSlotOffset():], &out)
		s.address = out.DeviceAddress
		s.allocated = true
	})
}

// prepareAddress allocates the contexts and control ring of s, builds
// the Address Device input context and claims it. Anything allocated
// stays on s for the caller to release.
func (h *Host) prepareAddress(s *Slot, port int, speed hal.Speed) (_ hal.PhysAddr, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocated {
		return 0, fmt.Errorf("%w: slot %d already addressed", pkg.ErrInvalidParameter, s.id)
	}
	if err := s.claimInput(); err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			s.busy = false
		}
	}()
	s.port, s.speed = port, speed

	if s.out, err = h.mem.Alloc(devctx.DeviceContextSize, 64); err != nil {
		return 0, fmt.Errorf("output context: %w", err)
	}
	if s.in, err = h.mem.Alloc(devctx.InputContextSize, 64); err != nil {
		return 0, fmt.Errorf("input context: %w", err)
	}
	ep0, err := ring.New(h.mem, h.cfg.TransferRingSize)
	if err != nil {
		return 0, fmt.Errorf("control ring: %w", err)
	}
	s.rings[1] = ep0

	if err := h.reachable("output context", s.out.Addr, s.out.Len()); err != nil {
		return 0, err
	}
	if err := h.reachable("input context", s.in.Addr, s.in.Len()); err != nil {
		return 0, err
	}
	if err := h.reachable("control ring", ep0.Base(), ep0.Size()); err != nil {
		return 0, err
	}

	ctrl := devctx.InputControlContext{Add: devctx.Flag(0) | devctx.Flag(1)}
	ctrl.MarshalTo(s.in.Data[devctx.InputControlOffset():])
	sc := devctx.SlotContext{
		Speed:          speed.PSI(),
		ContextEntries: 1,
		RootHubPort:    uint8(port),
	}
	sc.MarshalTo(s.in.Data[devctx.InputSlotOffset():])
	ec := devctx.EndpointContext{
		Type:             devctx.EndpointControl,
		ErrorCount:       3,
		MaxPacketSize:    speed.MaxPacketSize0(),
		DequeuePointer:   ep0.Base(),
		DequeueCycle:     ep0.Cycle(),
		AverageTRBLength: 8,
	}
	ec.MarshalTo(s.in.Data[devctx.InputEndpointOffset(1):])

	h.setContextPointer(s.id, s.out.Addr)
	return s.in.Addr, nil
}

// fixupMaxPacket reads the first eight bytes of the device descriptor
// and updates the default control endpoint if bMaxPacketSize0 differs
// from the speed default.
func (h *Host) fixupMaxPacket(ctx context.Context, s *Slot) error {
	buf, err := h.mem.Alloc(8, 64)
	if err != nil {
		return fmt.Errorf("descriptor buffer: %w", err)
	}
	defer h.mem.Free(buf)

	req := &Request{
		Slot:      s.id,
		Kind:      KindControl,
		Direction: DirectionIn,
		Setup: &hal.SetupPacket{
			RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
			Request:     RequestGetDescriptor,
			Value:       uint16(DescriptorTypeDevice) << 8,
			Length:      8,
		},
		Regions: []hal.Region{{Addr: buf.Addr, Length: 8}},
	}
	n, err := h.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("max packet size: %w", err)
	}
	if n < 8 {
		return fmt.Errorf("%w: %d bytes of device descriptor", pkg.ErrDescriptorTooShort, n)
	}

	mps := uint16(buf.Data[7])
	switch mps {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("%w: bMaxPacketSize0 %d", pkg.ErrProtocol, mps)
	}
	if mps == s.Speed().MaxPacketSize0() {
		return nil
	}

	s.mu.Lock()
	if s.out.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("%w: slot %d released", pkg.ErrNoDevice, s.id)
	}
	if err := s.claimInput(); err != nil {
		s.mu.Unlock()
		return err
	}
	clear(s.in.Data)
	ctrl := devctx.InputControlContext{Add: devctx.Flag(1)}
	ctrl.MarshalTo(s.in.Data[devctx.InputControlOffset():])
	var ec devctx.EndpointContext
	devctx.ParseEndpointContext(s.out.Data[devctx.DeviceEndpointOffset(1):], &ec)
	ec.MaxPacketSize = mps
	ec.MarshalTo(s.in.Data[devctx.InputEndpointOffset(1):])
	in := s.in.Addr
	s.mu.Unlock()

	_, err = h.command(ctx, trb.EvaluateContext(in, s.id))
	if err := s.finishInput(err, nil); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentSlot, "control packet size updated", "slot", s.id, "size", mps)
	return nil
}

// unwindSlot undoes a failed InitializeSlot: the controller slot is
// disabled and the arena entry removed.
func (h *Host) unwindSlot(s *Slot) {
	s.mu.Lock()
	s.allocated = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
	defer cancel()
	if _, err := h.command(ctx, trb.DisableSlot(s.id)); err != nil {
		pkg.LogDebug(pkg.ComponentSlot, "disable slot during unwind", "slot", s.id, "error", err)
	}
	h.dropSlot(s)
}

// FreeSlot disables slot id and releases all of its resources. Requests
// still outstanding on its rings fail with pkg.ErrNoDevice. The slot is
// released even if the controller rejects Disable Slot; that error is
// returned.
func (h *Host) FreeSlot(ctx context.Context, id uint8) error {
	s := h.Slot(id)
	if s == nil {
		return fmt.Errorf("%w: slot %d", pkg.ErrInvalidParameter, id)
	}

	s.mu.Lock()
	s.allocated = false
	s.mu.Unlock()

	_, err := h.command(ctx, trb.DisableSlot(id))
	if err != nil {
		pkg.LogWarn(pkg.ComponentSlot, "disable slot failed", "slot", id, "error", err)
	}
	h.dropSlot(s)

	pkg.LogDebug(pkg.ComponentSlot, "slot freed", "slot", id)
	return err
}

// dropSlot fails the requests on the slot's rings, releases its memory
// and removes it from the device context array and the arena.
func (h *Host) dropSlot(s *Slot) {
	s.mu.Lock()
	rings := s.rings
	s.mu.Unlock()
	for _, r := range rings {
		if r != nil {
			h.tracker.abortRing(r, pkg.ErrNoDevice)
		}
	}

	if h.dcbaa.Data != nil {
		h.setContextPointer(s.id, 0)
	}
	s.release(h.mem)

	h.slotMu.Lock()
	if int(s.id) < len(h.slots) && h.slots[s.id] == s {
		h.slots[s.id] = nil
	}
	h.slotMu.Unlock()
}

// ConfigureEndpoint allocates a transfer ring for the endpoint described
// by desc and adds it to slot id with a Configure Endpoint command.
func (h *Host) ConfigureEndpoint(ctx context.Context, id uint8, desc EndpointDescriptor) error {
	s := h.Slot(id)
	if s == nil {
		return fmt.Errorf("%w: slot %d", pkg.ErrInvalidParameter, id)
	}
	dci := devctx.DCI(desc.EndpointAddress)
	if dci < 2 {
		return fmt.Errorf("%w: endpoint %#x", pkg.ErrInvalidEndpoint, desc.EndpointAddress)
	}

	r, in, err := h.prepareEndpoint(s, dci, desc)
	if err != nil {
		return err
	}

	_, err = h.command(ctx, trb.ConfigureEndpoint(in, id, false))
	if err := s.finishInput(err, func() { s.rings[dci] = r }); err != nil {
		r.Release()
		return err
	}

	pkg.LogDebug(pkg.ComponentSlot, "endpoint configured",
		"slot", id,
		"endpoint", fmt.Sprintf("%#x", desc.EndpointAddress),
		"dci", dci)
	return nil
}

// prepareEndpoint allocates the transfer ring for dci, builds the
// Configure Endpoint input context and claims it.
func (h *Host) prepareEndpoint(s *Slot, dci uint8, desc EndpointDescriptor) (*ring.Ring, hal.PhysAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allocated {
		return nil, 0, pkg.ErrNotConfigured
	}
	if s.rings[dci] != nil {
		return nil, 0, fmt.Errorf("%w: endpoint %#x already configured", pkg.ErrInvalidEndpoint, desc.EndpointAddress)
	}
	if s.busy {
		return nil, 0, fmt.Errorf("%w: slot %d input context in use", pkg.ErrBusy, s.id)
	}

	r, err := ring.New(h.mem, h.cfg.TransferRingSize)
	if err != nil {
		return nil, 0, fmt.Errorf("endpoint ring: %w", err)
	}
	if err := h.reachable("endpoint ring", r.Base(), r.Size()); err != nil {
		r.Release()
		return nil, 0, err
	}
	s.busy = true

	clear(s.in.Data)
	ctrl := devctx.InputControlContext{Add: devctx.Flag(0) | devctx.Flag(dci)}
	ctrl.MarshalTo(s.in.Data[devctx.InputControlOffset():])

	var sc devctx.SlotContext
	devctx.ParseSlotContext(s.out.Data[devctx.DeviceSlotOffset():], &sc)
	sc.ContextEntries = max(sc.ContextEntries, dci)
	sc.MarshalTo(s.in.Data[devctx.InputSlotOffset():])

	ec := devctx.EndpointContext{
		Type:             devctx.EndpointTypeFor(desc.EndpointAddress, desc.Attributes),
		ErrorCount:       3,
		Interval:         endpointInterval(s.speed, desc),
		MaxPacketSize:    desc.MaxPacketSize & 0x7FF,
		MaxBurst:         desc.MaxBurst,
		DequeuePointer:   r.Base(),
		DequeueCycle:     r.Cycle(),
		AverageTRBLength: desc.MaxPacketSize & 0x7FF,
	}
	if desc.IsIsochronous() {
		ec.ErrorCount = 0
	}
	if s.speed == hal.SpeedHigh && (desc.IsInterrupt() || desc.IsIsochronous()) {
		ec.MaxBurst = uint8(desc.MaxPacketSize >> 11 & 0x3)
	}
	ec.MarshalTo(s.in.Data[devctx.InputEndpointOffset(dci):])

	return r, s.in.Addr, nil
}

// endpointInterval converts bInterval to the endpoint context Interval
// field, an exponent of 125 us frames.
func endpointInterval(speed hal.Speed, desc EndpointDescriptor) uint8 {
	switch {
	case desc.IsBulk(), desc.TransferType() == EndpointTypeControl:
		return 0
	case speed == hal.SpeedLow || speed == hal.SpeedFull:
		if desc.IsIsochronous() {
			return uint8(min(max(int(desc.Interval), 1), 16)) + 2
		}
		// bInterval is in milliseconds; round down to a power of two.
		ms := max(int(desc.Interval), 1)
		return uint8(min(max(bits.Len(uint(ms))-1+3, 3), 10))
	default:
		return uint8(min(max(int(desc.Interval), 1), 16)) - 1
	}
}

// recoverEndpoint returns a halted endpoint to service: Reset Endpoint,
// then Set TR Dequeue Pointer to the record after last, the final record
// of the failed request. The doorbell restarts any requests queued behind it.
func (h *Host) recoverEndpoint(ctx context.Context, s *Slot, dci uint8, last ring.Handle) error {
	r := s.ring(dci)
	if r == nil {
		return pkg.ErrInvalidEndpoint
	}

	if _, err := h.command(ctx, trb.ResetEndpoint(s.id, dci)); err != nil &&
		!errors.Is(err, pkg.ErrContextState) {
		return fmt.Errorf("reset endpoint: %w", err)
	}

	addr, cycle, ok := r.PositionAfter(last)
	if !ok {
		addr, cycle = r.EnqueuePointer(), r.Cycle()
	}
	if _, err := h.command(ctx, trb.SetTRDequeue(s.id, dci, addr, cycle)); err != nil {
		return fmt.Errorf("set dequeue: %w", err)
	}
	h.hc.RingDoorbell(s.id, dci)

	pkg.LogDebug(pkg.ComponentSlot, "endpoint recovered",
		"slot", s.id,
		"dci", dci,
		"dequeue", fmt.Sprintf("%#x", uint64(addr)))
	return nil
}
