package sim

import (
	"fmt"

	"github.com/ardnew/softxhci/host/devctx"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// processCommands executes every command the driver has handed over.
// Caller holds c.mu.
func (c *Controller) processCommands() {
	for i := 0; i < maxTDRecords; i++ {
		rec, err := c.load(c.cmdDeq)
		if err != nil {
			pkg.LogError(pkg.ComponentHAL, "command ring unreadable",
				"addr", fmt.Sprintf("%#x", uint64(c.cmdDeq)),
				"error", err)
			c.status |= hal.StatusHostSystemError
			return
		}
		if rec.Cycle() != c.cmdCycle {
			return
		}

		if rec.Type() == trb.TypeLink {
			if rec.Has(trb.FlagToggleCycle) {
				c.cmdCycle = !c.cmdCycle
			}
			c.cmdDeq = rec.Pointer()
			continue
		}

		addr := c.cmdDeq
		c.cmdDeq += trb.Size
		c.history = append(c.history, rec.Type())

		id, code := c.execute(rec)
		pkg.LogDebug(pkg.ComponentHAL, "command executed",
			"type", rec.Type(),
			"slot", id,
			"code", code)
		c.post(trb.CommandCompletion(addr, code, id, 0))
	}
}

// execute runs one command and returns the slot id and completion code
// to report. Caller holds c.mu.
func (c *Controller) execute(rec trb.TRB) (uint8, trb.CompletionCode) {
	id := rec.SlotID()
	if code, ok := c.fault(rec.Type()); ok {
		return id, code
	}

	switch rec.Type() {
	case trb.TypeNoOpCommand:
		return 0, trb.CodeSuccess
	case trb.TypeEnableSlot:
		return c.enableSlot()
	case trb.TypeDisableSlot:
		return id, c.disableSlot(id)
	case trb.TypeAddressDevice:
		return id, c.addressDevice(id, rec.Pointer(), rec.Has(trb.FlagBSR))
	case trb.TypeEvaluateContext:
		return id, c.evaluateContext(id, rec.Pointer())
	case trb.TypeConfigureEndpoint:
		return id, c.configureEndpoint(id, rec.Pointer(), rec.Has(trb.FlagDeconfigure))
	case trb.TypeResetEndpoint:
		return id, c.resetEndpoint(id, rec.EndpointID())
	case trb.TypeStopEndpoint:
		return id, c.stopEndpoint(id, rec.EndpointID())
	case trb.TypeSetTRDequeue:
		addr, cycle := rec.DequeueCycle()
		return id, c.setDequeue(id, rec.EndpointID(), addr, cycle)
	case trb.TypeResetDevice:
		return id, c.resetDevice(id)
	default:
		return id, trb.CodeTRB
	}
}

func (c *Controller) enableSlot() (uint8, trb.CompletionCode) {
	if g := c.grant; g != 0 {
		c.grant = 0
		if int(g) < len(c.slots) && c.slots[g] == nil {
			c.slots[g] = &slot{state: devctx.SlotDefault}
			return g, trb.CodeSuccess
		}
	}
	for id := 1; id < len(c.slots); id++ {
		if c.slots[id] == nil {
			c.slots[id] = &slot{state: devctx.SlotDefault}
			return uint8(id), trb.CodeSuccess
		}
	}
	return 0, trb.CodeNoSlotsAvailable
}

func (c *Controller) disableSlot(id uint8) trb.CompletionCode {
	if int(id) >= len(c.slots) || c.slots[id] == nil {
		return trb.CodeSlotNotEnabled
	}
	c.slots[id] = nil
	return trb.CodeSuccess
}

// slotFor returns an enabled slot. Caller holds c.mu.
func (c *Controller) slotFor(id uint8) *slot {
	if id == 0 || int(id) >= len(c.slots) {
		return nil
	}
	return c.slots[id]
}

// input maps an input context and decodes its control context.
func (c *Controller) input(addr hal.PhysAddr) ([]byte, devctx.InputControlContext, bool) {
	var ctrl devctx.InputControlContext
	data, err := c.mem.Map(addr, devctx.InputContextSize)
	if err != nil || !devctx.ParseInputControlContext(data[devctx.InputControlOffset():], &ctrl) {
		return nil, ctrl, false
	}
	return data, ctrl, true
}

// output maps the output device context of a slot.
func (c *Controller) output(s *slot) ([]byte, bool) {
	if s.out == 0 {
		return nil, false
	}
	data, err := c.mem.Map(s.out, devctx.DeviceContextSize)
	return data, err == nil
}

func (c *Controller) addressDevice(id uint8, inAddr hal.PhysAddr, bsr bool) trb.CompletionCode {
	s := c.slotFor(id)
	if s == nil {
		return trb.CodeSlotNotEnabled
	}
	if s.state != devctx.SlotDefault {
		return trb.CodeContextState
	}

	in, ctrl, ok := c.input(inAddr)
	if !ok || ctrl.Add&(devctx.Flag(0)|devctx.Flag(1)) != devctx.Flag(0)|devctx.Flag(1) {
		return trb.CodeParameter
	}

	var sc devctx.SlotContext
	var ep0 devctx.EndpointContext
	devctx.ParseSlotContext(in[devctx.InputSlotOffset():], &sc)
	devctx.ParseEndpointContext(in[devctx.InputEndpointOffset(1):], &ep0)

	p, err := c.port(int(sc.RootHubPort))
	if err != nil || !p.status.Connected || !p.status.Enabled {
		return trb.CodeUSBTransaction
	}
	if ep0.Type != devctx.EndpointControl || ep0.MaxPacketSize == 0 {
		return trb.CodeParameter
	}

	s.out = c.dcbaaEntry(int(id))
	out, ok := c.output(s)
	if !ok {
		return trb.CodeContextState
	}

	s.port = int(sc.RootHubPort)
	if bsr {
		sc.State = devctx.SlotDefault
		sc.DeviceAddress = 0
	} else {
		s.address = id
		sc.State = devctx.SlotAddressed
		sc.DeviceAddress = s.address
	}
	s.state = sc.State
	sc.MarshalTo(out[devctx.DeviceSlotOffset():])

	ep0.State = devctx.EndpointRunning
	ep0.MarshalTo(out[devctx.DeviceEndpointOffset(1):])
	s.eps[1] = &endpoint{
		state: devctx.EndpointRunning,
		deq:   ep0.DequeuePointer,
		cycle: ep0.DequeueCycle,
	}
	return trb.CodeSuccess
}

func (c *Controller) evaluateContext(id uint8, inAddr hal.PhysAddr) trb.CompletionCode {
	s := c.slotFor(id)
	if s == nil {
		return trb.CodeSlotNotEnabled
	}
	in, ctrl, ok := c.input(inAddr)
	if !ok {
		return trb.CodeParameter
	}
	out, ok := c.output(s)
	if !ok {
		return trb.CodeContextState
	}

	if ctrl.Add&devctx.Flag(1) != 0 {
		var src, dst devctx.EndpointContext
		devctx.ParseEndpointContext(in[devctx.InputEndpointOffset(1):], &src)
		devctx.ParseEndpointContext(out[devctx.DeviceEndpointOffset(1):], &dst)
		dst.MaxPacketSize = src.MaxPacketSize
		dst.MarshalTo(out[devctx.DeviceEndpointOffset(1):])
	}
	return trb.CodeSuccess
}

func (c *Controller) configureEndpoint(id uint8, inAddr hal.PhysAddr, deconfigure bool) trb.CompletionCode {
	s := c.slotFor(id)
	if s == nil {
		return trb.CodeSlotNotEnabled
	}
	if s.state != devctx.SlotAddressed && s.state != devctx.SlotConfigured {
		return trb.CodeContextState
	}
	out, ok := c.output(s)
	if !ok {
		return trb.CodeContextState
	}

	var sc devctx.SlotContext
	devctx.ParseSlotContext(out[devctx.DeviceSlotOffset():], &sc)

	if deconfigure {
		for dci := uint8(2); dci <= devctx.NumEndpoints; dci++ {
			c.dropEndpoint(s, out, dci)
		}
		s.state = devctx.SlotAddressed
		sc.State = s.state
		sc.ContextEntries = 1
		sc.MarshalTo(out[devctx.DeviceSlotOffset():])
		return trb.CodeSuccess
	}

	in, ctrl, ok := c.input(inAddr)
	if !ok {
		return trb.CodeParameter
	}

	for dci := uint8(2); dci <= devctx.NumEndpoints; dci++ {
		if ctrl.Drop&devctx.Flag(dci) != 0 {
			c.dropEndpoint(s, out, dci)
		}
		if ctrl.Add&devctx.Flag(dci) == 0 {
			continue
		}
		var ep devctx.EndpointContext
		devctx.ParseEndpointContext(in[devctx.InputEndpointOffset(dci):], &ep)
		if ep.Type == devctx.EndpointNotValid || ep.DequeuePointer == 0 {
			return trb.CodeParameter
		}
		ep.State = devctx.EndpointRunning
		ep.MarshalTo(out[devctx.DeviceEndpointOffset(dci):])
		s.eps[dci] = &endpoint{
			state: devctx.EndpointRunning,
			deq:   ep.DequeuePointer,
			cycle: ep.DequeueCycle,
		}
		if dci > sc.ContextEntries {
			sc.ContextEntries = dci
		}
	}

	s.state = devctx.SlotConfigured
	sc.State = s.state
	sc.MarshalTo(out[devctx.DeviceSlotOffset():])
	return trb.CodeSuccess
}

func (c *Controller) dropEndpoint(s *slot, out []byte, dci uint8) {
	if s.eps[dci] == nil {
		return
	}
	s.eps[dci] = nil
	clear(out[devctx.DeviceEndpointOffset(dci) : devctx.DeviceEndpointOffset(dci)+devctx.Size])
}

// setEndpointState updates an endpoint and its output context.
func (c *Controller) setEndpointState(id, dci uint8, state devctx.EndpointState) {
	s := c.slotFor(id)
	ep := c.endpoint(id, dci)
	if s == nil || ep == nil {
		return
	}
	ep.state = state
	if out, ok := c.output(s); ok {
		var ctx devctx.EndpointContext
		devctx.ParseEndpointContext(out[devctx.DeviceEndpointOffset(dci):], &ctx)
		ctx.State = state
		ctx.DequeuePointer = ep.deq
		ctx.DequeueCycle = ep.cycle
		ctx.MarshalTo(out[devctx.DeviceEndpointOffset(dci):])
	}
}

func (c *Controller) resetEndpoint(id, dci uint8) trb.CompletionCode {
	ep := c.endpoint(id, dci)
	if ep == nil {
		return trb.CodeEndpointNotEnabled
	}
	if ep.state != devctx.EndpointHalted {
		return trb.CodeContextState
	}
	c.setEndpointState(id, dci, devctx.EndpointStopped)
	return trb.CodeSuccess
}

func (c *Controller) stopEndpoint(id, dci uint8) trb.CompletionCode {
	ep := c.endpoint(id, dci)
	if ep == nil {
		return trb.CodeEndpointNotEnabled
	}
	if ep.state != devctx.EndpointRunning {
		return trb.CodeContextState
	}
	c.setEndpointState(id, dci, devctx.EndpointStopped)
	return trb.CodeSuccess
}

func (c *Controller) setDequeue(id, dci uint8, addr hal.PhysAddr, cycle bool) trb.CompletionCode {
	ep := c.endpoint(id, dci)
	if ep == nil {
		return trb.CodeEndpointNotEnabled
	}
	if ep.state != devctx.EndpointStopped && ep.state != devctx.EndpointError {
		return trb.CodeContextState
	}
	ep.deq = addr
	ep.cycle = cycle
	c.setEndpointState(id, dci, devctx.EndpointStopped)
	return trb.CodeSuccess
}

func (c *Controller) resetDevice(id uint8) trb.CompletionCode {
	s := c.slotFor(id)
	if s == nil {
		return trb.CodeSlotNotEnabled
	}
	if s.state == devctx.SlotDefault {
		return trb.CodeContextState
	}
	if out, ok := c.output(s); ok {
		for dci := uint8(2); dci <= devctx.NumEndpoints; dci++ {
			c.dropEndpoint(s, out, dci)
		}
	}
	s.state = devctx.SlotDefault
	s.address = 0
	return trb.CodeSuccess
}
