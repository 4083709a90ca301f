package sim

import (
	"errors"
	"fmt"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/ardnew/softxhci/host/devctx"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// fetched is one transfer record read from a ring.
type fetched struct {
	addr  hal.PhysAddr
	cycle bool
	rec   trb.TRB
}

// td is one chained unit of transfer records.
type td struct {
	recs      []fetched
	nextDeq   hal.PhysAddr
	nextCycle bool
}

// fetchTD reads the next complete chained unit from an endpoint's ring.
// It returns false if no complete unit is available yet.
func (c *Controller) fetchTD(ep *endpoint) (td, bool) {
	var t td
	addr, cycle := ep.deq, ep.cycle
	for i := 0; i < maxTDRecords; i++ {
		rec, err := c.load(addr)
		if err != nil || rec.Cycle() != cycle {
			return td{}, false
		}
		if rec.Type() == trb.TypeLink {
			if rec.Has(trb.FlagToggleCycle) {
				cycle = !cycle
			}
			addr = rec.Pointer()
			continue
		}
		t.recs = append(t.recs, fetched{addr: addr, cycle: cycle, rec: rec})
		addr += trb.Size
		if !rec.Has(trb.FlagChain) {
			t.nextDeq, t.nextCycle = addr, cycle
			return t, true
		}
	}
	return td{}, false
}

// processTransfers executes every complete unit queued on an endpoint.
// Caller holds c.mu.
func (c *Controller) processTransfers(id, dci uint8) {
	s := c.slotFor(id)
	ep := c.endpoint(id, dci)
	if s == nil || ep == nil {
		pkg.LogWarn(pkg.ComponentHAL, "doorbell for disabled endpoint", "slot", id, "dci", dci)
		return
	}
	switch ep.state {
	case devctx.EndpointRunning:
	case devctx.EndpointStopped:
		c.setEndpointState(id, dci, devctx.EndpointRunning)
	default:
		return
	}

	for ep.state == devctx.EndpointRunning {
		t, ok := c.fetchTD(ep)
		if !ok {
			return
		}
		x := &exchange{c: c, slot: id, dci: dci, dev: c.device(s)}
		if dci == 1 {
			x.control(t)
		} else {
			x.normal(t)
		}
		if x.halted != nil {
			ep.deq, ep.cycle = x.halted.addr, x.halted.cycle
			c.setEndpointState(id, dci, devctx.EndpointHalted)
			return
		}
		ep.deq, ep.cycle = t.nextDeq, t.nextCycle
	}
}

// device returns the device behind a slot, or nil if it is gone.
func (c *Controller) device(s *slot) Device {
	p, err := c.port(s.port)
	if err != nil || !p.status.Connected {
		return nil
	}
	return p.dev
}

// exchange executes one unit against a device model.
type exchange struct {
	c      *Controller
	slot   uint8
	dci    uint8
	dev    Device
	halted *fetched
}

// complete reports the completion of f.
func (x *exchange) complete(f fetched, residual int, code trb.CompletionCode) {
	report := f.rec.Has(trb.FlagIOC) ||
		!code.OK() ||
		(code == trb.CodeShortPacket && f.rec.Has(trb.FlagISP))
	if report {
		x.c.post(trb.TransferEvent(f.addr, residual, code, x.slot, x.dci))
	}
	if !code.OK() {
		x.halted = &f
	}
}

// injected reports an injected failure for f, if any.
func (x *exchange) injected(f fetched) bool {
	code, ok := x.c.fault(f.rec.Type())
	if !ok || code.OK() {
		return false
	}
	x.complete(f, f.rec.Length(), code)
	return true
}

// codeFor maps a device model error onto a completion code.
func codeFor(err error) trb.CompletionCode {
	switch {
	case errors.Is(err, pkg.ErrStall):
		return trb.CodeStall
	case errors.Is(err, pkg.ErrBabble):
		return trb.CodeBabble
	default:
		return trb.CodeUSBTransaction
	}
}

// gather copies the buffers of recs into buf.
func (x *exchange) gather(recs []fetched, buf []byte) error {
	off := 0
	for _, f := range recs {
		n := f.rec.Length()
		if n == 0 {
			continue
		}
		view, err := x.c.mem.Map(f.rec.Pointer(), n)
		if err != nil {
			return err
		}
		off += copy(buf[off:], view)
	}
	return nil
}

// scatter distributes n bytes of buf over recs, reporting each record.
// The first record left short ends the group.
func (x *exchange) scatter(recs []fetched, buf []byte, n int, in bool) bool {
	off := 0
	for _, f := range recs {
		if x.injected(f) {
			return false
		}
		length := f.rec.Length()
		take := min(length, n-off)
		if in && take > 0 {
			view, err := x.c.mem.Map(f.rec.Pointer(), take)
			if err != nil {
				x.complete(f, length, trb.CodeDataBuffer)
				return false
			}
			copy(view, buf[off:off+take])
		}
		off += take
		if take < length {
			x.complete(f, length-take, trb.CodeShortPacket)
			return true
		}
		x.complete(f, 0, trb.CodeSuccess)
	}
	return true
}

func total(recs []fetched) int {
	n := 0
	for _, f := range recs {
		n += f.rec.Length()
	}
	return n
}

// control executes a Setup, Data*, Status unit on the default endpoint.
func (x *exchange) control(t td) {
	setupRec := t.recs[0]
	if setupRec.rec.Type() != trb.TypeSetupStage {
		x.complete(setupRec, 0, trb.CodeTRB)
		return
	}
	var status *fetched
	data := t.recs[1:]
	if last := t.recs[len(t.recs)-1]; last.rec.Type() == trb.TypeStatusStage && len(t.recs) > 1 {
		status = &last
		data = t.recs[1 : len(t.recs)-1]
	}

	if x.injected(setupRec) {
		return
	}
	if x.dev == nil {
		x.complete(setupRec, 0, trb.CodeUSBTransaction)
		return
	}
	x.complete(setupRec, 0, trb.CodeSuccess)

	setup := setupRec.rec.Setup()
	size := total(data)
	buf := mcache.Malloc(size)
	defer mcache.Free(buf)

	in := setup.IsIn()
	if !in {
		if err := x.gather(data, buf); err != nil {
			x.complete(data[0], size, trb.CodeDataBuffer)
			return
		}
	}

	n, err := x.dev.Control(setup, buf)
	if err != nil {
		target := status
		if len(data) > 0 {
			target = &data[0]
		}
		if target == nil {
			target = &setupRec
		}
		x.complete(*target, target.rec.Length(), codeFor(err))
		pkg.LogDebug(pkg.ComponentHAL, "control request failed",
			"slot", x.slot,
			"request", fmt.Sprintf("%#02x", setup.Request),
			"error", err)
		return
	}
	if !in {
		n = size
	}

	if !x.scatter(data, buf, n, in) {
		return
	}
	if status != nil && !x.injected(*status) {
		x.complete(*status, 0, trb.CodeSuccess)
	}
}

// normal executes a chain of Normal records on a bulk or interrupt endpoint.
func (x *exchange) normal(t td) {
	if x.dev == nil {
		x.complete(t.recs[0], t.recs[0].rec.Length(), trb.CodeUSBTransaction)
		return
	}

	in := x.dci&1 == 1
	endpoint := x.dci / 2
	if in {
		endpoint |= 0x80
	}

	size := total(t.recs)
	buf := mcache.Malloc(size)
	defer mcache.Free(buf)

	if !in {
		if err := x.gather(t.recs, buf); err != nil {
			x.complete(t.recs[0], size, trb.CodeDataBuffer)
			return
		}
	}

	n, err := x.dev.Transfer(endpoint, buf)
	if err != nil {
		x.complete(t.recs[0], t.recs[0].rec.Length(), codeFor(err))
		return
	}
	if !in {
		n = size
	}
	x.scatter(t.recs, buf, n, in)
}
