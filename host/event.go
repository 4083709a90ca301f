package host

import (
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// checkInterrupt reports whether the controller raised the interrupt.
func (h *Host) checkInterrupt() bool {
	return h.hc.Status()&(hal.StatusEventInterrupt|hal.StatusPortChange|hal.StatusHostSystemError) != 0
}

// handleInterrupt runs in interrupt context. It records the status and
// queues one event drain; it never blocks.
func (h *Host) handleInterrupt() {
	h.irq.count.Add(1)
	h.irq.pending.Or(h.hc.Status())
	if h.irq.scheduled.CompareAndSwap(false, true) {
		if !h.dpc.schedule(h.processEvents) {
			h.irq.scheduled.Store(false)
		}
	}
}

// processEvents drains the event ring. An interrupt that arrives while
// the drain runs is picked up by the loop instead of being lost.
func (h *Host) processEvents() {
	for {
		observed := h.irq.pending.Swap(0)

		if observed&hal.StatusHostSystemError != 0 {
			pkg.LogError(pkg.ComponentEvent, "host system error", "status", observed)
		}

		drained := 0
		for {
			ev, ok := h.events.Next()
			if !ok {
				break
			}
			drained++
			h.dispatch(ev)
		}
		if drained > 0 {
			h.hc.SetEventDequeue(h.events.DequeuePointer())
		}
		h.hc.ClearStatus(observed & hal.StatusClearable)

		h.irq.scheduled.Store(false)
		if h.irq.pending.Load() == 0 || !h.irq.scheduled.CompareAndSwap(false, true) {
			return
		}
	}
}

// dispatch routes one event record.
func (h *Host) dispatch(ev trb.TRB) {
	switch ev.Type() {
	case trb.TypeCommandCompletion, trb.TypeTransferEvent:
		h.tracker.resolve(ev.Pointer(), ev)

	case trb.TypePortStatusChange:
		h.portChange(ev.PortID())

	case trb.TypeHostController:
		pkg.LogError(pkg.ComponentEvent, "host controller event",
			"code", ev.CompletionCode())

	default:
		pkg.LogDebug(pkg.ComponentEvent, "event ignored", "type", ev.Type())
	}
}

// portChange acknowledges the change bits of a port and starts an
// enumeration worker when its connection changed. The reset change is
// left for the worker that started the reset.
func (h *Host) portChange(n int) {
	ps, err := h.hc.PortStatus(n)
	if err != nil {
		pkg.LogWarn(pkg.ComponentEvent, "port status change for unknown port",
			"port", n, "error", err)
		return
	}
	if ack := ps.Change &^ hal.PortChangeReset; ack != 0 {
		if err := h.hc.ClearPortChange(n, ack); err != nil {
			pkg.LogWarn(pkg.ComponentEvent, "clear port change failed", "port", n, "error", err)
		}
	}

	pkg.LogDebug(pkg.ComponentEvent, "port status change",
		"port", n,
		"connected", ps.Connected,
		"enabled", ps.Enabled,
		"change", uint32(ps.Change))

	if ps.ConnectChange() {
		h.goTask(func() { h.handlePort(n) })
	}
}
