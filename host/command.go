package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// command places rec on the command ring, rings the host doorbell and
// waits for its completion event. A completion code other than Success
// is returned as an error wrapping the matching sentinel, together with
// the event.
func (h *Host) command(ctx context.Context, rec trb.TRB) (trb.TRB, error) {
	if !h.IsRunning() {
		return trb.TRB{}, pkg.ErrNotRunning
	}

	var fs []*Inflight
	err := h.retry(ctx, func() error {
		var err error
		_, fs, err = h.tracker.submit(h.cmd, []trb.TRB{rec})
		return err
	})
	if err != nil {
		return trb.TRB{}, fmt.Errorf("%s: %w", rec.Type(), err)
	}
	h.hc.RingDoorbell(0, 0)

	wctx, cancel := context.WithTimeout(ctx, h.cfg.CommandTimeout)
	defer cancel()

	ev, err := fs[0].Wait(wctx)
	if err != nil {
		// A late completion is reported as untracked.
		h.tracker.forget(fs[0].Key())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = pkg.ErrTimeout
		}
		return trb.TRB{}, fmt.Errorf("%s: %w", rec.Type(), err)
	}

	if code := ev.CompletionCode(); code != trb.CodeSuccess {
		cerr := code.Err()
		if cerr == nil {
			cerr = fmt.Errorf("%w: completion %s", pkg.ErrProtocol, code)
		}
		pkg.LogDebug(pkg.ComponentSlot, "command failed",
			"type", rec.Type(),
			"slot", ev.SlotID(),
			"code", code)
		return ev, fmt.Errorf("%s: %w", rec.Type(), cerr)
	}
	return ev, nil
}
