package host

import (
	"context"
	"errors"
	"time"

	"github.com/ardnew/softxhci/pkg"
)

// retry runs op until it stops reporting a full ring, backing off
// exponentially between attempts. Any other error, success, or the
// attempt limit ends the loop.
func (h *Host) retry(ctx context.Context, op func() error) error {
	delay := h.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if !errors.Is(err, pkg.ErrWouldBlock) || attempt >= h.cfg.RetryAttempts {
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, h.cfg.RetryBackoffMax)
	}
}
