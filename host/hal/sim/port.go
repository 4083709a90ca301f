package sim

import (
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// port returns root hub port n. Caller holds c.mu.
func (c *Controller) port(n int) (*port, error) {
	if n < 1 || n >= len(c.ports) {
		return nil, ErrInvalidPort
	}
	return c.ports[n], nil
}

// postPortChange reports a change on port n. Caller holds c.mu.
func (c *Controller) postPortChange(n int) {
	if !c.running {
		return
	}
	c.status |= hal.StatusPortChange
	c.post(trb.PortStatusChange(n))
}

// Attach connects dev to root hub port n. SuperSpeed devices come up
// enabled; slower devices need a port reset first.
func (c *Controller) Attach(n int, dev Device) error {
	c.mu.Lock()
	p, err := c.port(n)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if p.status.Connected {
		c.mu.Unlock()
		return pkg.ErrBusy
	}

	p.dev = dev
	p.status.Connected = true
	p.status.Speed = dev.Speed()
	p.status.Enabled = !dev.Speed().IsUSB2()
	p.status.Change |= hal.PortChangeConnect
	c.postPortChange(n)
	c.unlock()

	pkg.LogInfo(pkg.ComponentHAL, "device attached", "port", n, "speed", dev.Speed())
	return nil
}

// Detach disconnects the device on port n.
func (c *Controller) Detach(n int) error {
	c.mu.Lock()
	p, err := c.port(n)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !p.status.Connected {
		c.mu.Unlock()
		return pkg.ErrNoDevice
	}

	p.dev = nil
	p.status.Connected = false
	p.status.Enabled = false
	p.status.Reset = false
	p.status.Speed = hal.SpeedUnknown
	p.status.Change |= hal.PortChangeConnect | hal.PortChangeEnable
	c.postPortChange(n)
	c.unlock()

	pkg.LogInfo(pkg.ComponentHAL, "device detached", "port", n)
	return nil
}

// HoldPortReset makes resets on port n never complete.
func (c *Controller) HoldPortReset(n int, hold bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return err
	}
	p.hold = hold
	return nil
}

// PortStatus returns the status of root hub port n.
func (c *Controller) PortStatus(n int) (hal.PortStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return hal.PortStatus{}, err
	}
	return p.status, nil
}

// ClearPortChange acknowledges change bits of port n.
func (c *Controller) ClearPortChange(n int, change hal.PortChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return err
	}
	p.status.Change &^= change
	return nil
}

// ResetPort starts a reset of port n. The reset change bit is set and a
// port status change event posted after the configured reset delay.
func (c *Controller) ResetPort(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.port(n)
	if err != nil {
		return err
	}
	if !p.status.Connected {
		return pkg.ErrNoDevice
	}

	p.status.Reset = true
	p.status.Enabled = false
	if p.hold {
		return nil
	}

	dev := p.dev
	time.AfterFunc(c.opts.ResetDelay, func() {
		c.completeReset(n, dev)
	})
	return nil
}

// completeReset finishes a port reset unless the device went away.
func (c *Controller) completeReset(n int, dev Device) {
	c.mu.Lock()
	p := c.ports[n]
	if p.dev != dev || !p.status.Reset {
		c.mu.Unlock()
		return
	}
	p.status.Reset = false
	p.status.Enabled = true
	p.status.Change |= hal.PortChangeReset
	c.postPortChange(n)
	c.unlock()

	pkg.LogDebug(pkg.ComponentHAL, "port reset complete", "port", n)
}
