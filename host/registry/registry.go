package registry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Entry is one registered device.
type Entry struct {
	Info    hal.DeviceInfo
	Vendor  string // From the ID database; empty if unknown
	Product string
	Added   time.Time
}

// String returns a one-line description of the device.
func (e Entry) String() string {
	name := e.Product
	if name == "" {
		name = "unknown product"
	}
	if e.Vendor != "" {
		name = e.Vendor + " " + name
	}
	return fmt.Sprintf("slot %d port %d %04x:%04x %s (%s)",
		e.Info.SlotID, e.Info.Port, e.Info.VendorID, e.Info.ProductID, name, e.Info.Speed)
}

// Registry implements hal.Registrar. Devices are keyed by slot id.
type Registry struct {
	ids *IDs

	mu      sync.RWMutex
	devices map[uint8]Entry
	notify  []func(Entry, bool)
}

// New returns an empty registry naming devices from ids, which may be nil.
func New(ids *IDs) *Registry {
	return &Registry{
		ids:     ids,
		devices: make(map[uint8]Entry),
	}
}

// Add records a newly enumerated device. A slot that is already
// registered is rejected, which fails the enumeration of the newcomer.
func (r *Registry) Add(info hal.DeviceInfo) error {
	if info.SlotID == 0 {
		return fmt.Errorf("%w: slot 0", pkg.ErrInvalidParameter)
	}
	e := Entry{
		Info:    info,
		Vendor:  r.ids.Vendor(info.VendorID),
		Product: r.ids.Product(info.VendorID, info.ProductID),
		Added:   time.Now(),
	}

	r.mu.Lock()
	if old, ok := r.devices[info.SlotID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: slot %d already registered to port %d",
			pkg.ErrBusy, info.SlotID, old.Info.Port)
	}
	r.devices[info.SlotID] = e
	notify := r.notify
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentRegistry, "device registered", "device", e)
	for _, fn := range notify {
		fn(e, true)
	}
	return nil
}

// Remove forgets a device. Unknown devices are ignored.
func (r *Registry) Remove(info hal.DeviceInfo) {
	r.mu.Lock()
	e, ok := r.devices[info.SlotID]
	if ok {
		delete(r.devices, info.SlotID)
	}
	notify := r.notify
	r.mu.Unlock()

	if !ok {
		return
	}
	pkg.LogInfo(pkg.ComponentRegistry, "device removed", "device", e)
	for _, fn := range notify {
		fn(e, false)
	}
}

// Notify registers fn to be called after every Add (added true) and
// Remove (added false).
func (r *Registry) Notify(fn func(e Entry, added bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = append(slices.Clip(r.notify), fn)
}

// Lookup returns the device registered for slot.
func (r *Registry) Lookup(slot uint8) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[slot]
	return e, ok
}

// Devices returns the registered devices ordered by slot id.
func (r *Registry) Devices() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		return int(a.Info.SlotID) - int(b.Info.SlotID)
	})
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

var _ hal.Registrar = (*Registry)(nil)
