package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/ardnew/softxhci/host/devctx"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/ring"
	"github.com/ardnew/softxhci/pkg"
)

// deviceEventBuffer is the depth of the connect/disconnect channels.
const deviceEventBuffer = 16

// Host drives one xHCI-class host controller: it owns the command and
// event rings, the device slots and the root hub ports.
type Host struct {
	cfg Config
	hc  hal.Controller
	mem hal.Memory
	reg hal.Registrar

	caps hal.Capabilities

	cmd     *ring.Ring
	events  *ring.EventRing
	dcbaa   hal.Buffer
	scratch []hal.Buffer

	tracker *tracker
	irq     interrupter
	dpc     *dpc
	pool    *gopool.GoPool
	tasks   sync.WaitGroup

	slotMu sync.RWMutex
	slots  []*Slot

	ports []*port

	// Enumerated devices, indexed by slot id
	devices map[uint8]*Device

	// State
	running       bool
	irqRegistered bool
	mutex         sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Event channels
	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a host for controller hc. DMA memory comes from mem and
// enumerated devices are announced to reg, which may be nil.
func New(hc hal.Controller, mem hal.Memory, reg hal.Registrar, cfg Config) *Host {
	if reg == nil {
		reg = nopRegistrar{}
	}
	cfg = cfg.withDefaults()

	h := &Host{
		cfg:                cfg,
		hc:                 hc,
		mem:                mem,
		reg:                reg,
		tracker:            newTracker(),
		dpc:                newDPC(),
		pool:               gopool.NewGoPool("softxhci", cfg.Workers),
		devices:            make(map[uint8]*Device),
		deviceConnected:    make(chan *Device, deviceEventBuffer),
		deviceDisconnected: make(chan *Device, deviceEventBuffer),
		ctx:                context.Background(),
	}
	h.pool.SetPanicHandler(func(_ context.Context, r interface{}) {
		pkg.LogError(pkg.ComponentHost, "worker panic", "panic", r)
	})
	return h
}

// Config returns the configuration in effect.
func (h *Host) Config() Config {
	return h.cfg
}

// Capabilities returns the controller capabilities read at Start.
func (h *Host) Capabilities() hal.Capabilities {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.caps
}

// Start brings the controller up: reset, device context array and
// scratchpads, command and event rings, interrupt registration, run.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.bringUp(); err != nil {
		h.teardown()
		h.cancel()
		return err
	}

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started",
		"slots", h.caps.MaxSlots,
		"ports", h.caps.MaxPorts)
	return nil
}

func (h *Host) handshake() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.ctx, h.cfg.HandshakeTimeout)
}

func (h *Host) bringUp() error {
	caps := h.hc.Capabilities()
	if caps.ContextSize != devctx.Size {
		return fmt.Errorf("%w: %d-byte contexts", pkg.ErrNotSupported, caps.ContextSize)
	}
	if caps.MaxSlots <= 0 || caps.MaxSlots > 255 || caps.MaxPorts <= 0 {
		return fmt.Errorf("%w: capabilities %+v", pkg.ErrProtocol, caps)
	}

	ctx, cancel := h.handshake()
	err := h.hc.Reset(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("controller reset: %w", err)
	}

	h.mutex.Lock()
	h.caps = caps
	h.mutex.Unlock()

	h.slotMu.Lock()
	h.slots = make([]*Slot, caps.MaxSlots+1)
	h.slotMu.Unlock()

	h.ports = make([]*port, caps.MaxPorts+1)
	for i := 1; i <= caps.MaxPorts; i++ {
		h.ports[i] = &port{num: i}
	}

	if h.dcbaa, err = h.mem.Alloc((caps.MaxSlots+1)*8, 64); err != nil {
		return fmt.Errorf("device context array: %w", err)
	}
	if err := h.reachable("device context array", h.dcbaa.Addr, h.dcbaa.Len()); err != nil {
		return err
	}
	if err := h.allocScratchpads(caps.Scratchpads); err != nil {
		return err
	}

	if h.cmd, err = ring.New(h.mem, h.cfg.CommandRingSize); err != nil {
		return fmt.Errorf("command ring: %w", err)
	}
	if err := h.reachable("command ring", h.cmd.Base(), h.cmd.Size()); err != nil {
		return err
	}
	if h.events, err = ring.NewEventRing(h.mem, h.cfg.EventRingSize); err != nil {
		return fmt.Errorf("event ring: %w", err)
	}
	if err := h.reachable("event ring", h.events.Base(), h.events.Size()); err != nil {
		return err
	}
	if err := h.reachable("event ring segment table", h.events.SegmentTable(), ring.SegmentSize); err != nil {
		return err
	}

	h.hc.SetDeviceContextArray(h.dcbaa.Addr)
	h.hc.SetCommandRing(h.cmd.Base(), h.cmd.Cycle())
	h.hc.SetEventRing(h.events.SegmentTable(), h.events.Segments(), h.events.DequeuePointer())

	h.irq.reset()
	h.dpc.start()
	if !h.irqRegistered {
		if err := h.hc.RegisterInterrupt(h.checkInterrupt, h.handleInterrupt); err != nil {
			return fmt.Errorf("interrupt registration: %w", err)
		}
		h.irqRegistered = true
	}

	ctx, cancel = h.handshake()
	err = h.hc.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("controller start: %w", err)
	}
	return nil
}

// allocScratchpads gives the controller the private pages it asked for.
func (h *Host) allocScratchpads(n int) error {
	if n == 0 {
		return nil
	}
	array, err := h.mem.Alloc(n*8, 64)
	if err != nil {
		return fmt.Errorf("scratchpad array: %w", err)
	}
	h.scratch = append(h.scratch, array)
	if err := h.reachable("scratchpad array", array.Addr, array.Len()); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		page, err := h.mem.Alloc(hal.PageSize, hal.PageSize)
		if err != nil {
			return fmt.Errorf("scratchpad %d: %w", i, err)
		}
		h.scratch = append(h.scratch, page)
		if err := h.reachable("scratchpad", page.Addr, page.Len()); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(array.Data[i*8:], uint64(page.Addr))
	}
	h.setContextPointer(0, array.Addr)
	return nil
}

// limit32 is the first bus address a controller without 64-bit
// addressing cannot reach.
const limit32 = 1 << 32

// reachable fails with pkg.ErrNotSupported if the size bytes at addr
// extend past 4 GiB and the controller only addresses 32 bits.
func (h *Host) reachable(what string, addr hal.PhysAddr, size int) error {
	if h.caps.Addressing64 || uint64(addr)+uint64(size) <= limit32 {
		return nil
	}
	return fmt.Errorf("%w: %s at %#x needs 64-bit addressing",
		pkg.ErrNotSupported, what, uint64(addr))
}

// setContextPointer writes entry id of the device context base address array.
func (h *Host) setContextPointer(id uint8, addr hal.PhysAddr) {
	binary.LittleEndian.PutUint64(h.dcbaa.Data[int(id)*8:], uint64(addr))
}

// Stop halts the controller, releases every slot and fails all
// outstanding requests with pkg.ErrCancelled.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.mutex.Unlock()

	ctx, cancel := h.handshake()
	err := h.hc.Stop(ctx)
	cancel()

	h.cancel()
	h.dpc.halt()
	if n := h.tracker.abortAll(pkg.ErrCancelled); n > 0 {
		pkg.LogDebug(pkg.ComponentHost, "outstanding records cancelled", "count", n)
	}
	h.tasks.Wait()

	h.mutex.Lock()
	devices := h.devices
	h.devices = make(map[uint8]*Device)
	h.mutex.Unlock()
	for _, dev := range devices {
		h.reg.Remove(dev.Info())
		dev.Close()
	}

	h.teardown()

	if err != nil {
		return fmt.Errorf("controller stop: %w", err)
	}
	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// teardown releases everything bringUp allocated.
func (h *Host) teardown() {
	h.dpc.halt()
	h.irq.reset()

	h.slotMu.Lock()
	for id, s := range h.slots {
		if s != nil {
			s.release(h.mem)
			h.slots[id] = nil
		}
	}
	h.slotMu.Unlock()

	if h.events != nil {
		h.events.Release()
		h.events = nil
	}
	if h.cmd != nil {
		h.cmd.Release()
		h.cmd = nil
	}
	for _, buf := range h.scratch {
		h.mem.Free(buf)
	}
	h.scratch = nil
	if !h.dcbaa.IsZero() {
		h.mem.Free(h.dcbaa)
		h.dcbaa = hal.Buffer{}
	}
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns all enumerated devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, len(h.devices))
	for id := 1; id <= h.caps.MaxSlots; id++ {
		if dev, ok := h.devices[uint8(id)]; ok {
			result = append(result, dev)
		}
	}
	return result
}

// GetDevice returns the device in the given slot.
func (h *Host) GetDevice(slot uint8) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[slot]
}

// WaitDevice blocks until a device connects and is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hctx := h.ctx
	h.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// WaitDisconnect blocks until an enumerated device disconnects.
func (h *Host) WaitDisconnect(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hctx := h.ctx
	h.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceDisconnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback for device connection.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hc.Capabilities().MaxPorts
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hc.PortStatus(port)
}

// InterruptCount returns the number of interrupts handled.
func (h *Host) InterruptCount() uint64 {
	return h.irq.count.Load()
}

// goTask runs f on the worker pool. Stop waits for it.
func (h *Host) goTask(f func()) {
	h.tasks.Add(1)
	h.pool.CtxGo(h.ctx, func() {
		defer h.tasks.Done()
		f()
	})
}

// stopped reports whether err is the result of the host shutting down.
func (h *Host) stopped(err error) bool {
	return h.ctx.Err() != nil &&
		(errors.Is(err, pkg.ErrCancelled) || errors.Is(err, context.Canceled))
}

// nopRegistrar accepts every device.
type nopRegistrar struct{}

func (nopRegistrar) Add(hal.DeviceInfo) error { return nil }
func (nopRegistrar) Remove(hal.DeviceInfo)    {}
