package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softxhci/host/devctx"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/ring"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Defaults.
const (
	DefaultMaxSlots   = 32
	DefaultMaxPorts   = 4
	DefaultResetDelay = time.Millisecond

	jobQueueDepth = 256

	// maxTDRecords bounds the walk over one chained unit.
	maxTDRecords = ring.MaxRecords
)

// Errors.
var (
	ErrInvalidPort   = errors.New("invalid port")
	ErrNotRegistered = errors.New("no interrupt handler registered")
)

// Options configures a simulated controller.
type Options struct {
	MaxSlots    int
	MaxPorts    int
	Scratchpads int
	ResetDelay  time.Duration // Time from ResetPort to the reset change

	// Addressing32 reports a controller limited to 32-bit bus addresses.
	Addressing32 bool
}

// DefaultOptions returns the default controller geometry.
func DefaultOptions() Options {
	return Options{
		MaxSlots:    DefaultMaxSlots,
		MaxPorts:    DefaultMaxPorts,
		Scratchpads: 2,
		ResetDelay:  DefaultResetDelay,
	}
}

// port is one root hub port.
type port struct {
	dev    Device
	status hal.PortStatus
	hold   bool // Reset never completes
}

// endpoint is the controller's view of one endpoint.
type endpoint struct {
	state devctx.EndpointState
	deq   hal.PhysAddr
	cycle bool
}

// slot is the controller's view of one device slot.
type slot struct {
	state   devctx.SlotState
	port    int
	address uint8
	out     hal.PhysAddr
	eps     [devctx.NumEndpoints + 1]*endpoint
}

// job is a unit of work for the controller goroutine.
type job struct {
	slot   uint8
	target uint8
}

// Controller is a software xHCI-class controller. It consumes the
// command and transfer rings the driver builds in DMA memory and reports
// completions through the event ring, the same way hardware does.
type Controller struct {
	mem  hal.Memory
	opts Options

	mu      sync.Mutex
	running bool
	status  uint32
	stuck   bool
	held    bool // Command ring not fetched

	dcbaa hal.PhysAddr

	cmdDeq   hal.PhysAddr
	cmdCycle bool

	evtBase    hal.PhysAddr
	evtSize    int
	evtIndex   int
	evtCycle   bool
	evtDequeue int
	backlog    []trb.TRB
	irq        bool

	ports []*port
	slots []*slot
	grant uint8

	faults  map[trb.Type][]trb.CompletionCode
	history []trb.Type

	check   func() bool
	handler func()

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a simulated controller that reaches DMA memory through mem.
func New(mem hal.Memory, opts Options) *Controller {
	if opts.MaxSlots <= 0 {
		opts.MaxSlots = DefaultMaxSlots
	}
	if opts.MaxPorts <= 0 {
		opts.MaxPorts = DefaultMaxPorts
	}

	c := &Controller{
		mem:    mem,
		opts:   opts,
		status: hal.StatusHalted,
		ports:  make([]*port, opts.MaxPorts+1),
		slots:  make([]*slot, opts.MaxSlots+1),
		faults: make(map[trb.Type][]trb.CompletionCode),
		jobs:   make(chan job, jobQueueDepth),
	}
	for i := 1; i <= opts.MaxPorts; i++ {
		c.ports[i] = &port{status: hal.PortStatus{PowerOn: true}}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.run()

	pkg.LogInfo(pkg.ComponentHAL, "simulated controller created",
		"slots", opts.MaxSlots,
		"ports", opts.MaxPorts)
	return c
}

// Close stops the controller goroutine.
func (c *Controller) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// Capabilities returns the capability bits of the simulated controller.
func (c *Controller) Capabilities() hal.Capabilities {
	return hal.Capabilities{
		MaxSlots:     c.opts.MaxSlots,
		MaxPorts:     c.opts.MaxPorts,
		Addressing64: !c.opts.Addressing32,
		Scratchpads:  c.opts.Scratchpads,
		PageSize:     hal.PageSize,
		ContextSize:  devctx.Size,
	}
}

// handshake waits for ctx when the controller is stuck.
func (c *Controller) handshake(ctx context.Context) error {
	c.mu.Lock()
	stuck := c.stuck
	c.mu.Unlock()
	if !stuck {
		return ctx.Err()
	}
	<-ctx.Done()
	return fmt.Errorf("%w: controller handshake", pkg.ErrTimeout)
}

// Reset halts the controller and discards all slot and ring state.
// Attached devices stay attached and are reported again after Start.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	c.status = hal.StatusHalted
	c.dcbaa = 0
	c.cmdDeq, c.cmdCycle = 0, false
	c.evtBase, c.evtSize, c.evtIndex, c.evtDequeue = 0, 0, 0, 0
	c.evtCycle = true
	c.backlog = nil
	for i := range c.slots {
		c.slots[i] = nil
	}
	for _, p := range c.ports[1:] {
		p.status.Enabled = p.status.Connected && !p.dev.Speed().IsUSB2()
		p.status.Reset = false
		p.status.Change = 0
		if p.status.Connected {
			p.status.Change = hal.PortChangeConnect
		}
	}

	pkg.LogDebug(pkg.ComponentHAL, "controller reset")
	return nil
}

// Start sets the controller running and reports every pending port change.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.cmdDeq == 0 || c.evtBase == 0 || c.dcbaa == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: rings not programmed", pkg.ErrNotConfigured)
	}
	if c.opts.Scratchpads > 0 && c.dcbaaEntry(0) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: scratchpad array not installed", pkg.ErrNotConfigured)
	}

	c.running = true
	c.status &^= hal.StatusHalted
	for i, p := range c.ports {
		if p != nil && p.status.Change != 0 {
			c.postPortChange(i)
		}
	}
	c.unlock()

	pkg.LogInfo(pkg.ComponentHAL, "controller running")
	return nil
}

// Stop halts the controller.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.running = false
	c.status |= hal.StatusHalted
	c.mu.Unlock()
	return nil
}

// SetDeviceContextArray programs the device context base address array.
func (c *Controller) SetDeviceContextArray(addr hal.PhysAddr) {
	c.mu.Lock()
	c.dcbaa = addr
	c.mu.Unlock()
}

// SetCommandRing programs the command ring consumer.
func (c *Controller) SetCommandRing(addr hal.PhysAddr, cycle bool) {
	c.mu.Lock()
	c.cmdDeq = addr
	c.cmdCycle = cycle
	c.mu.Unlock()
}

// SetEventRing programs the event ring producer from its segment table.
func (c *Controller) SetEventRing(table hal.PhysAddr, segments int, dequeue hal.PhysAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.mem.Map(table, ring.SegmentSize)
	var seg ring.Segment
	if err != nil || segments != 1 || !ring.ParseSegment(data, &seg) {
		pkg.LogError(pkg.ComponentHAL, "bad event ring segment table",
			"table", fmt.Sprintf("%#x", uint64(table)),
			"segments", segments)
		c.status |= hal.StatusHostSystemError
		return
	}

	c.evtBase = seg.Base
	c.evtSize = seg.Size
	c.evtIndex = 0
	c.evtCycle = true
	c.evtDequeue = int(dequeue-seg.Base) / trb.Size
}

// SetEventDequeue records how far the driver has consumed the event ring
// and flushes events that were waiting for space.
func (c *Controller) SetEventDequeue(addr hal.PhysAddr) {
	c.mu.Lock()
	if c.evtSize == 0 || addr < c.evtBase {
		c.mu.Unlock()
		return
	}
	c.evtDequeue = int(addr-c.evtBase) / trb.Size % c.evtSize
	c.flush()
	c.unlock()
}

// RingDoorbell queues work for the controller goroutine.
func (c *Controller) RingDoorbell(slot, target uint8) {
	select {
	case c.jobs <- job{slot: slot, target: target}:
	case <-c.ctx.Done():
	}
}

// Status returns the controller status bits.
func (c *Controller) Status() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClearStatus clears write-1-to-clear status bits.
func (c *Controller) ClearStatus(bits uint32) {
	c.mu.Lock()
	c.status &^= bits & hal.StatusClearable
	c.mu.Unlock()
}

// RegisterInterrupt installs the interrupt checker and handler.
func (c *Controller) RegisterInterrupt(check func() bool, handler func()) error {
	if check == nil || handler == nil {
		return pkg.ErrInvalidParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return pkg.ErrAlreadyRunning
	}
	c.check = check
	c.handler = handler
	return nil
}

// unlock releases c.mu and delivers an interrupt if events were posted
// while it was held.
func (c *Controller) unlock() {
	fire := c.irq
	c.irq = false
	check, handler := c.check, c.handler
	c.mu.Unlock()

	if fire && handler != nil && check() {
		handler()
	}
}

// post queues an event for the event ring. Caller holds c.mu.
func (c *Controller) post(ev trb.TRB) {
	c.backlog = append(c.backlog, ev)
	c.flush()
}

// flush writes backlogged events while the event ring has room.
// Caller holds c.mu.
func (c *Controller) flush() {
	if c.evtSize == 0 || !c.running {
		return
	}
	wrote := false
	for len(c.backlog) > 0 {
		next := (c.evtIndex + 1) % c.evtSize
		if next == c.evtDequeue {
			break
		}
		addr := c.evtBase + hal.PhysAddr(c.evtIndex*trb.Size)
		view, err := c.mem.Map(addr, trb.Size)
		if err != nil {
			c.status |= hal.StatusHostSystemError
			return
		}
		ev := c.backlog[0]
		ev.SetCycle(c.evtCycle)
		trb.Store(view, ev)
		c.backlog = c.backlog[1:]

		c.evtIndex = next
		if c.evtIndex == 0 {
			c.evtCycle = !c.evtCycle
		}
		wrote = true
	}
	if wrote {
		c.status |= hal.StatusEventInterrupt
		c.irq = true
	}
}

// InjectCompletion makes the next record of type t complete with code.
// Injections of the same type are consumed in order.
func (c *Controller) InjectCompletion(t trb.Type, code trb.CompletionCode) {
	c.mu.Lock()
	c.faults[t] = append(c.faults[t], code)
	c.mu.Unlock()
}

// fault pops an injected completion for t. Caller holds c.mu.
func (c *Controller) fault(t trb.Type) (trb.CompletionCode, bool) {
	q := c.faults[t]
	if len(q) == 0 {
		return 0, false
	}
	c.faults[t] = q[1:]
	return q[0], true
}

// GrantSlot makes the next Enable Slot command return id if it is free.
func (c *Controller) GrantSlot(id uint8) {
	c.mu.Lock()
	c.grant = id
	c.mu.Unlock()
}

// SetStuck makes every run/stop/reset handshake wait until its deadline.
func (c *Controller) SetStuck(stuck bool) {
	c.mu.Lock()
	c.stuck = stuck
	c.mu.Unlock()
}

// HoldCommands stops the controller fetching from the command ring
// until it is called again with false.
func (c *Controller) HoldCommands(hold bool) {
	c.mu.Lock()
	c.held = hold
	c.mu.Unlock()
	if !hold {
		c.RingDoorbell(0, 0)
	}
}

// History returns the types of all commands executed so far, in order.
func (c *Controller) History() []trb.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]trb.Type(nil), c.history...)
}

// SlotState returns the state of a device slot and its USB address.
func (c *Controller) SlotState(id uint8) (devctx.SlotState, uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= len(c.slots) || c.slots[id] == nil {
		return devctx.SlotDisabled, 0
	}
	return c.slots[id].state, c.slots[id].address
}

// EndpointState returns the state of endpoint dci of a slot.
func (c *Controller) EndpointState(id, dci uint8) devctx.EndpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep := c.endpoint(id, dci); ep != nil {
		return ep.state
	}
	return devctx.EndpointDisabled
}

// endpoint returns the endpoint state of a slot. Caller holds c.mu.
func (c *Controller) endpoint(id, dci uint8) *endpoint {
	if int(id) >= len(c.slots) || c.slots[id] == nil || dci == 0 || int(dci) > devctx.NumEndpoints {
		return nil
	}
	return c.slots[id].eps[dci]
}

// dcbaaEntry reads entry i of the device context base address array.
// Caller holds c.mu.
func (c *Controller) dcbaaEntry(i int) hal.PhysAddr {
	if c.dcbaa == 0 {
		return 0
	}
	view, err := c.mem.Map(c.dcbaa+hal.PhysAddr(i*8), 8)
	if err != nil {
		return 0
	}
	return hal.PhysAddr(binary.LittleEndian.Uint64(view))
}

// load reads one record from DMA memory.
func (c *Controller) load(addr hal.PhysAddr) (trb.TRB, error) {
	view, err := c.mem.Map(addr, trb.Size)
	if err != nil {
		return trb.TRB{}, err
	}
	return trb.Load(view), nil
}

// run is the controller goroutine.
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case j := <-c.jobs:
			c.mu.Lock()
			if c.running {
				if j.slot == 0 {
					if !c.held {
						c.processCommands()
					}
				} else {
					c.processTransfers(j.slot, j.target)
				}
			}
			c.unlock()
		}
	}
}

var _ hal.Controller = (*Controller)(nil)
