package sim

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/devctx"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/dma"
	"github.com/ardnew/softxhci/host/ring"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

const eventTimeout = 2 * time.Second

// rig drives a simulated controller the way a driver would, without the
// host package.
type rig struct {
	t     *testing.T
	mem   *dma.Arena
	c     *Controller
	cmd   *ring.Ring
	evt   *ring.EventRing
	dcbaa hal.Buffer
	irq   chan struct{}
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()

	mem, err := dma.New(dma.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	c := New(mem, opts)
	t.Cleanup(func() { c.Close() })

	r := &rig{t: t, mem: mem, c: c, irq: make(chan struct{}, 1)}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Reset(ctx))

	r.cmd, err = ring.New(mem, 16)
	require.NoError(t, err)
	r.evt, err = ring.NewEventRing(mem, ring.MinEventRecords)
	require.NoError(t, err)
	r.dcbaa, err = mem.Alloc((c.Capabilities().MaxSlots+1)*8, 64)
	require.NoError(t, err)
	if c.Capabilities().Scratchpads > 0 {
		scratch, err := mem.Alloc(hal.PageSize, hal.PageSize)
		require.NoError(t, err)
		binary.LittleEndian.PutUint64(r.dcbaa.Data, uint64(scratch.Addr))
	}

	c.SetDeviceContextArray(r.dcbaa.Addr)
	c.SetCommandRing(r.cmd.Base(), r.cmd.Cycle())
	c.SetEventRing(r.evt.SegmentTable(), r.evt.Segments(), r.evt.DequeuePointer())
	require.NoError(t, c.RegisterInterrupt(
		func() bool { return c.Status()&hal.StatusEventInterrupt != 0 },
		func() {
			select {
			case r.irq <- struct{}{}:
			default:
			}
		}))
	return r
}

func (r *rig) start() {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(r.t, r.c.Start(ctx))
}

// event returns the next event, waiting for the interrupt if needed.
func (r *rig) event() trb.TRB {
	r.t.Helper()
	deadline := time.After(eventTimeout)
	for {
		if ev, ok := r.evt.Next(); ok {
			r.c.SetEventDequeue(r.evt.DequeuePointer())
			return ev
		}
		select {
		case <-r.irq:
			r.c.ClearStatus(hal.StatusEventInterrupt)
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			r.t.Fatal("timed out waiting for event")
		}
	}
}

func (r *rig) command(rec trb.TRB) trb.TRB {
	r.t.Helper()
	h, err := r.cmd.Enqueue(rec)
	require.NoError(r.t, err)
	r.c.RingDoorbell(0, 0)

	ev := r.event()
	require.Equal(r.t, trb.TypeCommandCompletion, ev.Type())
	require.Equal(r.t, h.Addr(), ev.Pointer())
	r.cmd.AdvanceDequeue(h.Addr())
	return ev
}

// device enables and addresses a slot for the device on port n and
// returns the slot id and its EP0 ring.
func (r *rig) device(n int, speed hal.Speed) (uint8, *ring.Ring) {
	r.t.Helper()
	ev := r.command(trb.EnableSlot())
	require.Equal(r.t, trb.CodeSuccess, ev.CompletionCode())
	id := ev.SlotID()

	out, err := r.mem.Alloc(devctx.DeviceContextSize, 64)
	require.NoError(r.t, err)
	binary.LittleEndian.PutUint64(r.dcbaa.Data[int(id)*8:], uint64(out.Addr))

	ep0, err := ring.New(r.mem, 16)
	require.NoError(r.t, err)

	in := r.input(devctx.Flag(0) | devctx.Flag(1))
	sc := devctx.SlotContext{Speed: speed.PSI(), ContextEntries: 1, RootHubPort: uint8(n)}
	sc.MarshalTo(in.Data[devctx.InputSlotOffset():])
	ec := devctx.EndpointContext{
		Type:           devctx.EndpointControl,
		ErrorCount:     3,
		MaxPacketSize:  speed.MaxPacketSize0(),
		DequeuePointer: ep0.Base(),
		DequeueCycle:   true,
	}
	ec.MarshalTo(in.Data[devctx.InputEndpointOffset(1):])

	ev = r.command(trb.AddressDevice(in.Addr, id, false))
	require.Equal(r.t, trb.CodeSuccess, ev.CompletionCode())
	return id, ep0
}

func (r *rig) input(add uint32) hal.Buffer {
	r.t.Helper()
	in, err := r.mem.Alloc(devctx.InputContextSize, 64)
	require.NoError(r.t, err)
	ctrl := devctx.InputControlContext{Add: add}
	ctrl.MarshalTo(in.Data[devctx.InputControlOffset():])
	return in
}

func ioc(recs ...trb.TRB) []trb.TRB {
	for i := range recs {
		recs[i].Set(trb.FlagIOC)
	}
	return recs
}

func (r *rig) transfer(tr *ring.Ring, id, dci uint8, recs []trb.TRB) []ring.Handle {
	r.t.Helper()
	hs, err := tr.EnqueueChain(ioc(recs...))
	require.NoError(r.t, err)
	r.c.RingDoorbell(id, dci)
	return hs
}

func (r *rig) expectTransfer(h ring.Handle, code trb.CompletionCode, residual int) {
	r.t.Helper()
	ev := r.event()
	require.Equal(r.t, trb.TypeTransferEvent, ev.Type())
	assert.Equal(r.t, h.Addr(), ev.Pointer())
	assert.Equal(r.t, code, ev.CompletionCode())
	assert.Equal(r.t, residual, ev.TransferLength())
	h.Ring().AdvanceDequeue(h.Addr())
}

func getDescriptor(kind uint8, length uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: 0x80,
		Request:     requestGetDescriptor,
		Value:       uint16(kind) << 8,
		Length:      length,
	}
}

// =============================================================================
// Run State Tests
// =============================================================================

func TestController_StartRequiresRings(t *testing.T) {
	mem, err := dma.New(dma.DefaultOptions())
	require.NoError(t, err)
	defer mem.Close()

	c := New(mem, DefaultOptions())
	defer c.Close()

	err = c.Start(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotConfigured)
	assert.NotZero(t, c.Status()&hal.StatusHalted)
}

func TestController_StuckHandshake(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.c.SetStuck(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.c.Reset(ctx)
	assert.ErrorIs(t, err, pkg.ErrTimeout)

	r.c.SetStuck(false)
	r.start()
	assert.Zero(t, r.c.Status()&hal.StatusHalted)
}

func TestController_RegisterInterruptTwice(t *testing.T) {
	r := newRig(t, DefaultOptions())
	err := r.c.RegisterInterrupt(func() bool { return true }, func() {})
	assert.ErrorIs(t, err, pkg.ErrAlreadyRunning)
}

// =============================================================================
// Command Tests
// =============================================================================

func TestEnableSlot_Grant(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.start()

	r.c.GrantSlot(3)
	ev := r.command(trb.EnableSlot())
	assert.Equal(t, trb.CodeSuccess, ev.CompletionCode())
	assert.Equal(t, uint8(3), ev.SlotID())

	state, _ := r.c.SlotState(3)
	assert.Equal(t, devctx.SlotDefault, state)

	ev = r.command(trb.EnableSlot())
	assert.Equal(t, uint8(1), ev.SlotID())
}

func TestEnableSlot_NoSlots(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSlots = 1
	r := newRig(t, opts)
	r.start()

	assert.Equal(t, trb.CodeSuccess, r.command(trb.EnableSlot()).CompletionCode())
	assert.Equal(t, trb.CodeNoSlotsAvailable, r.command(trb.EnableSlot()).CompletionCode())

	assert.Equal(t, trb.CodeSuccess, r.command(trb.DisableSlot(1)).CompletionCode())
	assert.Equal(t, trb.CodeSlotNotEnabled, r.command(trb.DisableSlot(1)).CompletionCode())
}

func TestInjectCompletion_Command(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.start()

	r.c.InjectCompletion(trb.TypeNoOpCommand, trb.CodeTRB)
	assert.Equal(t, trb.CodeTRB, r.command(trb.NoOpCommand()).CompletionCode())
	assert.Equal(t, trb.CodeSuccess, r.command(trb.NoOpCommand()).CompletionCode())

	assert.Equal(t, []trb.Type{trb.TypeNoOpCommand, trb.TypeNoOpCommand}, r.c.History())
}

func TestCommandRing_Wraps(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.start()

	for i := 0; i < 3*r.cmd.Capacity(); i++ {
		require.Equal(t, trb.CodeSuccess, r.command(trb.NoOpCommand()).CompletionCode(), "command %d", i)
	}
}

// =============================================================================
// Port Tests
// =============================================================================

func TestPort_AttachAndReset(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.start()

	require.NoError(t, r.c.Attach(2, NewLoopback(hal.SpeedHigh)))
	ev := r.event()
	require.Equal(t, trb.TypePortStatusChange, ev.Type())
	assert.Equal(t, 2, ev.PortID())

	st, err := r.c.PortStatus(2)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.False(t, st.Enabled)
	assert.True(t, st.ConnectChange())
	assert.Equal(t, hal.SpeedHigh, st.Speed)

	require.NoError(t, r.c.ClearPortChange(2, hal.PortChangeConnect))
	require.NoError(t, r.c.ResetPort(2))

	ev = r.event()
	require.Equal(t, trb.TypePortStatusChange, ev.Type())
	st, err = r.c.PortStatus(2)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.True(t, st.ResetChange())
	assert.False(t, st.ConnectChange())

	require.NoError(t, r.c.Detach(2))
	r.event()
	st, _ = r.c.PortStatus(2)
	assert.False(t, st.Connected)

	assert.ErrorIs(t, r.c.ResetPort(2), pkg.ErrNoDevice)
	assert.ErrorIs(t, r.c.Attach(9, NewLoopback(hal.SpeedFull)), ErrInvalidPort)
}

func TestPort_AttachedBeforeStart(t *testing.T) {
	r := newRig(t, DefaultOptions())
	require.NoError(t, r.c.Attach(1, NewLoopback(hal.SpeedSuper)))
	r.start()

	ev := r.event()
	require.Equal(t, trb.TypePortStatusChange, ev.Type())
	assert.Equal(t, 1, ev.PortID())

	st, _ := r.c.PortStatus(1)
	assert.True(t, st.Enabled, "SuperSpeed ports come up enabled")
}

// =============================================================================
// Transfer Tests
// =============================================================================

func TestControl_GetDescriptor(t *testing.T) {
	r := newRig(t, DefaultOptions())
	dev := NewLoopback(hal.SpeedSuper)
	require.NoError(t, r.c.Attach(1, dev))
	r.start()
	r.event()

	id, ep0 := r.device(1, hal.SpeedSuper)
	state, addr := r.c.SlotState(id)
	assert.Equal(t, devctx.SlotAddressed, state)
	assert.Equal(t, id, addr)

	buf, err := r.mem.Alloc(64, 64)
	require.NoError(t, err)

	hs := r.transfer(ep0, id, 1, []trb.TRB{
		trb.SetupStage(getDescriptor(descriptorDevice, deviceDescriptorLength), trb.TransferIn),
		trb.DataStage(buf.Addr, deviceDescriptorLength, true),
		trb.StatusStage(false),
	})
	r.expectTransfer(hs[0], trb.CodeSuccess, 0)
	r.expectTransfer(hs[1], trb.CodeSuccess, 0)
	r.expectTransfer(hs[2], trb.CodeSuccess, 0)

	assert.Equal(t, byte(deviceDescriptorLength), buf.Data[0])
	assert.Equal(t, byte(descriptorDevice), buf.Data[1])
	assert.Equal(t, dev.VendorID, binary.LittleEndian.Uint16(buf.Data[8:]))

	// Asking for more than the device has: short data stage, status still runs.
	hs = r.transfer(ep0, id, 1, []trb.TRB{
		trb.SetupStage(getDescriptor(descriptorDevice, 64), trb.TransferIn),
		trb.DataStage(buf.Addr, 32, true),
		trb.Normal(buf.Addr+32, 32),
		trb.StatusStage(false),
	})
	r.expectTransfer(hs[0], trb.CodeSuccess, 0)
	r.expectTransfer(hs[1], trb.CodeShortPacket, 32-deviceDescriptorLength)
	r.expectTransfer(hs[3], trb.CodeSuccess, 0)
	assert.Equal(t, devctx.EndpointRunning, r.c.EndpointState(id, 1))
}

func TestControl_StallAndRecover(t *testing.T) {
	r := newRig(t, DefaultOptions())
	require.NoError(t, r.c.Attach(1, NewLoopback(hal.SpeedSuper)))
	r.start()
	r.event()

	id, ep0 := r.device(1, hal.SpeedSuper)
	buf, err := r.mem.Alloc(8, 16)
	require.NoError(t, err)

	bogus := hal.SetupPacket{RequestType: 0xC0, Request: 0xFE, Length: 8}
	hs := r.transfer(ep0, id, 1, []trb.TRB{
		trb.SetupStage(bogus, trb.TransferIn),
		trb.DataStage(buf.Addr, 8, true),
		trb.StatusStage(false),
	})
	r.expectTransfer(hs[0], trb.CodeSuccess, 0)
	r.expectTransfer(hs[1], trb.CodeStall, 8)
	assert.Equal(t, devctx.EndpointHalted, r.c.EndpointState(id, 1))

	// The dequeue pointer cannot move until the endpoint is reset.
	assert.Equal(t, trb.CodeContextState, r.command(trb.SetTRDequeue(id, 1, ep0.Base(), true)).CompletionCode())

	assert.Equal(t, trb.CodeSuccess, r.command(trb.ResetEndpoint(id, 1)).CompletionCode())
	assert.Equal(t, devctx.EndpointStopped, r.c.EndpointState(id, 1))

	next, cycle, ok := ep0.PositionAfter(hs[2])
	require.True(t, ok)
	assert.Equal(t, trb.CodeSuccess, r.command(trb.SetTRDequeue(id, 1, next, cycle)).CompletionCode())
	ep0.AdvanceDequeue(hs[2].Addr())

	hs = r.transfer(ep0, id, 1, []trb.TRB{
		trb.SetupStage(getDescriptor(descriptorDevice, 8), trb.TransferIn),
		trb.DataStage(buf.Addr, 8, true),
		trb.StatusStage(false),
	})
	r.expectTransfer(hs[0], trb.CodeSuccess, 0)
	r.expectTransfer(hs[1], trb.CodeSuccess, 0)
	r.expectTransfer(hs[2], trb.CodeSuccess, 0)
	assert.Equal(t, devctx.EndpointRunning, r.c.EndpointState(id, 1))
}

func TestBulk_Loopback(t *testing.T) {
	r := newRig(t, DefaultOptions())
	dev := NewLoopback(hal.SpeedHigh)
	require.NoError(t, r.c.Attach(3, dev))
	r.start()
	r.event()
	require.NoError(t, r.c.ResetPort(3))
	r.event()

	id, ep0 := r.device(3, hal.SpeedHigh)

	hs := r.transfer(ep0, id, 1, []trb.TRB{
		trb.SetupStage(hal.SetupPacket{Request: requestSetConfiguration, Value: 1}, trb.TransferNoData),
		trb.StatusStage(true),
	})
	r.expectTransfer(hs[0], trb.CodeSuccess, 0)
	r.expectTransfer(hs[1], trb.CodeSuccess, 0)
	assert.Equal(t, uint8(1), dev.Configuration())

	in, err := ring.New(r.mem, 16)
	require.NoError(t, err)
	out, err := ring.New(r.mem, 16)
	require.NoError(t, err)
	inDCI, outDCI := devctx.DCI(LoopbackIn), devctx.DCI(LoopbackOut)

	ictx := r.input(devctx.Flag(0) | devctx.Flag(inDCI) | devctx.Flag(outDCI))
	for _, ep := range []struct {
		dci  uint8
		addr uint8
		r    *ring.Ring
	}{{inDCI, LoopbackIn, in}, {outDCI, LoopbackOut, out}} {
		ec := devctx.EndpointContext{
			Type:           devctx.EndpointTypeFor(ep.addr, 0x02),
			ErrorCount:     3,
			MaxPacketSize:  512,
			DequeuePointer: ep.r.Base(),
			DequeueCycle:   true,
		}
		ec.MarshalTo(ictx.Data[devctx.InputEndpointOffset(ep.dci):])
	}
	assert.Equal(t, trb.CodeSuccess, r.command(trb.ConfigureEndpoint(ictx.Addr, id, false)).CompletionCode())
	state, _ := r.c.SlotState(id)
	assert.Equal(t, devctx.SlotConfigured, state)

	src, err := r.mem.Alloc(100, 16)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = byte(i)
	}
	hs = r.transfer(out, id, outDCI, []trb.TRB{trb.Normal(src.Addr, 100)})
	r.expectTransfer(hs[0], trb.CodeSuccess, 0)
	assert.Equal(t, 1, dev.Pending())

	dst, err := r.mem.Alloc(20000, 16)
	require.NoError(t, err)
	hs = r.transfer(in, id, inDCI, []trb.TRB{trb.Normal(dst.Addr, 20000)})
	r.expectTransfer(hs[0], trb.CodeShortPacket, 20000-100)
	assert.Equal(t, src.Data, dst.Data[:100])
}

func TestBulk_InjectedBabbleHalts(t *testing.T) {
	r := newRig(t, DefaultOptions())
	require.NoError(t, r.c.Attach(1, NewLoopback(hal.SpeedSuper)))
	r.start()
	r.event()
	id, ep0 := r.device(1, hal.SpeedSuper)

	buf, err := r.mem.Alloc(64, 16)
	require.NoError(t, err)

	r.c.InjectCompletion(trb.TypeDataStage, trb.CodeBabble)
	hs := r.transfer(ep0, id, 1, []trb.TRB{
		trb.SetupStage(getDescriptor(descriptorDevice, 18), trb.TransferIn),
		trb.DataStage(buf.Addr, 18, true),
		trb.StatusStage(false),
	})
	r.expectTransfer(hs[0], trb.CodeSuccess, 0)
	r.expectTransfer(hs[1], trb.CodeBabble, 18)
	assert.Equal(t, devctx.EndpointHalted, r.c.EndpointState(id, 1))
}

// =============================================================================
// Loopback Tests
// =============================================================================

func TestLoopback_StringDescriptors(t *testing.T) {
	dev := NewLoopback(hal.SpeedFull)
	buf := make([]byte, 64)

	n, err := dev.Control(getDescriptor(descriptorString, 4), buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, descriptorString, 0x09, 0x04}, buf[:n])

	n, err = dev.Control(hal.SetupPacket{
		RequestType: 0x80,
		Request:     requestGetDescriptor,
		Value:       descriptorString<<8 | loopbackProductIndex,
		Index:       0x0409,
		Length:      64,
	}, buf)
	require.NoError(t, err)
	want := []byte{18, descriptorString}
	for _, c := range "Loopback" {
		want = append(want, byte(c), 0)
	}
	assert.Equal(t, want, buf[:n])

	dev.ProductName = ""
	_, err = dev.Control(hal.SetupPacket{
		RequestType: 0x80,
		Request:     requestGetDescriptor,
		Value:       descriptorString<<8 | loopbackProductIndex,
		Length:      64,
	}, buf)
	assert.ErrorIs(t, err, pkg.ErrStall)
}
