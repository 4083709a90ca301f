// Package sim provides a software xHCI-class host controller.
//
// [Controller] implements [hal.Controller] on top of a [hal.Memory]. It
// reads the command ring and endpoint transfer rings that the driver
// builds in DMA memory, executes them against device models attached to
// its root hub ports, and writes completion events to the event ring
// with the correct cycle bits. Events raise the registered interrupt.
//
// # Device Models
//
// Devices implement [Device]. [Loopback] is a vendor-class device with a
// bulk OUT endpoint whose data comes back on a bulk IN endpoint.
//
// # Fault Injection
//
// [Controller.InjectCompletion] makes the next record of a given type
// complete with a chosen code, [Controller.GrantSlot] picks the slot id
// the next Enable Slot returns, and [Controller.SetStuck] and
// [Controller.HoldPortReset] make handshakes and port resets hang so
// deadlines can be tested.
//
// # Short Packets
//
// A record that receives fewer bytes than it describes completes with
// a short packet code and the residual length. The remaining data
// records of its stage are skipped; for control transfers the status
// stage still runs. A bulk IN endpoint with no data completes at once
// with a zero-length short packet instead of waiting.
package sim
