// Package hal defines the collaborators the driver core is written against.
//
// The driver implements the ring protocol, slot lifecycle and enumeration
// logic. Everything that touches a particular machine sits behind the
// interfaces in this package:
//   - [Memory]: DMA buffer allocation, phys-to-virt mapping and scatter lists
//   - [Controller]: capability bits, run/stop/reset handshakes, doorbells,
//     the event ring dequeue pointer, status and port registers, and
//     interrupt registration
//   - [Registrar]: announcing addressed devices to the rest of the system
//
// Register bit layouts stay inside Controller implementations. The driver
// sees decoded values such as [PortStatus] and [Capabilities].
//
// # Implementing a Controller
//
// An implementation for real hardware maps the capability, operational,
// runtime and doorbell register spaces and translates each method into
// the corresponding register access. Handshakes (Reset, Start, Stop)
// must honor the context deadline and return [pkg.ErrTimeout] when the
// hardware does not respond.
//
// RegisterInterrupt receives two functions. The check function runs in
// interrupt context and must only read status; the handler is called
// when check reports true and is expected to return quickly.
//
// A software controller for tests and examples is available in
// [github.com/ardnew/softxhci/host/hal/sim], and a DMA arena in
// [github.com/ardnew/softxhci/host/hal/dma].
package hal
