// Package host implements the core of an xHCI-class USB host controller
// driver.
//
// It is written against the collaborators in
// [github.com/ardnew/softxhci/host/hal]: physical memory, controller
// registers and interrupts, and device registration. Everything the
// controller reads or writes lives in DMA memory obtained from
// [hal.Memory].
//
// # Architecture
//
// The driver is organized into several layers:
//
//   - Host brings the controller up and down and owns the command ring,
//     the event ring and the device context array
//   - The inflight tracker maps every record handed to the controller to
//     the caller waiting on it
//   - The event processor runs as deferred work scheduled by the
//     interrupt handler and routes completion and port events
//   - The slot manager enables, addresses, configures and frees device slots
//   - The enumeration state machine drives each root hub port from
//     connect to a registered device and back
//   - Requests lay control and normal transfers out on endpoint rings and
//     aggregate their completions
//
// # Concurrency
//
// The interrupt handler only records status and schedules the event
// drain. One deferred-work goroutine drains events; enumeration and
// request aggregation run on a worker pool. Callers block on channels
// with a [context.Context]. Records handed to the controller are never
// withdrawn; a request whose context ends keeps running to completion.
//
// # Example
//
//	h := host.New(hc, mem, nil, host.DefaultConfig())
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	dev, err := h.WaitDevice(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	buf := make([]byte, 512)
//	n, err := dev.BulkTransfer(ctx, 0x81, buf)
//
// A software controller for tests is available in
// [github.com/ardnew/softxhci/host/hal/sim].
package host
