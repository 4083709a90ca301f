// Package ring implements the record rings shared between the driver and
// an xHCI-class controller.
//
// A [Ring] is a producer ring: the command ring or an endpoint transfer
// ring. The driver writes records at the enqueue position and the
// controller consumes them. Ownership of a record is signalled by its
// cycle bit, which matches the producer cycle state while the record is
// valid. The last record of a ring is a link record back to the start;
// passing it flips the producer cycle.
//
// An [EventRing] is a consumer ring: the controller writes completion
// events and the driver reads them while the cycle bit matches its
// expected cycle.
//
// Enqueue returns a [Handle] naming the record's bus address, which is
// the key completion events refer back to.
package ring
