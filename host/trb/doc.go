// Package trb implements the binary wire format shared with the host
// controller: 16-byte Transfer Request Blocks.
//
// Every record is four little-endian 32-bit words. Word 3 is the control
// word: bit 0 is the cycle bit, bits 10..15 hold the [Type], and commands and
// events carry the slot id in bits 24..31. Event records carry an 8-bit
// [CompletionCode] and a 24-bit length or parameter in word 2.
//
// Records in DMA memory are shared with autonomous hardware. Use [Store] and
// [Load], which order the control word (and its cycle bit) after or before
// the payload words, instead of writing the bytes directly.
package trb
