//go:build !unix

package dma

import (
	"unsafe"

	"github.com/ardnew/softxhci/host/hal"
)

// mapArena allocates a heap region and trims it to a page boundary so
// buffer alignment matches the mapped case.
func mapArena(size int) ([]byte, error) {
	raw := make([]byte, size+hal.PageSize)
	skip := int(-uintptr(unsafe.Pointer(&raw[0])) & (hal.PageSize - 1))
	return raw[skip : skip+size : skip+size], nil
}

func unmapArena([]byte) error {
	return nil
}
