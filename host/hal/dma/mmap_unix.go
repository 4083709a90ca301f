//go:build unix

package dma

import "golang.org/x/sys/unix"

func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapArena(mem []byte) error {
	return unix.Munmap(mem)
}
