//go:build linux || darwin

// memory_bus_unix.go - mmap backed guest memory
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "golang.org/x/sys/unix"

func allocGuestMemory(size int) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, err
	}
	return mem, unix.Munmap, nil
}
