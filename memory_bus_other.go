//go:build !linux && !darwin

// memory_bus_other.go - heap backed guest memory for non-unix hosts
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

func allocGuestMemory(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
