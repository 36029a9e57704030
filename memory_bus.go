// memory_bus.go - Guest physical memory for the x86 protected mode core

/*
(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

/*
memory_bus.go - Guest Physical Memory

SystemBus is the physical address space seen by every virtual CPU of a
machine. It is a single contiguous little-endian block guarded by a
read/write mutex, so several CPUs running on their own goroutines can
share it while keeping their register and descriptor cache state private.

On linux and darwin hosts the block is an anonymous private mapping (see
memory_bus_unix.go) so that large, sparsely used guest memories do not
count against the Go heap. Other hosts fall back to a plain slice.

Accesses outside the block read as zero and writes are dropped, which
matches an unpopulated bus on real hardware closely enough for the
task switch engine: a TSS placed beyond RAM reads back as all-null
selectors and fails validation in the new task's context.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	DEFAULT_MEMORY_SIZE = 16 * 1024 * 1024
	MIN_MEMORY_SIZE     = 64 * 1024
)

type SystemBus struct {
	memory  []byte
	mutex   sync.RWMutex
	release func([]byte) error
}

// NewSystemBus allocates size bytes of guest physical memory.
func NewSystemBus(size uint32) (*SystemBus, error) {
	if size < MIN_MEMORY_SIZE {
		return nil, fmt.Errorf("memory size %d below minimum %d", size, MIN_MEMORY_SIZE)
	}
	mem, release, err := allocGuestMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes of guest memory: %w", size, err)
	}
	return &SystemBus{memory: mem, release: release}, nil
}

// Size returns the number of bytes of physical memory.
func (bus *SystemBus) Size() uint32 {
	return uint32(len(bus.memory))
}

func (bus *SystemBus) Read(addr uint32) byte {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	if addr >= uint32(len(bus.memory)) {
		return 0
	}
	return bus.memory[addr]
}

func (bus *SystemBus) Write(addr uint32, value byte) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	if addr >= uint32(len(bus.memory)) {
		return
	}
	bus.memory[addr] = value
}

// ReadBlock copies len(dst) bytes starting at addr.
func (bus *SystemBus) ReadBlock(addr uint32, dst []byte) {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()
	for i := range dst {
		a := uint64(addr) + uint64(i)
		if a >= uint64(len(bus.memory)) {
			dst[i] = 0
			continue
		}
		dst[i] = bus.memory[a]
	}
}

// WriteBlock copies src into memory starting at addr.
func (bus *SystemBus) WriteBlock(addr uint32, src []byte) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	for i, b := range src {
		a := uint64(addr) + uint64(i)
		if a >= uint64(len(bus.memory)) {
			return
		}
		bus.memory[a] = b
	}
}

func (bus *SystemBus) Read16(addr uint32) uint16 {
	var buf [2]byte
	bus.ReadBlock(addr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (bus *SystemBus) Read32(addr uint32) uint32 {
	var buf [4]byte
	bus.ReadBlock(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (bus *SystemBus) Read64(addr uint32) uint64 {
	var buf [8]byte
	bus.ReadBlock(addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (bus *SystemBus) Write16(addr uint32, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	bus.WriteBlock(addr, buf[:])
}

func (bus *SystemBus) Write32(addr uint32, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	bus.WriteBlock(addr, buf[:])
}

func (bus *SystemBus) Write64(addr uint32, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	bus.WriteBlock(addr, buf[:])
}

// Reset clears the entire physical memory.
func (bus *SystemBus) Reset() {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	clear(bus.memory)
}

// Close releases the backing memory. The bus must not be used afterwards.
func (bus *SystemBus) Close() error {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	if bus.release == nil {
		return nil
	}
	err := bus.release(bus.memory)
	bus.memory = nil
	bus.release = nil
	return err
}
