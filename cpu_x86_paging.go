// cpu_x86_paging.go - Linear memory access with 386 two-level paging
//
// All accesses made by the task switch engine are supervisor accesses.
// A translation failure loads CR2 and returns a #PF fault; nothing is
// retried. Multi-byte accesses translate every page they touch before the
// first byte is transferred so a fault never leaves a partial write.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "encoding/binary"

// Page directory / page table entry bits
const (
	x86PTEPresent   uint32 = 1 << 0
	x86PTEReadWrite uint32 = 1 << 1
	x86PTEUser      uint32 = 1 << 2
	x86PTEAccessed  uint32 = 1 << 5
	x86PTEDirty     uint32 = 1 << 6
	x86PDEPageSize  uint32 = 1 << 7
)

const x86PageSize = 4096

type x86MemAccess int

const (
	x86MemRead x86MemAccess = iota
	x86MemWrite
)

type x86TLBEntry struct {
	frame    uint32
	writable bool
	dirty    bool
}

// x86TLB caches linear page -> physical frame translations. It is owned
// by a single CPU and flushed on every CR3 load.
type x86TLB struct {
	entries map[uint32]x86TLBEntry
}

func (t *x86TLB) flush() {
	clear(t.entries)
}

func (t *x86TLB) lookup(page uint32) (x86TLBEntry, bool) {
	e, ok := t.entries[page]
	return e, ok
}

func (t *x86TLB) insert(page uint32, e x86TLBEntry) {
	if t.entries == nil {
		t.entries = make(map[uint32]x86TLBEntry)
	}
	t.entries[page] = e
}

func (c *CPU_X86) physRead32(addr uint32) uint32 {
	var b [4]byte
	for i := range b {
		b[i] = c.bus.Read(addr + uint32(i))
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (c *CPU_X86) physWrite32(addr uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i := range b {
		c.bus.Write(addr+uint32(i), b[i])
	}
}

// translateLinear maps a linear address to a physical one for a
// supervisor access.
func (c *CPU_X86) translateLinear(laddr uint32, access x86MemAccess) (uint32, error) {
	if !c.PagingEnabled() {
		return laddr, nil
	}
	write := access == x86MemWrite
	page := laddr >> 12

	if e, ok := c.tlb.lookup(page); ok {
		if !write || (e.writable && e.dirty) {
			return e.frame | laddr&0xFFF, nil
		}
		if !e.writable && c.CR0&x86CR0WP != 0 {
			return 0, c.pageFault(laddr, x86PFErrPresent, write)
		}
		// Fall through to the walk to set the dirty bit
	}

	pdeAddr := c.CR3&0xFFFFF000 | (laddr>>22)<<2
	pde := c.physRead32(pdeAddr)
	if pde&x86PTEPresent == 0 {
		return 0, c.pageFault(laddr, 0, write)
	}

	var frame uint32
	var writable bool
	if pde&x86PDEPageSize != 0 && c.CR4&x86CR4PSE != 0 {
		frame = pde&0xFFC00000 | laddr&0x003FF000
		writable = pde&x86PTEReadWrite != 0
		if write && !writable && c.CR0&x86CR0WP != 0 {
			return 0, c.pageFault(laddr, x86PFErrPresent, write)
		}
		pde |= x86PTEAccessed
		if write {
			pde |= x86PTEDirty
		}
		c.physWrite32(pdeAddr, pde)
	} else {
		pteAddr := pde&0xFFFFF000 | ((laddr>>12)&0x3FF)<<2
		pte := c.physRead32(pteAddr)
		if pte&x86PTEPresent == 0 {
			return 0, c.pageFault(laddr, 0, write)
		}
		frame = pte & 0xFFFFF000
		writable = pde&pte&x86PTEReadWrite != 0
		if write && !writable && c.CR0&x86CR0WP != 0 {
			return 0, c.pageFault(laddr, x86PFErrPresent, write)
		}
		if pde&x86PTEAccessed == 0 {
			c.physWrite32(pdeAddr, pde|x86PTEAccessed)
		}
		pte |= x86PTEAccessed
		if write {
			pte |= x86PTEDirty
		}
		c.physWrite32(pteAddr, pte)
	}

	c.tlb.insert(page, x86TLBEntry{frame: frame, writable: writable, dirty: write})
	return frame | laddr&0xFFF, nil
}

func (c *CPU_X86) pageFault(laddr uint32, code uint32, write bool) *X86Fault {
	if write {
		code |= x86PFErrWrite
	}
	c.CR2 = laddr
	return newX86PageFault(laddr, code)
}

// probeLinear checks that laddr is mapped for the given access without
// transferring data.
func (c *CPU_X86) probeLinear(laddr uint32, access x86MemAccess) error {
	_, err := c.translateLinear(laddr, access)
	return err
}

// accessLinear transfers len(buf) bytes between linear memory and buf.
func (c *CPU_X86) accessLinear(laddr uint32, buf []byte, access x86MemAccess) error {
	n := uint32(len(buf))
	if n == 0 {
		return nil
	}

	// Translate the first and (if different) the last page up front
	phys0, err := c.translateLinear(laddr, access)
	if err != nil {
		return err
	}
	last := laddr + n - 1
	phys1 := phys0 + n - 1
	split := n
	if last>>12 != laddr>>12 {
		split = x86PageSize - laddr&0xFFF
		if phys1, err = c.translateLinear(laddr+split, access); err != nil {
			return err
		}
	}

	for i := range n {
		addr := phys0 + i
		if i >= split {
			addr = phys1 + (i - split)
		}
		if access == x86MemWrite {
			c.bus.Write(addr, buf[i])
		} else {
			buf[i] = c.bus.Read(addr)
		}
	}
	return nil
}

func (c *CPU_X86) readLinear16(laddr uint32) (uint16, error) {
	var b [2]byte
	err := c.accessLinear(laddr, b[:], x86MemRead)
	return binary.LittleEndian.Uint16(b[:]), err
}

func (c *CPU_X86) readLinear32(laddr uint32) (uint32, error) {
	var b [4]byte
	err := c.accessLinear(laddr, b[:], x86MemRead)
	return binary.LittleEndian.Uint32(b[:]), err
}

func (c *CPU_X86) readLinear64(laddr uint32) (uint64, error) {
	var b [8]byte
	err := c.accessLinear(laddr, b[:], x86MemRead)
	return binary.LittleEndian.Uint64(b[:]), err
}

func (c *CPU_X86) writeLinear16(laddr uint32, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return c.accessLinear(laddr, b[:], x86MemWrite)
}

func (c *CPU_X86) writeLinear32(laddr uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return c.accessLinear(laddr, b[:], x86MemWrite)
}

// ReadLinear is the monitor/script view of linear memory.
func (c *CPU_X86) ReadLinear(laddr uint32, n int) ([]byte, error) {
	buf := make([]byte, n)
	for off := 0; off < n; {
		chunk := min(n-off, int(x86PageSize-(laddr+uint32(off))&0xFFF))
		if err := c.accessLinear(laddr+uint32(off), buf[off:off+chunk], x86MemRead); err != nil {
			return buf[:off], err
		}
		off += chunk
	}
	return buf, nil
}

// WriteLinear is the monitor/script counterpart of ReadLinear.
func (c *CPU_X86) WriteLinear(laddr uint32, data []byte) error {
	for off := 0; off < len(data); {
		chunk := min(len(data)-off, int(x86PageSize-(laddr+uint32(off))&0xFFF))
		if err := c.accessLinear(laddr+uint32(off), data[off:off+chunk], x86MemWrite); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

// SetCR3 loads CR3 and notifies the paging unit.
func (c *CPU_X86) SetCR3(v uint32) {
	c.cr3Change(v)
}

// SetCR0 loads CR0; toggling PG or WP invalidates cached translations.
func (c *CPU_X86) SetCR0(v uint32) {
	if (c.CR0^v)&(x86CR0PG|x86CR0WP) != 0 {
		c.tlb.flush()
	}
	c.CR0 = v | x86CR0ET
}

// cr3Change is the paging unit's CR3 reload notification.
func (c *CPU_X86) cr3Change(v uint32) {
	c.CR3 = v
	c.tlb.flush()
	c.log.Debugf("CR3 reloaded with 0x%08X", v)
	if c.OnCR3Change != nil {
		c.OnCR3Change(v)
	}
}
