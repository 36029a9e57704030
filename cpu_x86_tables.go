// cpu_x86_tables.go - GDT/LDT access and descriptor cache loading
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// tableEntryAddr returns the linear address of the descriptor sel refers
// to, or ok=false when it lies beyond the owning table's limit.
func (c *CPU_X86) tableEntryAddr(sel X86Selector) (uint32, bool) {
	offset := uint32(sel.Index) * 8
	if !sel.TI {
		if offset+7 > uint32(c.GDTR.Limit) {
			return 0, false
		}
		return c.GDTR.Base + offset, true
	}
	if !c.LDTR.Cache.Valid {
		c.log.Debugf("LDT-relative selector %v with no LDT loaded", sel)
		return 0, false
	}
	if offset+7 > c.LDTR.Cache.LDT.LimitScaled {
		return 0, false
	}
	return c.LDTR.Cache.LDT.Base + offset, true
}

// fetchRawDescriptor reads both dwords of the descriptor addressed by sel.
// ok is false when the selector is outside its table; err carries a page
// fault raised while reading the table.
func (c *CPU_X86) fetchRawDescriptor(sel X86Selector) (dword1, dword2 uint32, ok bool, err error) {
	addr, ok := c.tableEntryAddr(sel)
	if !ok {
		return 0, 0, false, nil
	}
	if dword1, err = c.readLinear32(addr); err != nil {
		return 0, 0, false, err
	}
	if dword2, err = c.readLinear32(addr + 4); err != nil {
		return 0, 0, false, err
	}
	return dword1, dword2, true, nil
}

// fetchDescriptor resolves sel to a decoded descriptor.
func (c *CPU_X86) fetchDescriptor(sel X86Selector) (X86Descriptor, bool, error) {
	d1, d2, ok, err := c.fetchRawDescriptor(sel)
	if !ok || err != nil {
		return X86Descriptor{}, ok, err
	}
	return ParseX86Descriptor(d1, d2), true, nil
}

// LookupDescriptor is the monitor view of fetchDescriptor.
func (c *CPU_X86) LookupDescriptor(raw uint16) (X86Descriptor, bool, error) {
	return c.fetchDescriptor(ParseX86Selector(raw))
}

// setGDTBusy sets or clears the busy bit of the TSS descriptor at index
// with a read-modify-write of the descriptor's high dword.
func (c *CPU_X86) setGDTBusy(index uint16, busy bool) error {
	laddr := c.GDTR.Base + uint32(index)<<3 + 4
	dword2, err := c.readLinear32(laddr)
	if err != nil {
		return err
	}
	if busy {
		dword2 |= x86DescDword2Busy
	} else {
		dword2 &^= x86DescDword2Busy
	}
	return c.writeLinear32(laddr, dword2)
}

// WriteGDTEntry stores a raw descriptor into the GDT.
func (c *CPU_X86) WriteGDTEntry(index uint16, dword1, dword2 uint32) error {
	laddr := c.GDTR.Base + uint32(index)<<3
	if err := c.writeLinear32(laddr, dword1); err != nil {
		return err
	}
	return c.writeLinear32(laddr+4, dword2)
}

// loadSegRegV86 loads a segment register the real mode way: base is
// selector*16, 64K limit, no protection checks.
func (c *CPU_X86) loadSegRegV86(seg *X86SegmentRegister, raw uint16) {
	base := uint32(raw) << 4
	seg.Selector = ParseX86Selector(raw)
	seg.Cache = X86Descriptor{
		Valid:   true,
		Present: true,
		DPL:     3,
		Segment: true,
		Type:    x86SegTypeReadWrite | x86SegTypeAccessed,
		Seg: X86SegmentFields{
			Base:        base,
			Limit:       0xFFFF,
			LimitScaled: 0xFFFF,
			ReadWrite:   true,
			Accessed:    true,
		},
	}
	if seg == &c.Sregs[x86SegCS] {
		seg.Cache.Type |= x86SegTypeExecutable
		seg.Cache.Seg.Executable = true
	}
}
