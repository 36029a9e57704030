// cpu_x86_segments.go - Segment register reload after a task switch
//
// Runs past the commit point. Every selector is stored first and every
// cache invalidated, so a fault part way through leaves the remaining
// registers with their new selectors and unusable caches.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// loadTaskSegments validates and loads LDTR, CS, SS, DS, ES, FS and GS
// from the incoming task image. The first failing check is returned.
func (c *CPU_X86) loadTaskSegments(next *X86TaskState) *X86Fault {
	for i := range c.Sregs {
		c.Sregs[i].Selector = ParseX86Selector(next.Sregs[i])
		c.Sregs[i].Cache.Valid = false
	}
	c.LDTR.Selector = ParseX86Selector(next.LDT)
	c.LDTR.Cache.Valid = false

	if f := c.loadTaskLDT(); f != nil {
		return f
	}

	if c.V8086Mode() {
		for i := range c.Sregs {
			c.loadSegRegV86(&c.Sregs[i], next.Sregs[i])
		}
		return nil
	}

	if f := c.loadTaskCS(); f != nil {
		return f
	}
	if f := c.loadTaskSS(); f != nil {
		return f
	}
	for _, seg := range [...]int{x86SegDS, x86SegES, x86SegFS, x86SegGS} {
		if f := c.loadTaskDataSeg(seg); f != nil {
			return f
		}
	}
	return nil
}

func (c *CPU_X86) loadTaskLDT() *X86Fault {
	sel := c.LDTR.Selector
	if sel.TI {
		c.log.Errorf("task switch: LDT selector %v refers to the LDT", sel)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if sel.IsNull() {
		return nil
	}

	desc, ok, err := c.fetchDescriptor(sel)
	if err != nil {
		return descriptorFetchFault(err)
	}
	if !ok {
		c.log.Errorf("task switch: LDT selector %v outside GDT limit", sel)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if desc.Kind() != X86DescLDT {
		c.log.Errorf("task switch: selector %v is not an LDT descriptor", sel)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	// A missing LDT is reported as #TS, not #NP
	if !desc.Present {
		c.log.Errorf("task switch: LDT %v not present", sel)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}

	c.LDTR.Cache = desc
	return nil
}

func (c *CPU_X86) loadTaskCS() *X86Fault {
	cs := &c.Sregs[x86SegCS]
	sel := cs.Selector
	if sel.IsNull() {
		c.log.Errorf("task switch: CS selector null")
		return newX86Fault(X86FaultInvalidTSS, 0)
	}

	desc, ok, err := c.fetchDescriptor(sel)
	if err != nil {
		return descriptorFetchFault(err)
	}
	if !ok || desc.Kind() != X86DescSegment || !desc.Seg.Executable {
		c.log.Errorf("task switch: CS %v is not a code segment", sel)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if !desc.Seg.ConformExp && desc.DPL != sel.RPL {
		c.log.Errorf("task switch: non-conforming CS %v DPL %d != RPL", sel, desc.DPL)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if desc.Seg.ConformExp && desc.DPL > sel.RPL {
		c.log.Errorf("task switch: conforming CS %v DPL %d > RPL", sel, desc.DPL)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if !desc.Present {
		c.log.Errorf("task switch: CS %v not present", sel)
		return newX86Fault(X86FaultNotPresent, sel.ErrorCode())
	}

	cs.Cache = desc
	return nil
}

func (c *CPU_X86) loadTaskSS() *X86Fault {
	ss := &c.Sregs[x86SegSS]
	sel := ss.Selector
	if sel.IsNull() {
		c.log.Errorf("task switch: SS selector null")
		return newX86Fault(X86FaultInvalidTSS, 0)
	}

	desc, ok, err := c.fetchDescriptor(sel)
	if err != nil {
		return descriptorFetchFault(err)
	}
	if !ok || desc.Kind() != X86DescSegment || desc.Seg.Executable || !desc.Seg.ReadWrite {
		c.log.Errorf("task switch: SS %v is not a writable data segment", sel)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if !desc.Present {
		c.log.Errorf("task switch: SS %v not present", sel)
		return newX86Fault(X86FaultStack, sel.ErrorCode())
	}

	csRPL := c.Sregs[x86SegCS].Selector.RPL
	if desc.DPL != csRPL {
		c.log.Errorf("task switch: SS %v DPL %d != CS RPL %d", sel, desc.DPL, csRPL)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if desc.DPL != sel.RPL {
		c.log.Errorf("task switch: SS %v DPL %d != RPL", sel, desc.DPL)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}

	ss.Cache = desc
	return nil
}

// loadTaskDataSeg handles DS, ES, FS and GS. A null selector is legal
// and leaves the cache invalid.
func (c *CPU_X86) loadTaskDataSeg(seg int) *X86Fault {
	reg := &c.Sregs[seg]
	sel := reg.Selector
	if sel.IsNull() {
		return nil
	}

	desc, ok, err := c.fetchDescriptor(sel)
	if err != nil {
		return descriptorFetchFault(err)
	}
	if !ok || !desc.Valid || !desc.IsDataOrReadableCode() {
		c.log.Errorf("task switch: %s %v is not data or readable code", x86SegNames[seg], sel)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}

	// Data and non-conforming code (types 0-11) are privilege checked
	csRPL := c.Sregs[x86SegCS].Selector.RPL
	if desc.Type < 12 && (desc.DPL < csRPL || desc.DPL < sel.RPL) {
		c.log.Errorf("task switch: %s %v DPL %d below CS RPL %d or RPL",
			x86SegNames[seg], sel, desc.DPL, csRPL)
		return newX86Fault(X86FaultInvalidTSS, sel.ErrorCode())
	}
	if !desc.Present {
		c.log.Errorf("task switch: %s %v not present", x86SegNames[seg], sel)
		return newX86Fault(X86FaultNotPresent, sel.ErrorCode())
	}

	reg.Cache = desc
	return nil
}

// descriptorFetchFault narrows a table read error to the guest fault it
// carries. Table reads only fail with page faults.
func descriptorFetchFault(err error) *X86Fault {
	f, ok := AsX86Fault(err)
	if !ok {
		x86Panicf("descriptor table read: %v", err)
	}
	return f
}
