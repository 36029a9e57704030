// cpu_x86_task_entry.go - LTR, JMP/CALL to a task, task gate interrupts
// and nested IRET
//
// These are the instruction level checks that run before TaskSwitch.
// Privilege and busy checks live here; TaskSwitch never repeats them.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "errors"

// ErrNotNestedTask is returned by ReturnFromNestedTask when NT is clear.
var ErrNotNestedTask = errors.New("iret: NT clear, not a nested task return")

// ErrNoTaskRegister is returned by RunStep for a nested IRET issued before
// any TSS has been loaded into TR.
var ErrNoTaskRegister = errors.New("iret: NT set but TR holds no TSS")

// LoadTaskRegister executes LTR with the raw selector.
func (c *CPU_X86) LoadTaskRegister(raw uint16) error {
	sel := ParseX86Selector(raw)
	if !c.ProtectedMode() || c.V8086Mode() || c.CPL() != 0 {
		return newX86Fault(X86FaultGeneralProtection, 0)
	}
	if sel.IsNull() {
		c.log.Errorf("ltr: null selector")
		return newX86Fault(X86FaultGeneralProtection, 0)
	}
	if sel.TI {
		c.log.Errorf("ltr: selector %v must be global", sel)
		return newX86Fault(X86FaultGeneralProtection, sel.ErrorCode())
	}

	desc, ok, err := c.fetchDescriptor(sel)
	if err != nil {
		return err
	}
	if !ok {
		return newX86Fault(X86FaultGeneralProtection, sel.ErrorCode())
	}
	if !desc.IsTSS() || desc.IsBusyTSS() {
		c.log.Errorf("ltr: selector %v is not an available TSS", sel)
		return newX86Fault(X86FaultGeneralProtection, sel.ErrorCode())
	}
	if !desc.Present {
		return newX86Fault(X86FaultNotPresent, sel.ErrorCode())
	}

	if err := c.setGDTBusy(sel.Index, true); err != nil {
		return err
	}
	c.TR.Selector = sel
	c.TR.Cache = desc
	c.log.Debugf("ltr: TR=%v base=0x%08X limit=%d", sel, desc.TSS.Base, desc.TSS.LimitScaled)
	return nil
}

// JumpToTask executes a far JMP whose selector names a TSS or task gate.
func (c *CPU_X86) JumpToTask(raw uint16) error {
	return c.transferToTask(raw, X86TaskFromJump)
}

// CallTask executes a far CALL whose selector names a TSS or task gate.
func (c *CPU_X86) CallTask(raw uint16) error {
	return c.transferToTask(raw, X86TaskFromCallOrInt)
}

func (c *CPU_X86) transferToTask(raw uint16, source X86TaskSource) error {
	sel := ParseX86Selector(raw)
	if sel.IsNull() {
		return newX86Fault(X86FaultGeneralProtection, 0)
	}

	desc, ok, err := c.fetchDescriptor(sel)
	if err != nil {
		return err
	}
	if !ok || !desc.Valid || desc.Segment {
		return newX86Fault(X86FaultGeneralProtection, sel.ErrorCode())
	}

	cpl := c.CPL()
	if desc.DPL < cpl || desc.DPL < sel.RPL {
		c.log.Errorf("%v: %v DPL %d below CPL %d or RPL", source, sel, desc.DPL, cpl)
		return newX86Fault(X86FaultGeneralProtection, sel.ErrorCode())
	}

	switch {
	case desc.IsTSS():
		if desc.IsBusyTSS() {
			c.log.Errorf("%v: TSS %v is busy", source, sel)
			return newX86Fault(X86FaultGeneralProtection, sel.ErrorCode())
		}
		if !desc.Present {
			return newX86Fault(X86FaultNotPresent, sel.ErrorCode())
		}
		return c.TaskSwitch(sel, &desc, source)

	case desc.Type == x86SysTaskGate:
		if !desc.Present {
			return newX86Fault(X86FaultNotPresent, sel.ErrorCode())
		}
		tssSel := ParseX86Selector(desc.Gate.Selector)
		if tssSel.TI {
			return newX86Fault(X86FaultGeneralProtection, tssSel.ErrorCode())
		}
		tss, ok, err := c.fetchDescriptor(tssSel)
		if err != nil {
			return err
		}
		if !ok || !tss.IsTSS() || tss.IsBusyTSS() {
			c.log.Errorf("%v: task gate %v names %v, not an available TSS", source, sel, tssSel)
			return newX86Fault(X86FaultGeneralProtection, tssSel.ErrorCode())
		}
		if !tss.Present {
			return newX86Fault(X86FaultNotPresent, tssSel.ErrorCode())
		}
		return c.TaskSwitch(tssSel, &tss, source)
	}

	return newX86Fault(X86FaultGeneralProtection, sel.ErrorCode())
}

// InterruptTask delivers interrupt or exception vector through a task
// gate in the IDT. No privilege checks apply.
func (c *CPU_X86) InterruptTask(vector uint8) error {
	// IDT error codes carry the IDT flag (bit 1)
	idtCode := uint16(vector)*8 + 2
	offset := uint32(vector) * 8
	if offset+7 > uint32(c.IDTR.Limit) {
		return newX86Fault(X86FaultGeneralProtection, idtCode)
	}
	d1, err := c.readLinear32(c.IDTR.Base + offset)
	if err != nil {
		return err
	}
	d2, err := c.readLinear32(c.IDTR.Base + offset + 4)
	if err != nil {
		return err
	}
	gate := ParseX86Descriptor(d1, d2)
	if !gate.Valid || gate.Segment || gate.Type != x86SysTaskGate {
		c.log.Errorf("int 0x%02X: IDT entry is not a task gate", vector)
		return newX86Fault(X86FaultGeneralProtection, idtCode)
	}
	if !gate.Present {
		return newX86Fault(X86FaultNotPresent, idtCode)
	}

	tssSel := ParseX86Selector(gate.Gate.Selector)
	if tssSel.TI {
		return newX86Fault(X86FaultGeneralProtection, tssSel.ErrorCode())
	}
	tss, ok, err := c.fetchDescriptor(tssSel)
	if err != nil {
		return err
	}
	if !ok {
		return newX86Fault(X86FaultInvalidTSS, tssSel.ErrorCode())
	}
	if !tss.IsTSS() || tss.IsBusyTSS() {
		return newX86Fault(X86FaultGeneralProtection, tssSel.ErrorCode())
	}
	if !tss.Present {
		return newX86Fault(X86FaultNotPresent, tssSel.ErrorCode())
	}
	return c.TaskSwitch(tssSel, &tss, X86TaskFromCallOrInt)
}

// ReturnFromNestedTask executes IRET with NT set: the back link of the
// current TSS names the task to resume, which must be busy.
func (c *CPU_X86) ReturnFromNestedTask() error {
	if !c.getFlag(x86FlagNT) {
		return ErrNotNestedTask
	}
	if !c.TR.Cache.Valid {
		x86Panicf("iret: NT set with no valid TSS in TR")
	}

	raw, err := c.readLinear16(c.TR.Cache.TSS.Base)
	if err != nil {
		return err
	}
	link := ParseX86Selector(raw)
	if link.TI {
		return newX86Fault(X86FaultInvalidTSS, link.ErrorCode())
	}
	desc, ok, err := c.fetchDescriptor(link)
	if err != nil {
		return err
	}
	if !ok || !desc.IsBusyTSS() {
		c.log.Errorf("iret: back link %v is not a busy TSS", link)
		return newX86Fault(X86FaultInvalidTSS, link.ErrorCode())
	}
	if !desc.Present {
		return newX86Fault(X86FaultNotPresent, link.ErrorCode())
	}
	return c.TaskSwitch(link, &desc, X86TaskFromIRET)
}
