// cpu_x86_tasking.go - Hardware task switch engine
//
// Effect of a task switch on busy bits, NT and the link field
// (identical on 386, 486 and Pentium):
//
//	field          jump      call/interrupt    iret
//	new busy bit   set       set               no change
//	old busy bit   cleared   no change         cleared
//	new NT flag    no change set               no change
//	old NT flag    no change no change         cleared
//	new link       no change old TSS selector  no change
//	CR0.TS         set       set               set
//
// Everything up to and including the busy bit updates can fault without
// changing CPU state. Past that commit point the switch always completes
// and any fault is delivered in the context of the new task.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// X86TaskSource says what triggered a task switch.
type X86TaskSource int

const (
	X86TaskFromJump X86TaskSource = iota
	X86TaskFromCallOrInt
	X86TaskFromIRET
)

func (s X86TaskSource) String() string {
	switch s {
	case X86TaskFromJump:
		return "jump"
	case X86TaskFromCallOrInt:
		return "call"
	case X86TaskFromIRET:
		return "iret"
	}
	return "unknown"
}

// TaskSwitch switches to the task whose TSS is described by tssSel and
// tssDesc. For JMP and CALL the caller has already checked privilege,
// type and busy state; exceptions, interrupts and IRET skip those checks.
//
// The returned error is nil or an *X86Fault. A fault with AfterCommit
// set means the new task is loaded and the fault belongs to it.
func (c *CPU_X86) TaskSwitch(tssSel X86Selector, tssDesc *X86Descriptor, source X86TaskSource) error {
	c.log.Debugf("task switch (%v) to %v: enter", source, tssSel)

	// Traps and inhibits of the old context are discarded
	c.debugTrap = 0
	c.inhibitMask = 0

	if !tssDesc.Present {
		c.log.Errorf("task switch: TSS descriptor %v not present", tssSel)
		return newX86Fault(X86FaultNotPresent, tssSel.ErrorCode())
	}

	oldLayout := tssLayoutForType(c.TR.Cache.Type)
	oldBase := c.TR.Cache.TSS.Base
	newLayout := tssLayoutForType(tssDesc.Type)
	newBase := tssDesc.TSS.Base

	if tssSel.TI || !tssDesc.Valid || tssDesc.TSS.LimitScaled < newLayout.minLimit {
		c.log.Errorf("task switch: new %s TSS limit %d < %d", newLayout.name, tssDesc.TSS.LimitScaled, newLayout.minLimit)
		return newX86Fault(X86FaultInvalidTSS, tssSel.ErrorCode())
	}

	if oldBase == newBase {
		c.rateLog.Infof("task switch: switching to the same TSS at 0x%08X", newBase)
	}

	paging := c.PagingEnabled()
	if paging {
		if err := c.probeTaskImages(oldLayout, oldBase, newLayout, newBase, source); err != nil {
			return err
		}
	}

	// Save the outgoing task. A busy target means we are returning to a
	// nested task, so the outgoing image gets NT cleared.
	flags := c.ReadFlags()
	if tssDesc.IsBusyTSS() {
		flags &^= x86FlagNT
	}
	outgoing := c.taskSnapshot(flags)
	if err := oldLayout.saveState(c, oldBase, &outgoing); err != nil {
		return err
	}

	if source == X86TaskFromCallOrInt {
		if err := c.writeLinear16(newBase+newLayout.backLink, c.TR.Selector.Value); err != nil {
			return err
		}
	}

	incoming, err := newLayout.loadState(c, newBase, paging)
	if err != nil {
		return err
	}

	if source == X86TaskFromJump || source == X86TaskFromCallOrInt {
		if err := c.setGDTBusy(tssSel.Index, true); err != nil {
			return err
		}
	}
	if source == X86TaskFromJump || source == X86TaskFromIRET {
		if err := c.setGDTBusy(c.TR.Selector.Index, false); err != nil {
			return err
		}
	}

	// Commit point

	c.TR.Selector = tssSel
	c.TR.Cache = *tssDesc
	// TR always caches the available form of the type
	c.TR.Cache.Type &^= x86TSSTypeBusyBit

	c.CR0 |= x86CR0TS
	c.DR7 &^= x86DR7LocalGlobalEnable

	if source == X86TaskFromCallOrInt {
		incoming.EFlags |= x86FlagNT
	}

	if newLayout.is32 && paging && incoming.CR3 != c.CR3 {
		c.cr3Change(incoming.CR3)
	}

	c.EIP = incoming.EIP
	c.PrevEIP = incoming.EIP
	for i, v := range incoming.Regs {
		c.setReg32(byte(i), v)
	}
	c.writeFlags(incoming.EFlags, x86FlagsValidMask)

	if f := c.loadTaskSegments(&incoming); f != nil {
		return c.postCommitFault(f)
	}

	if newLayout.is32 && incoming.TrapWord&0x0001 != 0 {
		c.debugTrap |= x86DR6BT
		c.asyncEvent = true
		c.log.Infof("task switch: T bit set in new TSS %v", tssSel)
	}

	c.log.Debugf("task switch (%v) to %v: leave", source, tssSel)
	return nil
}

type taskProbe struct {
	addr   uint32
	access x86MemAccess
}

// probeTaskImages checks that both TSS images are mapped before anything
// is written, so a page fault still aborts the switch cleanly.
func (c *CPU_X86) probeTaskImages(oldLayout *tssLayout, oldBase uint32, newLayout *tssLayout, newBase uint32, source X86TaskSource) error {
	probes := []taskProbe{
		{oldBase, x86MemWrite},
		{oldBase + oldLayout.minLimit, x86MemWrite},
		{newBase, x86MemRead},
		{newBase + newLayout.minLimit, x86MemRead},
	}
	if source == X86TaskFromCallOrInt {
		// The link field of the new TSS gets written
		probes = append(probes, taskProbe{newBase, x86MemWrite}, taskProbe{newBase + 2, x86MemWrite})
	}
	for _, p := range probes {
		if err := c.probeLinear(p.addr, p.access); err != nil {
			return err
		}
	}
	return nil
}

// taskSnapshot captures the live register file in TSS order.
func (c *CPU_X86) taskSnapshot(flags uint32) X86TaskState {
	st := X86TaskState{EIP: c.EIP, EFlags: flags}
	for i := range st.Regs {
		st.Regs[i] = c.getReg32(byte(i))
	}
	for i := range st.Sregs {
		st.Sregs[i] = c.Selector(i)
	}
	return st
}

// postCommitFault delivers a fault raised after the commit point.
func (c *CPU_X86) postCommitFault(f *X86Fault) error {
	c.debugTrap = 0
	c.inhibitMask = 0
	f.AfterCommit = true
	c.rateLog.Infof("task switch: posting %v after commit point", f)
	return f
}

// PendingDebugTrap returns the DR6 bits to be reported at the next
// instruction boundary.
func (c *CPU_X86) PendingDebugTrap() uint32 {
	return c.debugTrap
}
