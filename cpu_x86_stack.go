// cpu_x86_stack.go - Privilege level stack lookup in the current TSS
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

// GetPrivilegeStack returns SS:ESP for privilege level pl (0-2) from the
// TSS loaded in TR. A 286 TSS yields a 16-bit SP.
func (c *CPU_X86) GetPrivilegeStack(pl uint8) (ss uint16, esp uint32, err error) {
	if pl > 2 {
		x86Panicf("stack lookup for privilege level %d", pl)
	}
	if !c.TR.Cache.Valid {
		x86Panicf("stack lookup with no valid TSS in TR")
	}

	var l *tssLayout
	switch c.TR.Cache.Type {
	case x86SysAvail286TSS:
		l = &tss16Layout
	case x86SysAvail386TSS:
		l = &tss32Layout
	default:
		x86Panicf("stack lookup with TR type %d", c.TR.Cache.Type)
	}

	spOff, ssOff, last := l.stackSlot(pl)
	if last > c.TR.Cache.TSS.LimitScaled {
		c.log.Errorf("stack lookup: PL%d slot beyond TSS limit %d", pl, c.TR.Cache.TSS.LimitScaled)
		return 0, 0, newX86Fault(X86FaultInvalidTSS, c.TR.Selector.ErrorCode())
	}

	base := c.TR.Cache.TSS.Base
	if esp, err = l.readWord(c, base+spOff); err != nil {
		return 0, 0, err
	}
	if ss, err = c.readLinear16(base + ssOff); err != nil {
		return 0, 0, err
	}
	return ss, esp, nil
}

// GetPrivilegeStack64 returns the long mode RSP for privilege level pl.
// The 64-bit TSS keeps RSP0-RSP2 at offset 4 with no selectors.
func (c *CPU_X86) GetPrivilegeStack64(pl uint8) (uint64, error) {
	if pl > 2 {
		x86Panicf("stack lookup for privilege level %d", pl)
	}
	if !c.TR.Cache.Valid {
		x86Panicf("stack lookup with no valid TSS in TR")
	}

	off := 8*uint32(pl) + 4
	if off+7 > c.TR.Cache.TSS.LimitScaled {
		c.log.Errorf("stack lookup: RSP%d beyond TSS limit %d", pl, c.TR.Cache.TSS.LimitScaled)
		return 0, newX86Fault(X86FaultInvalidTSS, c.TR.Selector.ErrorCode())
	}
	return c.readLinear64(c.TR.Cache.TSS.Base + off)
}
