// cpu_x86.go - Intel x86 CPU state (386 protected mode register file)
//
// This implements the architectural state of a 386-class CPU:
// - 32-bit general purpose register file and EFLAGS
// - Segment registers with selector + descriptor shadow cache
// - GDTR/IDTR, LDTR and TR
// - CR0/CR2/CR3/CR4 and DR6/DR7
//
// Only state lives here, plus the helpers shared by the task switch
// engine and the monitor.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"github.com/sirupsen/logrus"
)

// X86Bus is physical memory as the task switch engine sees it.
type X86Bus interface {
	Read(addr uint32) byte
	Write(addr uint32, value byte)
}

// X86SegmentRegister is a selector plus its descriptor shadow cache.
// Also used for LDTR and TR.
type X86SegmentRegister struct {
	Selector X86Selector
	Cache    X86Descriptor
}

// X86TableRegister is GDTR or IDTR.
type X86TableRegister struct {
	Base  uint32
	Limit uint16
}

// CPU_X86 is the register file of one 386-class CPU. Memory is reached
// through the bus, translated by the paging unit when CR0.PG is set.
type CPU_X86 struct {
	// Saved to and loaded from the TSS on every switch
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32
	ESP uint32

	EIP     uint32
	PrevEIP uint32 // start of the transfer that is executing
	Flags   uint32

	// Segment registers indexed by x86SegES..x86SegGS
	Sregs [6]X86SegmentRegister
	LDTR  X86SegmentRegister
	TR    X86SegmentRegister
	GDTR  X86TableRegister
	IDTR  X86TableRegister

	// Control and debug registers
	CR0 uint32
	CR2 uint32
	CR3 uint32
	CR4 uint32
	DR6 uint32
	DR7 uint32

	// Pending debug trap bits (DR6 layout) and interrupt inhibit mask
	// recognised at the next instruction boundary.
	debugTrap   uint32
	inhibitMask uint32
	asyncEvent  bool

	// OnCR3Change is notified after the paging unit reloads CR3.
	OnCR3Change func(cr3 uint32)

	ID  int
	log *logrus.Entry

	// rateLog throttles repetitive guest triggered notices
	rateLog *rateLimitedLog

	tlb x86TLB

	bus X86Bus

	// indexed in x86Reg32Names order
	regs32 [8]*uint32
}

// EFLAGS bits
const (
	x86FlagCF   = 1 << 0
	x86FlagRsv1 = 1 << 1 // reads as one
	x86FlagPF   = 1 << 2
	x86FlagAF   = 1 << 4
	x86FlagZF   = 1 << 6
	x86FlagSF   = 1 << 7
	x86FlagTF   = 1 << 8
	x86FlagIF   = 1 << 9
	x86FlagDF   = 1 << 10
	x86FlagOF   = 1 << 11
	x86FlagIOPL = 3 << 12
	x86FlagNT   = 1 << 14
	x86FlagRF   = 1 << 16
	x86FlagVM   = 1 << 17
	x86FlagAC   = 1 << 18
	x86FlagVIF  = 1 << 19
	x86FlagVIP  = 1 << 20
	x86FlagID   = 1 << 21

	// Bits a TSS or IRET flags image may change
	x86FlagsValidMask = x86FlagCF | x86FlagPF | x86FlagAF | x86FlagZF | x86FlagSF |
		x86FlagTF | x86FlagIF | x86FlagDF | x86FlagOF | x86FlagIOPL | x86FlagNT |
		x86FlagRF | x86FlagVM | x86FlagAC | x86FlagVIF | x86FlagVIP | x86FlagID
)

// Segment register indices
const (
	x86SegES = 0
	x86SegCS = 1
	x86SegSS = 2
	x86SegDS = 3
	x86SegFS = 4
	x86SegGS = 5
)

var x86SegNames = [6]string{"ES", "CS", "SS", "DS", "FS", "GS"}

// x86Reg32Names follows the TSS and ModRM register order.
var x86Reg32Names = [8]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

// CR0 bits
const (
	x86CR0PE = 1 << 0
	x86CR0MP = 1 << 1
	x86CR0EM = 1 << 2
	x86CR0TS = 1 << 3
	x86CR0ET = 1 << 4
	x86CR0NE = 1 << 5
	x86CR0WP = 1 << 16
	x86CR0AM = 1 << 18
	x86CR0NW = 1 << 29
	x86CR0CD = 1 << 30
	x86CR0PG = 1 << 31
)

// CR4 bits
const (
	x86CR4PSE = 1 << 4
)

// Debug register bits
const (
	x86DR7LocalGlobalEnable = 0x00000155 // L0-L3 and LE
	x86DR6BT                = 0x00008000 // task switch trap
)

// NewCPU_X86 returns a CPU in its reset state, logging to the standard
// logger until SetLogger is called.
func NewCPU_X86(bus X86Bus) *CPU_X86 {
	cpu := &CPU_X86{
		bus: bus,
	}
	cpu.regs32 = [8]*uint32{
		&cpu.EAX, &cpu.ECX, &cpu.EDX, &cpu.EBX,
		&cpu.ESP, &cpu.EBP, &cpu.ESI, &cpu.EDI,
	}
	cpu.SetLogger(logrus.StandardLogger(), 0)
	cpu.Reset()
	return cpu
}

// SetLogger attaches the CPU to a base logger and tags entries with id.
func (c *CPU_X86) SetLogger(base *logrus.Logger, id int) {
	c.ID = id
	c.log = base.WithFields(logrus.Fields{"cpu": id, "component": "tasking"})
	c.rateLog = newRateLimitedLog(c.log, guestNoticeInterval)
}

// Reset puts the CPU in real mode with the documented power-on values.
func (c *CPU_X86) Reset() {
	for i := range c.regs32 {
		*c.regs32[i] = 0
	}
	c.EIP = 0
	c.PrevEIP = 0
	c.Flags = x86FlagRsv1

	// Real mode style caches so that selectors read back sanely before
	// the guest enters protected mode
	for i := range c.Sregs {
		c.loadSegRegV86(&c.Sregs[i], 0)
	}
	c.LDTR = X86SegmentRegister{}
	c.TR = X86SegmentRegister{}
	c.GDTR = X86TableRegister{Base: 0, Limit: 0xFFFF}
	c.IDTR = X86TableRegister{Base: 0, Limit: 0x3FF}

	c.CR0 = x86CR0ET
	c.CR2 = 0
	c.CR3 = 0
	c.CR4 = 0
	c.DR6 = 0xFFFF0FF0
	c.DR7 = 0x00000400

	c.debugTrap = 0
	c.inhibitMask = 0
	c.asyncEvent = false
	c.tlb.flush()
}

// -----------------------------------------------------------------------------
// Registers
// -----------------------------------------------------------------------------

func (c *CPU_X86) getReg32(idx byte) uint32 {
	return *c.regs32[idx&7]
}

func (c *CPU_X86) setReg32(idx byte, v uint32) {
	*c.regs32[idx&7] = v
}

// getReg16 is the low word, as a 286 TSS stores it.
func (c *CPU_X86) getReg16(idx byte) uint16 {
	return uint16(*c.regs32[idx&7])
}

// Selector returns the raw selector loaded in a segment register
func (c *CPU_X86) Selector(seg int) uint16 {
	return c.Sregs[seg].Selector.Value
}

// -----------------------------------------------------------------------------
// EFLAGS
// -----------------------------------------------------------------------------

func (c *CPU_X86) getFlag(flag uint32) bool {
	return c.Flags&flag != 0
}

func (c *CPU_X86) setFlag(flag uint32, set bool) {
	if set {
		c.Flags |= flag
	} else {
		c.Flags &^= flag
	}
}

// ReadFlags returns EFLAGS as the guest would read it
func (c *CPU_X86) ReadFlags() uint32 {
	return c.Flags | x86FlagRsv1
}

// writeFlags loads the bits of v selected by mask, leaving the rest alone
func (c *CPU_X86) writeFlags(v, mask uint32) {
	c.Flags = (c.Flags &^ mask) | (v & mask) | x86FlagRsv1
}

// -----------------------------------------------------------------------------
// Mode queries
// -----------------------------------------------------------------------------

// ProtectedMode reports CR0.PE.
func (c *CPU_X86) ProtectedMode() bool {
	return c.CR0&x86CR0PE != 0
}

// PagingEnabled reports CR0.PG.
func (c *CPU_X86) PagingEnabled() bool {
	return c.CR0&x86CR0PG != 0
}

// V8086Mode reports whether the CPU executes in virtual-8086 mode.
func (c *CPU_X86) V8086Mode() bool {
	return c.ProtectedMode() && c.getFlag(x86FlagVM)
}

// CPL returns the current privilege level.
func (c *CPU_X86) CPL() uint8 {
	if !c.ProtectedMode() {
		return 0
	}
	if c.V8086Mode() {
		return 3
	}
	return c.Sregs[x86SegCS].Selector.RPL
}
