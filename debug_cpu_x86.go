// debug_cpu_x86.go - X86 debug adapter for Machine Monitor

package main

import (
	"strings"
)

// DebugX86 exposes a CPU_X86 to the monitor. Memory is addressed
// linearly, through the page tables when paging is on.
type DebugX86 struct {
	cpu *CPU_X86
}

func NewDebugX86(cpu *CPU_X86) *DebugX86 {
	return &DebugX86{cpu: cpu}
}

func (d *DebugX86) CPUName() string   { return "X86" }
func (d *DebugX86) AddressWidth() int { return 32 }

// x86RegView binds a monitor register name to CPU state. A nil set marks
// the register read-only: selectors only load through the checked paths.
type x86RegView struct {
	name  string
	width int
	group string
	get   func(c *CPU_X86) uint32
	set   func(c *CPU_X86, v uint32)
}

func gpr(name string, idx byte) x86RegView {
	return x86RegView{name, 32, "general",
		func(c *CPU_X86) uint32 { return c.getReg32(idx) },
		func(c *CPU_X86, v uint32) { c.setReg32(idx, v) }}
}

func sreg(seg int) x86RegView {
	return x86RegView{x86SegNames[seg], 16, "segment",
		func(c *CPU_X86) uint32 { return uint32(c.Selector(seg)) }, nil}
}

var x86RegViews = []x86RegView{
	gpr("EAX", 0), gpr("EBX", 3), gpr("ECX", 1), gpr("EDX", 2),
	gpr("ESI", 6), gpr("EDI", 7), gpr("EBP", 5), gpr("ESP", 4),
	{"EIP", 32, "general",
		func(c *CPU_X86) uint32 { return c.EIP },
		func(c *CPU_X86, v uint32) { c.EIP = v }},
	{"EFLAGS", 32, "flags",
		(*CPU_X86).ReadFlags,
		func(c *CPU_X86, v uint32) { c.writeFlags(v, x86FlagsValidMask) }},

	sreg(x86SegES), sreg(x86SegCS), sreg(x86SegSS),
	sreg(x86SegDS), sreg(x86SegFS), sreg(x86SegGS),

	{"LDTR", 16, "system", func(c *CPU_X86) uint32 { return uint32(c.LDTR.Selector.Value) }, nil},
	{"TR", 16, "system", func(c *CPU_X86) uint32 { return uint32(c.TR.Selector.Value) }, nil},
	{"GDTB", 32, "system",
		func(c *CPU_X86) uint32 { return c.GDTR.Base },
		func(c *CPU_X86, v uint32) { c.GDTR.Base = v }},
	{"GDTL", 16, "system",
		func(c *CPU_X86) uint32 { return uint32(c.GDTR.Limit) },
		func(c *CPU_X86, v uint32) { c.GDTR.Limit = uint16(v) }},
	{"IDTB", 32, "system",
		func(c *CPU_X86) uint32 { return c.IDTR.Base },
		func(c *CPU_X86, v uint32) { c.IDTR.Base = v }},
	{"IDTL", 16, "system",
		func(c *CPU_X86) uint32 { return uint32(c.IDTR.Limit) },
		func(c *CPU_X86, v uint32) { c.IDTR.Limit = uint16(v) }},

	{"CR0", 32, "control", func(c *CPU_X86) uint32 { return c.CR0 }, (*CPU_X86).SetCR0},
	{"CR2", 32, "control",
		func(c *CPU_X86) uint32 { return c.CR2 },
		func(c *CPU_X86, v uint32) { c.CR2 = v }},
	{"CR3", 32, "control", func(c *CPU_X86) uint32 { return c.CR3 }, (*CPU_X86).SetCR3},
	{"CR4", 32, "control",
		func(c *CPU_X86) uint32 { return c.CR4 },
		func(c *CPU_X86, v uint32) { c.CR4 = v; c.tlb.flush() }},
	{"DR6", 32, "debug",
		func(c *CPU_X86) uint32 { return c.DR6 },
		func(c *CPU_X86, v uint32) { c.DR6 = v }},
	{"DR7", 32, "debug",
		func(c *CPU_X86) uint32 { return c.DR7 },
		func(c *CPU_X86, v uint32) { c.DR7 = v }},
}

func lookupRegView(name string) *x86RegView {
	name = strings.ToUpper(name)
	if name == "FLAGS" {
		name = "EFLAGS"
	}
	for i := range x86RegViews {
		if x86RegViews[i].name == name {
			return &x86RegViews[i]
		}
	}
	return nil
}

func (d *DebugX86) GetRegisters() []RegisterInfo {
	regs := make([]RegisterInfo, len(x86RegViews))
	for i, r := range x86RegViews {
		regs[i] = RegisterInfo{Name: r.name, BitWidth: r.width, Value: uint64(r.get(d.cpu)), Group: r.group}
	}
	return regs
}

func (d *DebugX86) GetRegister(name string) (uint64, bool) {
	r := lookupRegView(name)
	if r == nil {
		return 0, false
	}
	return uint64(r.get(d.cpu)), true
}

// SetRegister reports false for unknown and read-only names.
func (d *DebugX86) SetRegister(name string, value uint64) bool {
	r := lookupRegView(name)
	if r == nil || r.set == nil {
		return false
	}
	r.set(d.cpu, uint32(value))
	return true
}

func (d *DebugX86) GetPC() uint64     { return uint64(d.cpu.EIP) }
func (d *DebugX86) SetPC(addr uint64) { d.cpu.EIP = uint32(addr) }

// ReadMemory reads linear memory. Bytes past an unmapped page read as 0.
func (d *DebugX86) ReadMemory(addr uint64, size int) []byte {
	defer d.keepCR2()()
	data, _ := d.cpu.ReadLinear(uint32(addr), size)
	if len(data) < size {
		data = append(data, make([]byte, size-len(data))...)
	}
	return data
}

// WriteMemory stores data at a linear address and returns the fault of
// the first page it cannot write.
func (d *DebugX86) WriteMemory(addr uint64, data []byte) error {
	defer d.keepCR2()()
	return d.cpu.WriteLinear(uint32(addr), data)
}

// keepCR2 stops monitor accesses to unmapped pages from clobbering the
// guest's CR2.
func (d *DebugX86) keepCR2() func() {
	cr2 := d.cpu.CR2
	return func() { d.cpu.CR2 = cr2 }
}
