// debug_commands.go - Command parser and handlers for Machine Monitor

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"strconv"
	"strings"
)

// MonitorCommand is one input line split into a verb and its operands.
type MonitorCommand struct {
	Name string
	Args []string
}

// ParseCommand lowercases the verb; operands keep their case.
func ParseCommand(input string) MonitorCommand {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return MonitorCommand{}
	}
	return MonitorCommand{Name: strings.ToLower(fields[0]), Args: fields[1:]}
}

// numberPrefixes maps an operand prefix to its base. Anything unprefixed is hex.
var numberPrefixes = []struct {
	prefix string
	base   int
}{
	{"#", 10},
	{"$", 16},
	{"0x", 16},
	{"0X", 16},
}

// ParseAddress reads a numeric operand: $hex, 0xhex, #decimal or bare hex.
func ParseAddress(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	base := 16
	for _, p := range numberPrefixes {
		if rest, ok := strings.CutPrefix(s, p.prefix); ok {
			s, base = rest, p.base
			break
		}
	}
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, base, 64)
	return v, err == nil
}

// EvalAddress sums terms joined by + and -. A term is a register name of
// cpu (when non-nil) or anything ParseAddress accepts.
func EvalAddress(expr string, cpu DebuggableCPU) (uint64, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, false
	}

	var sum uint64
	sign := byte('+')
	for expr != "" {
		// a leading sign belongs to the first term
		cut := strings.IndexAny(expr[1:], "+-")
		term, next := expr, ""
		if cut >= 0 {
			term, next = expr[:cut+1], expr[cut+1:]
		}

		v, ok := evalTerm(strings.TrimSpace(term), cpu)
		if !ok {
			return 0, false
		}
		if sign == '-' {
			sum -= v
		} else {
			sum += v
		}

		if next == "" {
			break
		}
		sign, expr = next[0], strings.TrimSpace(next[1:])
		if expr == "" {
			return 0, false
		}
	}
	return sum, true
}

func evalTerm(term string, cpu DebuggableCPU) (uint64, bool) {
	if term == "" {
		return 0, false
	}
	if cpu != nil {
		if v, ok := cpu.GetRegister(strings.ToUpper(term)); ok {
			return v, true
		}
	}
	return ParseAddress(term)
}

// ExecuteCommand runs one monitor line and reports whether the monitor
// should close.
func (m *MachineMonitor) ExecuteCommand(input string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := ParseCommand(input)
	if cmd.Name == "" {
		return false
	}
	m.remember(input)

	switch cmd.Name {
	case "x", "q":
		return true
	case "help", "?":
		m.cmdHelp()
	case "r":
		m.cmdRegisters(cmd)
	case "sr":
		m.cmdSegments()
	case "gdt":
		m.cmdGDT(cmd)
	case "tss":
		m.cmdTSS()
	case "m":
		m.cmdMemoryDump(cmd)
	case "w":
		m.cmdWrite(cmd)
	case "jmp", "call", "int", "iret", "ltr":
		m.cmdTransfer(cmd)
	case "stack":
		m.cmdStack(cmd)
	case "cpu":
		m.cmdCPU(cmd)
	default:
		m.errorf("Unknown command: %s", cmd.Name)
	}
	return false
}

// remember appends input to the history unless it repeats the last entry.
func (m *MachineMonitor) remember(input string) {
	if n := len(m.history); n == 0 || m.history[n-1] != input {
		m.history = append(m.history, input)
	}
	m.historyIdx = len(m.history)
}

func (m *MachineMonitor) errorf(format string, args ...any) {
	m.appendOutput(fmt.Sprintf(format, args...), colorRed)
}

func (m *MachineMonitor) printf(color uint32, format string, args ...any) {
	m.appendOutput(fmt.Sprintf(format, args...), color)
}

// focused returns the focused entry, complaining when there is none.
func (m *MachineMonitor) focused() *CPUEntry {
	entry := m.cpus[m.focusedID]
	if entry == nil {
		m.errorf("No CPU focused")
	}
	return entry
}

// focusedX86 is focused narrowed to CPUs that carry task state.
func (m *MachineMonitor) focusedX86() *CPU_X86 {
	entry := m.focused()
	if entry == nil {
		return nil
	}
	c := entry.x86()
	if c == nil {
		m.errorf("%s has no task state", entry.CPU.CPUName())
	}
	return c
}

// focusedTask additionally requires a loaded TR.
func (m *MachineMonitor) focusedTask() *CPU_X86 {
	c := m.focusedX86()
	if c != nil && !c.TR.Cache.Valid {
		m.errorf("TR not loaded")
		return nil
	}
	return c
}

// cmdRegisters prints the register file, or assigns one with "r name value".
func (m *MachineMonitor) cmdRegisters(cmd MonitorCommand) {
	entry := m.focused()
	if entry == nil {
		return
	}
	if len(cmd.Args) < 2 {
		m.showRegisters(entry)
		return
	}

	name := strings.ToUpper(cmd.Args[0])
	val, ok := ParseAddress(cmd.Args[1])
	switch {
	case !ok:
		m.errorf("Invalid value: %s", cmd.Args[1])
	case !entry.CPU.SetRegister(name, val):
		m.errorf("Unknown register: %s", name)
	default:
		m.printf(colorGreen, "%s = $%X", name, val)
	}
}

// showRegisters highlights values that moved since the last listing.
func (m *MachineMonitor) showRegisters(entry *CPUEntry) {
	for _, r := range entry.CPU.GetRegisters() {
		color := uint32(colorWhite)
		if old, seen := m.prevRegs[r.Name]; seen && old != r.Value {
			color = colorGreen
		}
		digits := 8
		if r.BitWidth <= 16 {
			digits = 4
		}
		m.printf(color, "%-6s $%0*X", r.Name, digits, r.Value)
	}
	m.saveCurrentRegs()
}

func (m *MachineMonitor) cmdSegments() {
	c := m.focusedX86()
	if c == nil {
		return
	}
	row := func(name string, sel uint16, d *X86Descriptor) {
		m.printf(colorWhite, "%-4s %04X %s", name, sel, formatDescriptor(d))
	}
	for i, name := range x86SegNames {
		row(name, c.Sregs[i].Selector.Value, &c.Sregs[i].Cache)
	}
	row("LDTR", c.LDTR.Selector.Value, &c.LDTR.Cache)
	row("TR", c.TR.Selector.Value, &c.TR.Cache)
}

// formatDescriptor renders a decoded descriptor on one line.
func formatDescriptor(d *X86Descriptor) string {
	if !d.Valid {
		return "invalid"
	}
	p := "NP"
	if d.Present {
		p = "P"
	}
	switch d.Kind() {
	case X86DescSegment:
		kind := "data"
		if d.Seg.Executable {
			kind = "code"
		}
		return fmt.Sprintf("%s base=%08X limit=%08X dpl=%d type=%X %s", kind, d.Seg.Base, d.Seg.LimitScaled, d.DPL, d.Type, p)
	case X86DescLDT:
		return fmt.Sprintf("ldt base=%08X limit=%08X dpl=%d %s", d.LDT.Base, d.LDT.LimitScaled, d.DPL, p)
	case X86DescTSS:
		kind := "tss16"
		if d.TSS.Is32 {
			kind = "tss32"
		}
		busy := ""
		if d.IsBusyTSS() {
			busy = " busy"
		}
		return fmt.Sprintf("%s base=%08X limit=%08X dpl=%d%s %s", kind, d.TSS.Base, d.TSS.LimitScaled, d.DPL, busy, p)
	}
	if d.Type == x86SysTaskGate {
		return fmt.Sprintf("task gate tss=%04X dpl=%d %s", d.Gate.Selector, d.DPL, p)
	}
	return fmt.Sprintf("gate type=%X sel=%04X off=%08X dpl=%d %s", d.Type, d.Gate.Selector, d.Gate.Offset, d.DPL, p)
}

// cmdGDT lists every non-empty GDT entry, or just "gdt <index>".
func (m *MachineMonitor) cmdGDT(cmd MonitorCommand) {
	c := m.focusedX86()
	if c == nil {
		return
	}

	first, last := uint16(1), uint16((uint32(c.GDTR.Limit)+1)/8)
	if len(cmd.Args) > 0 {
		v, ok := ParseAddress(cmd.Args[0])
		if !ok {
			m.errorf("Invalid index: %s", cmd.Args[0])
			return
		}
		first, last = uint16(v), uint16(v)+1
	}

	for idx := first; idx < last; idx++ {
		sel := idx << 3
		desc, ok, err := c.LookupDescriptor(sel)
		switch {
		case err != nil:
			m.errorf("%04X: %v", sel, err)
		case !ok:
			m.errorf("%04X: beyond GDT limit", sel)
		case desc.Valid || desc.Present:
			m.printf(colorWhite, "%04X: %s", sel, formatDescriptor(&desc))
		}
	}
}

// cmdTSS decodes the image TR points at.
func (m *MachineMonitor) cmdTSS() {
	c := m.focusedTask()
	if c == nil {
		return
	}

	is32 := c.TR.Cache.TSS.Is32
	l := tssLayoutForType(c.TR.Cache.Type)
	image := m.cpus[m.focusedID].CPU.ReadMemory(uint64(c.TR.Cache.TSS.Base), int(l.size()))
	st, stacks, link := DecodeTSS(is32, image)

	m.printf(colorCyan, "%s TSS %v at %08X link=%04X", l.name, c.TR.Selector, c.TR.Cache.TSS.Base, link)
	for pl, sp := range stacks {
		m.printf(colorWhite, "  SS%d:ESP%d %04X:%08X", pl, pl, sp.SS, sp.ESP)
	}
	if is32 {
		m.printf(colorWhite, "  CR3 %08X  T=%d", st.CR3, st.TrapWord&1)
	}
	m.printf(colorWhite, "  EIP %08X  EFLAGS %08X  LDT %04X", st.EIP, st.EFlags, st.LDT)

	var b strings.Builder
	for i, name := range x86Reg32Names {
		fmt.Fprintf(&b, "  %s %08X", name, st.Regs[i])
		if i%4 == 3 {
			m.printf(colorWhite, "%s", b.String())
			b.Reset()
		}
	}
	for i := range l.nsregs {
		fmt.Fprintf(&b, "  %s %04X", x86SegNames[i], st.Sregs[i])
	}
	m.printf(colorWhite, "%s", b.String())
}

// cmdMemoryDump prints 16-byte rows of linear memory: "m [addr] [rows]".
func (m *MachineMonitor) cmdMemoryDump(cmd MonitorCommand) {
	entry := m.focused()
	if entry == nil {
		return
	}

	addr, rows := entry.CPU.GetPC(), uint64(8)
	if len(cmd.Args) > 0 {
		if v, ok := EvalAddress(cmd.Args[0], entry.CPU); ok {
			addr = v
		}
	}
	if len(cmd.Args) > 1 {
		if v, ok := ParseAddress(cmd.Args[1]); ok {
			rows = v
		}
	}

	for ; rows > 0; rows-- {
		data := entry.CPU.ReadMemory(addr, 16)
		if len(data) == 0 {
			return
		}
		m.printf(colorWhite, "%08X: %s", addr, hexRow(data))
		addr += 16
	}
}

// hexRow formats up to 16 bytes as two groups of hex followed by ASCII.
func hexRow(data []byte) string {
	var hexCol, ascii strings.Builder
	for i := range 16 {
		switch {
		case i == 8:
			hexCol.WriteString("  ")
		case i > 0:
			hexCol.WriteByte(' ')
		}
		if i >= len(data) {
			hexCol.WriteString("  ")
			ascii.WriteByte(' ')
			continue
		}
		fmt.Fprintf(&hexCol, "%02X", data[i])
		if c := data[i]; c >= 0x20 && c < 0x7F {
			ascii.WriteByte(c)
		} else {
			ascii.WriteByte('.')
		}
	}
	return hexCol.String() + "  " + ascii.String()
}

// cmdWrite stores bytes at a linear address: "w <addr> <byte>...".
func (m *MachineMonitor) cmdWrite(cmd MonitorCommand) {
	entry := m.focused()
	if entry == nil {
		return
	}
	if len(cmd.Args) < 2 {
		m.errorf("Usage: w <addr> <bytes..>")
		return
	}
	addr, ok := ParseAddress(cmd.Args[0])
	if !ok {
		m.errorf("Invalid address: %s", cmd.Args[0])
		return
	}

	data := make([]byte, 0, len(cmd.Args)-1)
	for _, arg := range cmd.Args[1:] {
		v, ok := ParseAddress(arg)
		if !ok || v > 0xFF {
			m.errorf("Invalid byte: %s", arg)
			return
		}
		data = append(data, byte(v))
	}
	if err := entry.CPU.WriteMemory(addr, data); err != nil {
		m.errorf("w $%X: %v", addr, err)
		return
	}
	m.printf(colorCyan, "Wrote %d byte(s) at $%X", len(data), addr)
}

// cmdTransfer runs jmp/call/int/iret/ltr on the focused CPU.
func (m *MachineMonitor) cmdTransfer(cmd MonitorCommand) {
	var c *CPU_X86
	if cmd.Name == "iret" {
		c = m.focusedTask()
	} else {
		c = m.focusedX86()
	}
	if c == nil {
		return
	}

	step := SwitchConfig{Op: cmd.Name}
	if cmd.Name != "iret" {
		if len(cmd.Args) == 0 {
			m.errorf("Usage: %s <selector|vector>", cmd.Name)
			return
		}
		v, ok := ParseAddress(cmd.Args[0])
		if !ok || v > 0xFFFF || (cmd.Name == "int" && v > 0xFF) {
			m.errorf("Invalid operand: %s", cmd.Args[0])
			return
		}
		if cmd.Name == "int" {
			step.Vector = uint8(v)
		} else {
			step.Selector = uint16(v)
		}
	}

	res := c.RunStep(step)
	switch f := res.Fault(); {
	case f != nil && f.AfterCommit:
		m.printf(colorYellow, "%s: %v, now in task %04X at EIP $%08X", cmd.Name, f, res.TR, res.EIP)
	case res.Err != nil:
		m.errorf("%s: %v", cmd.Name, res.Err)
	default:
		m.printf(colorGreen, "%s: TR=%04X EIP=$%08X", cmd.Name, res.TR, res.EIP)
	}
}

// cmdStack shows the inner stack the current TSS holds for a privilege level.
func (m *MachineMonitor) cmdStack(cmd MonitorCommand) {
	c := m.focusedTask()
	if c == nil {
		return
	}
	var pl uint64
	if len(cmd.Args) > 0 {
		v, ok := ParseAddress(cmd.Args[0])
		if !ok || v > 2 {
			m.errorf("Invalid privilege level: %s", cmd.Args[0])
			return
		}
		pl = v
	}
	ss, esp, err := c.GetPrivilegeStack(uint8(pl))
	if err != nil {
		m.errorf("stack %d: %v", pl, err)
		return
	}
	m.printf(colorWhite, "PL%d stack %04X:%08X", pl, ss, esp)
}

// cmdCPU lists CPUs with the focused one starred, or moves focus.
func (m *MachineMonitor) cmdCPU(cmd MonitorCommand) {
	if len(cmd.Args) > 0 {
		if entry := m.resolveCPU(cmd.Args[0]); entry != nil {
			m.focusedID = entry.ID
			m.saveCurrentRegs()
			m.printf(colorCyan, "Focused on id:%d %s", entry.ID, entry.Label)
		}
		return
	}
	for _, entry := range m.sortedCPUs() {
		mark := ' '
		if entry.ID == m.focusedID {
			mark = '*'
		}
		m.printf(colorWhite, "%cid:%-3d %-12s PC=$%X", mark, entry.ID, entry.Label, entry.CPU.GetPC())
	}
}

var monitorHelp = [...]string{
	"Machine Monitor Commands:",
	"  r                  Show registers",
	"  r <name> <value>   Set register",
	"  sr                 Segment, LDTR and TR caches",
	"  gdt [index]        Decode GDT entries",
	"  tss                Decode the current TSS",
	"  m [addr] [rows]    Memory dump (hex+ASCII, linear)",
	"  w <addr> <bytes..> Write bytes",
	"  jmp <sel>          Jump to TSS or task gate",
	"  call <sel>         Call TSS or task gate",
	"  int <vector>       Interrupt through IDT task gate",
	"  iret               Return from nested task",
	"  ltr <sel>          Load task register",
	"  stack <pl>         Privilege level stack from TSS",
	"  cpu [id|label]     List CPUs or change focus",
	"  x / q              Exit monitor",
	"",
	"Numbers: $hex, 0xhex, bare hex, #decimal; m also takes reg+off",
}

func (m *MachineMonitor) cmdHelp() {
	for _, line := range monitorHelp {
		m.appendOutput(line, colorCyan)
	}
}

// resolveCPU looks arg up as a numeric ID first, then as a unique label.
func (m *MachineMonitor) resolveCPU(arg string) *CPUEntry {
	if id, err := strconv.Atoi(arg); err == nil {
		entry := m.cpus[id]
		if entry == nil {
			m.errorf("No CPU with id:%d", id)
		}
		return entry
	}

	var found []*CPUEntry
	for _, entry := range m.sortedCPUs() {
		if strings.EqualFold(entry.Label, arg) {
			found = append(found, entry)
		}
	}
	switch len(found) {
	case 0:
		m.errorf("No CPU labelled %q", arg)
	case 1:
		return found[0]
	default:
		m.errorf("Label %q is shared, pick an ID:", arg)
		for _, e := range found {
			m.printf(colorWhite, "  id:%d %s", e.ID, e.Label)
		}
	}
	return nil
}
