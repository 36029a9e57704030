// debug_monitor.go - Machine Monitor state: CPU registry, scrollback and history

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
	"slices"
	"sync"
)

// OutputLine is one coloured line of monitor output.
type OutputLine struct {
	Text  string
	Color uint32 // 0xRRGGBBAA
}

// CPUEntry is a registered CPU under the ID the monitor hands out for it.
type CPUEntry struct {
	ID    int
	Label string
	CPU   DebuggableCPU
}

// x86 returns the underlying x86 state for task commands, or nil.
func (e *CPUEntry) x86() *CPU_X86 {
	if d, ok := e.CPU.(*DebugX86); ok {
		return d.cpu
	}
	return nil
}

// MachineMonitor executes monitor commands against one focused CPU at a
// time. All methods are safe for concurrent use.
type MachineMonitor struct {
	mu sync.Mutex

	cpus      map[int]*CPUEntry
	nextID    int
	focusedID int

	outputLines []OutputLine
	maxOutput   int

	history    []string
	historyIdx int

	// register values at the last listing, for highlighting
	prevRegs map[string]uint64
}

// NewMachineMonitor returns a monitor with no CPUs and a 500 line scrollback.
func NewMachineMonitor() *MachineMonitor {
	return &MachineMonitor{
		cpus:      map[int]*CPUEntry{},
		maxOutput: 500,
		prevRegs:  map[string]uint64{},
	}
}

// NewMachineMonitorFor registers every CPU of a machine.
func NewMachineMonitorFor(m *X86Machine) *MachineMonitor {
	mon := NewMachineMonitor()
	for i := range m.NumCPUs() {
		mon.RegisterCPU(fmt.Sprintf("x86.%d", i), NewDebugX86(m.CPU(i)))
	}
	return mon
}

// RegisterCPU adds cpu under the next free ID. The first CPU registered
// takes focus.
func (m *MachineMonitor) RegisterCPU(label string, cpu DebuggableCPU) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.cpus[id] = &CPUEntry{ID: id, Label: label, CPU: cpu}
	if len(m.cpus) == 1 {
		m.focusedID = id
	}
	return id
}

// FocusedCPU returns the CPU commands apply to.
func (m *MachineMonitor) FocusedCPU() *CPUEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpus[m.focusedID]
}

func (m *MachineMonitor) sortedCPUs() []*CPUEntry {
	ids := make([]int, 0, len(m.cpus))
	for id := range m.cpus {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	entries := make([]*CPUEntry, len(ids))
	for i, id := range ids {
		entries[i] = m.cpus[id]
	}
	return entries
}

// appendOutput keeps only the newest maxOutput lines.
func (m *MachineMonitor) appendOutput(text string, color uint32) {
	m.outputLines = append(m.outputLines, OutputLine{Text: text, Color: color})
	if over := len(m.outputLines) - m.maxOutput; over > 0 {
		m.outputLines = m.outputLines[over:]
	}
}

// TakeOutput returns and clears the pending scrollback.
func (m *MachineMonitor) TakeOutput() []OutputLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outputLines
	m.outputLines = nil
	return out
}

// History returns the commands entered so far.
func (m *MachineMonitor) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

func (m *MachineMonitor) saveCurrentRegs() {
	clear(m.prevRegs)
	entry := m.cpus[m.focusedID]
	if entry == nil {
		return
	}
	for _, r := range entry.CPU.GetRegisters() {
		m.prevRegs[r.Name] = r.Value
	}
}

// Output colours, 0xRRGGBBAA
const (
	colorWhite  = 0xFFFFFFFF
	colorCyan   = 0x64C8FFFF
	colorYellow = 0xFFFF55FF
	colorRed    = 0xFF5555FF
	colorGreen  = 0x55FF55FF
	colorDim    = 0x5555FFFF
)
