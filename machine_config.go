// machine_config.go - TOML machine descriptions
//
// A machine description sets up guest memory for one or more CPUs: a GDT,
// an optional IDT of task gates, TSS images and an optional identity
// mapped page directory, followed by the list of task transfers to run.
//
//	[machine]
//	memory = 0x400000
//	paging = true
//	[machine.log]
//	level = "info"
//
//	[[cpu]]
//	gdt_base = 0x1000
//	gdt_limit = 0xFF
//	boot_tss = 0x28
//	[[cpu.descriptor]]
//	index = 1
//	kind = "code"
//	...
//	[[cpu.task]]
//	tss = 0x20000
//	is32 = true
//	...
//	[[cpu.switch]]
//	op = "jmp"
//	selector = 0x30
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// MachineConfig is the root of a machine description file.
type MachineConfig struct {
	Machine MachineSection `toml:"machine"`
	CPUs    []CPUConfig    `toml:"cpu"`
}

// MachineSection holds settings shared by every CPU.
type MachineSection struct {
	Memory uint32    `toml:"memory"`
	Paging bool      `toml:"paging"`
	Log    LogConfig `toml:"log"`
}

// CPUConfig describes one virtual CPU and its private tables.
type CPUConfig struct {
	GDTBase  uint32 `toml:"gdt_base"`
	GDTLimit uint16 `toml:"gdt_limit"`
	IDTBase  uint32 `toml:"idt_base"`
	IDTLimit uint16 `toml:"idt_limit"`

	// BootTSS is loaded with LTR before the first switch.
	BootTSS uint16 `toml:"boot_tss"`

	// PageDir is the physical address of an identity mapped page
	// directory built when [machine] paging is set. Zero disables paging
	// for this CPU.
	PageDir  uint32 `toml:"page_dir"`
	MapBytes uint32 `toml:"map_bytes"`

	Descriptors []DescriptorConfig `toml:"descriptor"`
	Gates       []IDTGateConfig    `toml:"idt"`
	Tasks       []TaskConfig       `toml:"task"`
	Switches    []SwitchConfig     `toml:"switch"`
}

// DescriptorConfig is one GDT entry.
type DescriptorConfig struct {
	Index uint16 `toml:"index"`
	// Kind is one of code, data, ldt, tss16, tss32, task_gate.
	Kind        string `toml:"kind"`
	Base        uint32 `toml:"base"`
	Limit       uint32 `toml:"limit"`
	DPL         uint8  `toml:"dpl"`
	NotPresent  bool   `toml:"not_present"`
	Busy        bool   `toml:"busy"`
	Granularity bool   `toml:"granularity"`
	Big         bool   `toml:"big"`
	Conforming  bool   `toml:"conforming"`
	// ReadOnly clears the readable/writable bit.
	ReadOnly bool   `toml:"read_only"`
	Selector uint16 `toml:"selector"`
	// Raw, when two values are given, overrides every other field.
	Raw []uint32 `toml:"raw"`
}

// IDTGateConfig is a task gate in the IDT.
type IDTGateConfig struct {
	Vector     uint8  `toml:"vector"`
	Selector   uint16 `toml:"selector"`
	DPL        uint8  `toml:"dpl"`
	NotPresent bool   `toml:"not_present"`
}

// TaskConfig is the initial register image of one TSS.
type TaskConfig struct {
	Name   string    `toml:"name"`
	TSS    uint32    `toml:"tss"`
	Is32   bool      `toml:"is32"`
	EIP    uint32    `toml:"eip"`
	EFlags uint32    `toml:"eflags"`
	Regs   []uint32  `toml:"regs"`
	Sregs  []uint16  `toml:"sregs"`
	LDT    uint16    `toml:"ldt"`
	CR3    uint32    `toml:"cr3"`
	Trap   bool      `toml:"trap"`
	Link   uint16    `toml:"link"`
	IOMap  uint16    `toml:"io_map"`
	Stacks []StackSP `toml:"stacks"`
}

// StackSP is one privilege level stack of a task.
type StackSP struct {
	SS  uint16 `toml:"ss"`
	ESP uint32 `toml:"esp"`
}

// SwitchConfig is one step of the transfer plan.
type SwitchConfig struct {
	// Op is one of jmp, call, int, iret, ltr.
	Op       string `toml:"op"`
	Selector uint16 `toml:"selector"`
	Vector   uint8  `toml:"vector"`
}

// LoadMachineConfig reads and validates a machine description file.
func LoadMachineConfig(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading machine config: %w", err)
	}
	return ParseMachineConfig(string(data))
}

// ParseMachineConfig decodes a machine description held in memory.
func ParseMachineConfig(text string) (*MachineConfig, error) {
	var cfg MachineConfig
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding machine config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("machine config: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *MachineConfig) validate() error {
	if cfg.Machine.Memory == 0 {
		cfg.Machine.Memory = DEFAULT_MEMORY_SIZE
	}
	if cfg.Machine.Memory < MIN_MEMORY_SIZE {
		return fmt.Errorf("machine config: memory 0x%X below minimum 0x%X", cfg.Machine.Memory, MIN_MEMORY_SIZE)
	}
	if len(cfg.CPUs) == 0 {
		return fmt.Errorf("machine config: no [[cpu]] sections")
	}
	for i := range cfg.CPUs {
		if err := cfg.CPUs[i].validate(cfg.Machine.Memory); err != nil {
			return fmt.Errorf("machine config: cpu %d: %w", i, err)
		}
	}
	return nil
}

func (cc *CPUConfig) validate(memSize uint32) error {
	if cc.GDTLimit == 0 {
		return fmt.Errorf("gdt_limit not set")
	}
	if uint64(cc.GDTBase)+uint64(cc.GDTLimit) >= uint64(memSize) {
		return fmt.Errorf("GDT at 0x%X outside guest memory", cc.GDTBase)
	}
	for _, d := range cc.Descriptors {
		if uint32(d.Index)*8+7 > uint32(cc.GDTLimit) {
			return fmt.Errorf("descriptor %d beyond gdt_limit", d.Index)
		}
		if _, ok := descriptorKinds[d.Kind]; !ok && len(d.Raw) != 2 {
			return fmt.Errorf("descriptor %d: unknown kind %q", d.Index, d.Kind)
		}
	}
	for _, g := range cc.Gates {
		if uint32(g.Vector)*8+7 > uint32(cc.IDTLimit) {
			return fmt.Errorf("idt vector %d beyond idt_limit", g.Vector)
		}
	}
	for _, t := range cc.Tasks {
		if len(t.Regs) > 8 {
			return fmt.Errorf("task %q: more than 8 registers", t.Name)
		}
		if len(t.Sregs) > 6 {
			return fmt.Errorf("task %q: more than 6 segment selectors", t.Name)
		}
		if len(t.Stacks) > 3 {
			return fmt.Errorf("task %q: more than 3 privilege stacks", t.Name)
		}
	}
	for i, s := range cc.Switches {
		switch s.Op {
		case "jmp", "call", "int", "iret", "ltr":
		default:
			return fmt.Errorf("switch %d: unknown op %q", i, s.Op)
		}
	}
	return nil
}

// descriptorKinds maps a config kind to the access byte type field
// and whether the S bit is set.
var descriptorKinds = map[string]struct {
	typ     uint8
	segment bool
}{
	"code":      {x86SegTypeExecutable | x86SegTypeReadWrite, true},
	"data":      {x86SegTypeReadWrite, true},
	"ldt":       {x86SysLDT, false},
	"tss16":     {x86SysAvail286TSS, false},
	"tss32":     {x86SysAvail386TSS, false},
	"task_gate": {x86SysTaskGate, false},
}

// encode renders the descriptor as the two GDT dwords.
func (d *DescriptorConfig) encode() (uint32, uint32) {
	if len(d.Raw) == 2 {
		return d.Raw[0], d.Raw[1]
	}
	k := descriptorKinds[d.Kind]
	typ := k.typ
	if k.segment {
		if d.ReadOnly {
			typ &^= x86SegTypeReadWrite
		}
		if d.Conforming {
			typ |= x86SegTypeConforming
		}
	}
	if d.Busy && (d.Kind == "tss16" || d.Kind == "tss32") {
		typ |= x86TSSTypeBusyBit
	}
	access := X86Access(!d.NotPresent, d.DPL, k.segment, typ)

	if d.Kind == "task_gate" {
		return EncodeX86Gate(d.Selector, 0, access, 0)
	}
	var flags uint8
	if d.Granularity {
		flags |= x86DescFlagGranularity
	}
	if d.Big {
		flags |= x86DescFlagDefaultBig
	}
	return EncodeX86Descriptor(d.Base, d.Limit, access, flags)
}

// state converts the config image into a TSS register state.
func (t *TaskConfig) state() (X86TaskState, [3]X86StackPointer) {
	st := X86TaskState{
		EIP:    t.EIP,
		EFlags: t.EFlags | x86FlagRsv1,
		LDT:    t.LDT,
		CR3:    t.CR3,
	}
	copy(st.Regs[:], t.Regs)
	copy(st.Sregs[:], t.Sregs)
	if t.Trap {
		st.TrapWord = 1
	}
	var stacks [3]X86StackPointer
	for i, s := range t.Stacks {
		stacks[i] = X86StackPointer{SS: s.SS, ESP: s.ESP}
	}
	return st, stacks
}
