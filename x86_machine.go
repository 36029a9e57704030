// x86_machine.go - Guest memory setup and concurrent virtual CPUs
//
// A machine owns one SystemBus and any number of CPU_X86 states. Each CPU
// keeps its registers, descriptor caches and TLB to itself; only guest
// memory is shared, and the bus serialises access to it.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// X86Machine is a set of virtual CPUs built from a MachineConfig.
type X86Machine struct {
	cfg  *MachineConfig
	bus  *SystemBus
	cpus []*CPU_X86
	log  *logrus.Logger
}

// StepResult records the outcome of one planned task transfer.
type StepResult struct {
	Op       string
	Selector uint16
	Vector   uint8
	Err      error
	TR       uint16
	EIP      uint32
}

// Fault returns the guest fault raised by the step, if any.
func (r StepResult) Fault() *X86Fault {
	f, _ := AsX86Fault(r.Err)
	return f
}

// CPUResult is the full plan outcome of one CPU.
type CPUResult struct {
	ID    int
	Steps []StepResult
}

// NewX86Machine allocates guest memory and builds every CPU's tables.
func NewX86Machine(cfg *MachineConfig, log *logrus.Logger) (*X86Machine, error) {
	bus, err := NewSystemBus(cfg.Machine.Memory)
	if err != nil {
		return nil, err
	}
	m := &X86Machine{cfg: cfg, bus: bus, log: log}
	for i := range cfg.CPUs {
		cpu := NewCPU_X86(bus)
		cpu.SetLogger(log, i)
		if err := m.buildCPU(cpu, &cfg.CPUs[i]); err != nil {
			bus.Close()
			return nil, fmt.Errorf("cpu %d: %w", i, err)
		}
		m.cpus = append(m.cpus, cpu)
	}
	return m, nil
}

// CPU returns virtual CPU id.
func (m *X86Machine) CPU(id int) *CPU_X86 {
	if id < 0 || id >= len(m.cpus) {
		return nil
	}
	return m.cpus[id]
}

// NumCPUs returns the number of virtual CPUs.
func (m *X86Machine) NumCPUs() int {
	return len(m.cpus)
}

// Bus returns guest physical memory.
func (m *X86Machine) Bus() *SystemBus {
	return m.bus
}

// Close releases guest memory.
func (m *X86Machine) Close() error {
	return m.bus.Close()
}

func (m *X86Machine) buildCPU(c *CPU_X86, cc *CPUConfig) error {
	// Tables are written with paging off, linear == physical
	c.GDTR = X86TableRegister{Base: cc.GDTBase, Limit: cc.GDTLimit}
	c.IDTR = X86TableRegister{Base: cc.IDTBase, Limit: cc.IDTLimit}
	c.SetCR0(c.CR0 | x86CR0PE)

	for _, d := range cc.Descriptors {
		d1, d2 := d.encode()
		if err := c.WriteGDTEntry(d.Index, d1, d2); err != nil {
			return err
		}
	}
	for _, g := range cc.Gates {
		d1, d2 := EncodeX86Gate(g.Selector, 0, X86Access(!g.NotPresent, g.DPL, false, x86SysTaskGate), 0)
		addr := cc.IDTBase + uint32(g.Vector)*8
		m.bus.Write32(addr, d1)
		m.bus.Write32(addr+4, d2)
	}

	var boot *X86TaskState
	for i := range cc.Tasks {
		t := &cc.Tasks[i]
		st, stacks := t.state()
		image := EncodeTSS(t.Is32, st, stacks, t.Link, t.IOMap)
		if uint64(t.TSS)+uint64(len(image)) > uint64(m.bus.Size()) {
			return fmt.Errorf("task %q: TSS at 0x%X outside guest memory", t.Name, t.TSS)
		}
		m.bus.WriteBlock(t.TSS, image)
		if cc.BootTSS != 0 && m.tssBaseOf(c, cc.BootTSS) == t.TSS {
			boot = &st
		}
	}

	if m.cfg.Machine.Paging && cc.PageDir != 0 {
		buildIdentityMap(m.bus, cc.PageDir, cc.MapBytes)
		c.CR4 |= x86CR4PSE
		c.SetCR3(cc.PageDir)
		c.SetCR0(c.CR0 | x86CR0PG)
	}

	if cc.BootTSS == 0 {
		return nil
	}
	if err := c.LoadTaskRegister(cc.BootTSS); err != nil {
		return fmt.Errorf("ltr 0x%04X: %w", cc.BootTSS, err)
	}
	if boot != nil {
		if err := c.enterTask(boot); err != nil {
			return fmt.Errorf("entering boot task: %w", err)
		}
	}
	return nil
}

func (m *X86Machine) tssBaseOf(c *CPU_X86, raw uint16) uint32 {
	desc, ok, err := c.LookupDescriptor(raw)
	if err != nil || !ok || !desc.IsTSS() {
		return ^uint32(0)
	}
	return desc.TSS.Base
}

// enterTask loads a register image as the running context, with the same
// segment checks a task switch applies.
func (c *CPU_X86) enterTask(st *X86TaskState) error {
	c.EIP = st.EIP
	c.PrevEIP = st.EIP
	for i, v := range st.Regs {
		c.setReg32(byte(i), v)
	}
	c.writeFlags(st.EFlags, x86FlagsValidMask)
	if f := c.loadTaskSegments(st); f != nil {
		return f
	}
	return nil
}

// buildIdentityMap writes a page directory of 4 MiB PSE entries mapping
// the first size bytes of the address space onto themselves.
func buildIdentityMap(bus *SystemBus, dir uint32, size uint32) {
	if size == 0 {
		size = bus.Size()
	}
	const large = 4 << 20
	n := (uint64(size) + large - 1) / large
	for i := range uint32(n) {
		bus.Write32(dir+i*4, i<<22|x86PDEPageSize|x86PTEReadWrite|x86PTEPresent)
	}
}

// Run executes every CPU's switch plan concurrently. Guest faults are
// recorded in the step results and do not stop the plan.
func (m *X86Machine) Run(ctx context.Context) ([]CPUResult, error) {
	results := make([]CPUResult, len(m.cpus))
	g, ctx := errgroup.WithContext(ctx)
	for i, cpu := range m.cpus {
		plan := m.cfg.CPUs[i].Switches
		g.Go(func() error {
			results[i] = CPUResult{ID: i}
			for _, step := range plan {
				if err := ctx.Err(); err != nil {
					return err
				}
				results[i].Steps = append(results[i].Steps, cpu.RunStep(step))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RunStep performs a single planned transfer.
func (c *CPU_X86) RunStep(step SwitchConfig) StepResult {
	var err error
	switch step.Op {
	case "jmp":
		err = c.JumpToTask(step.Selector)
	case "call":
		err = c.CallTask(step.Selector)
	case "int":
		err = c.InterruptTask(step.Vector)
	case "iret":
		if c.getFlag(x86FlagNT) && !c.TR.Cache.Valid {
			err = ErrNoTaskRegister
			break
		}
		err = c.ReturnFromNestedTask()
	case "ltr":
		err = c.LoadTaskRegister(step.Selector)
	default:
		err = fmt.Errorf("unknown op %q", step.Op)
	}
	if err != nil {
		c.log.WithField("op", step.Op).Debugf("step failed: %v", err)
	}
	return StepResult{
		Op:       step.Op,
		Selector: step.Selector,
		Vector:   step.Vector,
		Err:      err,
		TR:       c.TR.Selector.Value,
		EIP:      c.EIP,
	}
}
