// cli_commands.go - ie386 subcommands: run, monitor, script, layout
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// machineFlags are shared by every command that builds a machine.
type machineFlags struct {
	config   string
	logLevel string
	logJSON  bool
}

func (mf *machineFlags) set(f *flag.FlagSet) {
	f.StringVar(&mf.config, "config", "", "machine description (TOML)")
	f.StringVar(&mf.logLevel, "log-level", "", "override [machine.log] level")
	f.BoolVar(&mf.logJSON, "log-json", false, "log as JSON")
}

// build loads the config and constructs the machine and its logger.
func (mf *machineFlags) build() (*X86Machine, *logrus.Logger, error) {
	if mf.config == "" {
		return nil, nil, fmt.Errorf("-config is required")
	}
	cfg, err := LoadMachineConfig(mf.config)
	if err != nil {
		return nil, nil, err
	}
	logCfg := cfg.Machine.Log
	if mf.logLevel != "" {
		logCfg.Level = mf.logLevel
	}
	if mf.logJSON {
		logCfg.Format = "json"
	}
	log, err := NewBaseLogger(logCfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	m, err := NewX86Machine(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return m, log, nil
}

func failf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "ie386: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	machineFlags
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string { return "build a machine and run every CPU's switch plan" }

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run -config <machine.toml> - run the [[cpu.switch]] plans concurrently and print each step.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	r.machineFlags.set(f)
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	m, _, err := r.build()
	if err != nil {
		return failf("%v", err)
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	results, err := m.Run(ctx)
	PrintRunResults(os.Stdout, results)
	if err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}

// PrintRunResults writes one line per executed step.
func PrintRunResults(w io.Writer, results []CPUResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tSTEP\tOP\tOPERAND\tRESULT\tTR\tEIP")
	for _, r := range results {
		for i, s := range r.Steps {
			operand := fmt.Sprintf("%04X", s.Selector)
			switch s.Op {
			case "int":
				operand = fmt.Sprintf("vec %02X", s.Vector)
			case "iret":
				operand = "-"
			}
			result := "ok"
			if s.Err != nil {
				result = s.Err.Error()
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%04X\t%08X\n", r.ID, i, s.Op, operand, result, s.TR, s.EIP)
		}
	}
	tw.Flush()
}

// monitorCmd implements subcommands.Command for the "monitor" command.
type monitorCmd struct {
	machineFlags
	cpu int
}

// Name implements subcommands.Command.Name.
func (*monitorCmd) Name() string { return "monitor" }

// Synopsis implements subcommands.Command.Synopsis.
func (*monitorCmd) Synopsis() string { return "inspect and drive a machine interactively" }

// Usage implements subcommands.Command.Usage.
func (*monitorCmd) Usage() string {
	return `monitor -config <machine.toml> [-cpu n] - open the machine monitor.

Type "help" at the prompt for the command list. When stdin is not a
terminal, commands are read one per line.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (mc *monitorCmd) SetFlags(f *flag.FlagSet) {
	mc.machineFlags.set(f)
	f.IntVar(&mc.cpu, "cpu", 0, "CPU to focus first")
}

// Execute implements subcommands.Command.Execute.
func (mc *monitorCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	m, log, err := mc.build()
	if err != nil {
		return failf("%v", err)
	}
	defer m.Close()

	mon := NewMachineMonitorFor(m)
	if mc.cpu != 0 {
		mon.ExecuteCommand(fmt.Sprintf("cpu %d", mc.cpu))
		mon.TakeOutput()
	}
	if err := RunMonitorTerminal(mon, log.WithField("component", "monitor")); err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}

// scriptCmd implements subcommands.Command for the "script" command.
type scriptCmd struct {
	machineFlags
	cpu int
}

// Name implements subcommands.Command.Name.
func (*scriptCmd) Name() string { return "script" }

// Synopsis implements subcommands.Command.Synopsis.
func (*scriptCmd) Synopsis() string { return "run a Lua scenario against one CPU" }

// Usage implements subcommands.Command.Usage.
func (*scriptCmd) Usage() string {
	return `script -config <machine.toml> [-cpu n] <scenario.lua> - run a scripted scenario.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (sc *scriptCmd) SetFlags(f *flag.FlagSet) {
	sc.machineFlags.set(f)
	f.IntVar(&sc.cpu, "cpu", 0, "CPU the script is bound to")
}

// Execute implements subcommands.Command.Execute.
func (sc *scriptCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	m, _, err := sc.build()
	if err != nil {
		return failf("%v", err)
	}
	defer m.Close()

	eng, err := NewScriptEngine(m, sc.cpu)
	if err != nil {
		return failf("%v", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if err := eng.RunFile(ctx, f.Arg(0)); err != nil {
		return failf("%v", err)
	}
	return subcommands.ExitSuccess
}

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct {
	is16 bool
}

// Name implements subcommands.Command.Name.
func (*layoutCmd) Name() string { return "layout" }

// Synopsis implements subcommands.Command.Synopsis.
func (*layoutCmd) Synopsis() string { return "print the TSS field offsets" }

// Usage implements subcommands.Command.Usage.
func (*layoutCmd) Usage() string {
	return `layout [-286] - print the 386 (or 286) TSS layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *layoutCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.is16, "286", false, "print the 16-bit layout")
}

// Execute implements subcommands.Command.Execute.
func (l *layoutCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	layout := &tss32Layout
	if l.is16 {
		layout = &tss16Layout
	}
	PrintTSSLayout(os.Stdout, layout)
	return subcommands.ExitSuccess
}

// PrintTSSLayout writes the field offsets of a TSS format.
func PrintTSSLayout(w io.Writer, l *tssLayout) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s TSS, minimum limit %d\n", l.name, l.minLimit)
	fmt.Fprintln(tw, "OFFSET\tFIELD\tWIDTH")
	row := func(off uint32, name string, width uint32) {
		fmt.Fprintf(tw, "0x%02X\t%s\t%d\n", off, name, width)
	}
	row(l.backLink, "back link", 2)
	for pl := range uint8(3) {
		spOff, ssOff, _ := l.stackSlot(pl)
		row(spOff, fmt.Sprintf("SP%d", pl), l.width)
		row(ssOff, fmt.Sprintf("SS%d", pl), 2)
	}
	if l.is32 {
		row(l.cr3, "CR3", 4)
	}
	row(l.eip, "IP", l.width)
	row(l.eflags, "FLAGS", l.width)
	for i, name := range [8]string{"AX", "CX", "DX", "BX", "SP", "BP", "SI", "DI"} {
		row(l.regs+uint32(i)*l.width, name, l.width)
	}
	for i := range l.nsregs {
		row(l.sregs[i], x86SegNames[i], 2)
	}
	row(l.ldt, "LDT", 2)
	if l.is32 {
		row(l.trap, "T bit", 2)
		row(l.ioMap, "I/O map base", 2)
	}
	tw.Flush()
}
