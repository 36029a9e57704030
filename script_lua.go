// script_lua.go - Lua scenario scripting for task switch experiments
//
// A script sees four tables bound to one CPU of a machine:
//
//	mem   read8/16/32, write8/16/32 on guest physical memory
//	gdt   get, set, segment, gate, busy
//	tss   read, write (register image tables)
//	cpu   jmp, call, int, iret, ltr, stack, get, set, lgdt, lidt
//
// Transfers return nil on success or a fault table
// {kind=, vector=, code=, after_commit=}.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"context"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"
)

// ScriptEngine runs Lua scenarios against one CPU.
type ScriptEngine struct {
	L   *lua.LState
	cpu *CPU_X86
	dbg *DebugX86
	bus *SystemBus
}

// NewScriptEngine binds a fresh Lua state to CPU id of m.
func NewScriptEngine(m *X86Machine, id int) (*ScriptEngine, error) {
	cpu := m.CPU(id)
	if cpu == nil {
		return nil, fmt.Errorf("script: no cpu %d", id)
	}
	e := &ScriptEngine{
		L:   lua.NewState(),
		cpu: cpu,
		dbg: NewDebugX86(cpu),
		bus: m.Bus(),
	}
	e.registerMem()
	e.registerGDT()
	e.registerTSS()
	e.registerCPU()
	return e, nil
}

// Close releases the Lua state.
func (e *ScriptEngine) Close() {
	e.L.Close()
}

// RunString executes a chunk. Cancelling ctx stops the script.
func (e *ScriptEngine) RunString(ctx context.Context, src string) error {
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()
	if err := e.L.DoString(src); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// RunFile executes a script file.
func (e *ScriptEngine) RunFile(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return e.RunString(ctx, string(src))
}

func (e *ScriptEngine) setFuncs(name string, funcs map[string]lua.LGFunction) {
	tbl := e.L.SetFuncs(e.L.NewTable(), funcs)
	e.L.SetGlobal(name, tbl)
}

func checkU32(L *lua.LState, n int) uint32 {
	return uint32(L.CheckInt64(n))
}

func checkU16(L *lua.LState, n int) uint16 {
	return uint16(L.CheckInt64(n))
}

func (e *ScriptEngine) registerMem() {
	e.setFuncs("mem", map[string]lua.LGFunction{
		"read8": func(L *lua.LState) int {
			L.Push(lua.LNumber(e.bus.Read(checkU32(L, 1))))
			return 1
		},
		"read16": func(L *lua.LState) int {
			L.Push(lua.LNumber(e.bus.Read16(checkU32(L, 1))))
			return 1
		},
		"read32": func(L *lua.LState) int {
			L.Push(lua.LNumber(e.bus.Read32(checkU32(L, 1))))
			return 1
		},
		"write8": func(L *lua.LState) int {
			e.bus.Write(checkU32(L, 1), byte(L.CheckInt64(2)))
			return 0
		},
		"write16": func(L *lua.LState) int {
			e.bus.Write16(checkU32(L, 1), checkU16(L, 2))
			return 0
		},
		"write32": func(L *lua.LState) int {
			e.bus.Write32(checkU32(L, 1), checkU32(L, 2))
			return 0
		},
	})
}

func (e *ScriptEngine) registerGDT() {
	gdtAddr := func(L *lua.LState) uint32 {
		return e.cpu.GDTR.Base + uint32(checkU16(L, 1))*8
	}
	e.setFuncs("gdt", map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			addr := gdtAddr(L)
			L.Push(lua.LNumber(e.bus.Read32(addr)))
			L.Push(lua.LNumber(e.bus.Read32(addr + 4)))
			return 2
		},
		"set": func(L *lua.LState) int {
			addr := gdtAddr(L)
			e.bus.Write32(addr, checkU32(L, 2))
			e.bus.Write32(addr+4, checkU32(L, 3))
			return 0
		},
		// segment(index, base, limit, access [, flags])
		"segment": func(L *lua.LState) int {
			addr := gdtAddr(L)
			d1, d2 := EncodeX86Descriptor(checkU32(L, 2), checkU32(L, 3), uint8(L.CheckInt(4)), uint8(L.OptInt(5, 0)))
			e.bus.Write32(addr, d1)
			e.bus.Write32(addr+4, d2)
			return 0
		},
		// gate(index, tss_selector, access)
		"gate": func(L *lua.LState) int {
			addr := gdtAddr(L)
			d1, d2 := EncodeX86Gate(checkU16(L, 2), 0, uint8(L.CheckInt(3)), 0)
			e.bus.Write32(addr, d1)
			e.bus.Write32(addr+4, d2)
			return 0
		},
		"busy": func(L *lua.LState) int {
			L.Push(lua.LBool(e.bus.Read32(gdtAddr(L)+4)&x86DescDword2Busy != 0))
			return 1
		},
	})
}

func (e *ScriptEngine) registerTSS() {
	e.setFuncs("tss", map[string]lua.LGFunction{
		// write(base, is32, image)
		"write": func(L *lua.LState) int {
			base := checkU32(L, 1)
			is32 := L.CheckBool(2)
			st, stacks, link := taskStateFromLua(L.CheckTable(3))
			e.bus.WriteBlock(base, EncodeTSS(is32, st, stacks, link, 0))
			return 0
		},
		// read(base, is32) -> image
		"read": func(L *lua.LState) int {
			base := checkU32(L, 1)
			is32 := L.CheckBool(2)
			l := &tss16Layout
			if is32 {
				l = &tss32Layout
			}
			image := make([]byte, l.size())
			e.bus.ReadBlock(base, image)
			st, stacks, link := DecodeTSS(is32, image)
			L.Push(taskStateToLua(L, st, stacks, link))
			return 1
		},
	})
}

func (e *ScriptEngine) registerCPU() {
	transfer := func(op string) lua.LGFunction {
		return func(L *lua.LState) int {
			step := SwitchConfig{Op: op}
			if op == "int" {
				step.Vector = uint8(L.CheckInt(1))
			} else if op != "iret" {
				step.Selector = checkU16(L, 1)
			}
			res := e.cpu.RunStep(step)
			return pushResult(L, res.Err)
		}
	}
	e.setFuncs("cpu", map[string]lua.LGFunction{
		"jmp":  transfer("jmp"),
		"call": transfer("call"),
		"int":  transfer("int"),
		"iret": transfer("iret"),
		"ltr":  transfer("ltr"),
		"stack": func(L *lua.LState) int {
			ss, esp, err := e.cpu.GetPrivilegeStack(uint8(L.CheckInt(1)))
			if err != nil {
				L.Push(lua.LNil)
				return 1 + pushResult(L, err)
			}
			L.Push(lua.LNumber(ss))
			L.Push(lua.LNumber(esp))
			return 2
		},
		"get": func(L *lua.LState) int {
			v, ok := e.dbg.GetRegister(L.CheckString(1))
			if !ok {
				L.ArgError(1, "unknown register")
			}
			L.Push(lua.LNumber(v))
			return 1
		},
		"set": func(L *lua.LState) int {
			if !e.dbg.SetRegister(L.CheckString(1), uint64(L.CheckInt64(2))) {
				L.ArgError(1, "register not settable")
			}
			return 0
		},
		"lgdt": func(L *lua.LState) int {
			e.cpu.GDTR = X86TableRegister{Base: checkU32(L, 1), Limit: checkU16(L, 2)}
			return 0
		},
		"lidt": func(L *lua.LState) int {
			e.cpu.IDTR = X86TableRegister{Base: checkU32(L, 1), Limit: checkU16(L, 2)}
			return 0
		},
	})
}

// pushResult pushes nil for success or a fault table. Host errors are
// raised as Lua errors.
func pushResult(L *lua.LState, err error) int {
	if err == nil {
		L.Push(lua.LNil)
		return 1
	}
	f, ok := AsX86Fault(err)
	if !ok {
		L.RaiseError("%v", err)
		return 0
	}
	t := L.NewTable()
	t.RawSetString("kind", lua.LString(x86FaultNames[f.Kind]))
	t.RawSetString("vector", lua.LNumber(f.Vector))
	t.RawSetString("code", lua.LNumber(f.ErrorCode))
	t.RawSetString("after_commit", lua.LBool(f.AfterCommit))
	L.Push(t)
	return 1
}

func luaU32(t *lua.LTable, key string) uint32 {
	return uint32(lua.LVAsNumber(t.RawGetString(key)))
}

func taskStateFromLua(t *lua.LTable) (X86TaskState, [3]X86StackPointer, uint16) {
	st := X86TaskState{
		EIP:    luaU32(t, "eip"),
		EFlags: luaU32(t, "eflags") | x86FlagRsv1,
		LDT:    uint16(luaU32(t, "ldt")),
		CR3:    luaU32(t, "cr3"),
	}
	if lua.LVAsBool(t.RawGetString("trap")) {
		st.TrapWord = 1
	}
	if regs, ok := t.RawGetString("regs").(*lua.LTable); ok {
		for i := range st.Regs {
			st.Regs[i] = uint32(lua.LVAsNumber(regs.RawGetInt(i + 1)))
		}
	}
	if sregs, ok := t.RawGetString("sregs").(*lua.LTable); ok {
		for i := range st.Sregs {
			st.Sregs[i] = uint16(lua.LVAsNumber(sregs.RawGetInt(i + 1)))
		}
	}
	var stacks [3]X86StackPointer
	if sps, ok := t.RawGetString("stacks").(*lua.LTable); ok {
		for i := range stacks {
			if sp, ok := sps.RawGetInt(i + 1).(*lua.LTable); ok {
				stacks[i] = X86StackPointer{SS: uint16(luaU32(sp, "ss")), ESP: luaU32(sp, "esp")}
			}
		}
	}
	return st, stacks, uint16(luaU32(t, "link"))
}

func taskStateToLua(L *lua.LState, st X86TaskState, stacks [3]X86StackPointer, link uint16) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("eip", lua.LNumber(st.EIP))
	t.RawSetString("eflags", lua.LNumber(st.EFlags))
	t.RawSetString("ldt", lua.LNumber(st.LDT))
	t.RawSetString("cr3", lua.LNumber(st.CR3))
	t.RawSetString("trap", lua.LBool(st.TrapWord&1 != 0))
	t.RawSetString("link", lua.LNumber(link))

	regs := L.NewTable()
	for _, v := range st.Regs {
		regs.Append(lua.LNumber(v))
	}
	t.RawSetString("regs", regs)

	sregs := L.NewTable()
	for _, v := range st.Sregs {
		sregs.Append(lua.LNumber(v))
	}
	t.RawSetString("sregs", sregs)

	sps := L.NewTable()
	for _, sp := range stacks {
		e := L.NewTable()
		e.RawSetString("ss", lua.LNumber(sp.SS))
		e.RawSetString("esp", lua.LNumber(sp.ESP))
		sps.Append(e)
	}
	t.RawSetString("stacks", sps)
	return t
}
