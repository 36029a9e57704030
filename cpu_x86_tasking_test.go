// cpu_x86_tasking_test.go - Hardware task switch tests
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func wantFault(t *testing.T, err error, kind X86FaultKind, code uint32) *X86Fault {
	t.Helper()
	f, ok := AsX86Fault(err)
	if !ok {
		t.Fatalf("got %v, want %s(%04X)", err, x86FaultNames[kind], code)
	}
	if f.Kind != kind || f.ErrorCode != code {
		t.Fatalf("fault: got %v, want %s(%04X)", f, x86FaultNames[kind], code)
	}
	return f
}

func (f *taskFixture) readImage(base uint32, is32 bool) (X86TaskState, uint16) {
	l := &tss16Layout
	if is32 {
		l = &tss32Layout
	}
	st, _, link := DecodeTSS(is32, f.bus.memory[base:base+l.size()])
	return st, link
}

func TestX86TaskSwitch_Jump32(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	before := cpu.taskSnapshot(cpu.ReadFlags())

	if err := cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}

	b := taskBState()
	if cpu.TR.Selector.Value != selTSSB {
		t.Errorf("TR: got 0x%04X, want 0x%04X", cpu.TR.Selector.Value, selTSSB)
	}
	if cpu.EIP != b.EIP {
		t.Errorf("EIP: got 0x%08X, want 0x%08X", cpu.EIP, b.EIP)
	}
	if cpu.EAX != 0xB0000000 || cpu.EDI != 0xB0000007 {
		t.Errorf("EAX/EDI: got 0x%08X/0x%08X", cpu.EAX, cpu.EDI)
	}
	if cpu.ReadFlags() != b.EFlags {
		t.Errorf("EFLAGS: got 0x%08X, want 0x%08X", cpu.ReadFlags(), b.EFlags)
	}
	if cpu.Selector(x86SegGS) != selData0 || !cpu.Sregs[x86SegGS].Cache.Valid {
		t.Errorf("GS: got 0x%04X valid=%v", cpu.Selector(x86SegGS), cpu.Sregs[x86SegGS].Cache.Valid)
	}

	// JMP: new busy set, old busy cleared, no link
	if f.busy(selTSSA) {
		t.Error("old TSS should no longer be busy")
	}
	if !f.busy(selTSSB) {
		t.Error("new TSS should be busy")
	}
	if _, link := f.readImage(testTSSB, true); link != 0 {
		t.Errorf("link: got 0x%04X, want 0", link)
	}
	if cpu.getFlag(x86FlagNT) {
		t.Error("JMP must not set NT")
	}

	// Old task image holds the pre-switch state
	saved, _ := f.readImage(testTSSA, true)
	if diff := cmp.Diff(before, saved); diff != "" {
		t.Errorf("saved image mismatch (-want +got):\n%s", diff)
	}
}

func TestX86TaskSwitch_CommitSideEffects(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	cpu.DR7 = 0x000003FF
	cpu.CR0 &^= x86CR0TS

	if err := cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	if cpu.CR0&x86CR0TS == 0 {
		t.Error("CR0.TS should be set")
	}
	if cpu.DR7 != 0x000002AA {
		t.Errorf("DR7: got 0x%08X, want 0x000002AA", cpu.DR7)
	}
	if cpu.TR.Cache.Type != x86SysAvail386TSS {
		t.Errorf("TR cache type: got %d, want available 386 TSS", cpu.TR.Cache.Type)
	}
	if cpu.TR.Cache.TSS.Base != testTSSB {
		t.Errorf("TR base: got 0x%08X, want 0x%08X", cpu.TR.Cache.TSS.Base, testTSSB)
	}
	if cpu.PendingDebugTrap() != 0 {
		t.Errorf("debug trap: got 0x%X, want 0", cpu.PendingDebugTrap())
	}
}

func TestX86TaskSwitch_To16BitTask(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu

	if err := cpu.JumpToTask(selTSS16); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}

	want := [8]uint32{0xFFFF1111, 0xFFFF2222, 0xFFFF3333, 0xFFFF4444, 0xFFFF5555, 0xFFFF6666, 0xFFFF7777, 0xFFFF8888}
	for i, w := range want {
		if got := cpu.getReg32(byte(i)); got != w {
			t.Errorf("reg %d: got 0x%08X, want 0x%08X", i, got, w)
		}
	}
	if cpu.EIP != 0x3000 {
		t.Errorf("EIP: got 0x%08X, want 0x00003000", cpu.EIP)
	}
	for _, seg := range []int{x86SegFS, x86SegGS} {
		if cpu.Selector(seg) != 0 {
			t.Errorf("%s: got 0x%04X, want null", x86SegNames[seg], cpu.Selector(seg))
		}
		if cpu.Sregs[seg].Cache.Valid {
			t.Errorf("%s cache should be invalid", x86SegNames[seg])
		}
	}
	if cpu.TR.Cache.Type != x86SysAvail286TSS {
		t.Errorf("TR cache type: got %d, want %d", cpu.TR.Cache.Type, x86SysAvail286TSS)
	}
	if !f.busy(selTSS16) {
		t.Error("286 TSS should be busy")
	}
}

func TestX86TaskSwitch_From16BitTaskTruncates(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu

	if err := cpu.JumpToTask(selTSS16); err != nil {
		t.Fatalf("JumpToTask 286: %v", err)
	}
	cpu.EAX = 0x12345678
	if err := cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask 386: %v", err)
	}
	if got := f.bus.read16(testTSS16 + 18); got != 0x5678 {
		t.Errorf("saved AX: got 0x%04X, want 0x5678", got)
	}
	// Nothing is written past the 286 image
	if got := f.bus.read16(testTSS16 + 44); got != 0 {
		t.Errorf("byte 44 of 286 TSS: got 0x%04X, want 0", got)
	}
}

func TestX86TaskSwitch_CallSetsNTAndLink(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu

	if err := cpu.CallTask(selTSSB); err != nil {
		t.Fatalf("CallTask: %v", err)
	}
	if !cpu.getFlag(x86FlagNT) {
		t.Error("CALL should set NT in the new task")
	}
	if _, link := f.readImage(testTSSB, true); link != selTSSA {
		t.Errorf("link: got 0x%04X, want 0x%04X", link, selTSSA)
	}
	if !f.busy(selTSSA) || !f.busy(selTSSB) {
		t.Errorf("busy: A=%v B=%v, want both set", f.busy(selTSSA), f.busy(selTSSB))
	}
	saved, _ := f.readImage(testTSSA, true)
	if saved.EFlags&x86FlagNT != 0 {
		t.Error("caller's saved flags should not gain NT")
	}
}

func TestX86TaskSwitch_IncomingNTLoadedAsStored(t *testing.T) {
	tests := []struct {
		name    string
		iret    bool
		oldTSS  uint32
		oldLink uint16
	}{
		// A jumps to B, whose image was saved with NT set
		{"jump", false, testTSSA, 0x0048},
		// A was itself nested when it called B; IRET brings NT back
		{"iret", true, testTSSB, selTSSA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			cpu := f.cpu
			f.bus.memory[testTSSA] = 0x48
			f.bus.memory[testTSSA+1] = 0

			var err error
			if tt.iret {
				cpu.setFlag(x86FlagNT, true)
				if err := cpu.CallTask(selTSSB); err != nil {
					t.Fatalf("CallTask: %v", err)
				}
				err = cpu.ReturnFromNestedTask()
			} else {
				b := taskBState()
				b.EFlags |= x86FlagNT
				f.writeTSS(testTSSB, true, b)
				err = cpu.JumpToTask(selTSSB)
			}
			if err != nil {
				t.Fatalf("switch: %v", err)
			}

			if !cpu.getFlag(x86FlagNT) {
				t.Errorf("EFLAGS 0x%08X: NT from the incoming image was dropped", cpu.ReadFlags())
			}
			if link := f.bus.read16(tt.oldTSS); link != tt.oldLink {
				t.Errorf("outgoing back link: got 0x%04X, want 0x%04X", link, tt.oldLink)
			}
			if !tt.iret {
				if link := f.bus.read16(testTSSB); link != 0 {
					t.Errorf("jump wrote back link 0x%04X into the new TSS", link)
				}
			}
		})
	}
}

func TestX86TaskSwitch_IRETReturnsToCaller(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	before := cpu.taskSnapshot(cpu.ReadFlags())

	if err := cpu.CallTask(selTSSB); err != nil {
		t.Fatalf("CallTask: %v", err)
	}
	cpu.EAX = 0xCAFEBABE
	if err := cpu.ReturnFromNestedTask(); err != nil {
		t.Fatalf("ReturnFromNestedTask: %v", err)
	}

	if cpu.TR.Selector.Value != selTSSA {
		t.Errorf("TR: got 0x%04X, want 0x%04X", cpu.TR.Selector.Value, selTSSA)
	}
	// IRET: old busy cleared, new busy unchanged (still set)
	if f.busy(selTSSB) {
		t.Error("nested task should no longer be busy")
	}
	if !f.busy(selTSSA) {
		t.Error("caller should remain busy")
	}

	saved, _ := f.readImage(testTSSB, true)
	if saved.EFlags&x86FlagNT != 0 {
		t.Errorf("nested task saved flags 0x%08X, want NT clear", saved.EFlags)
	}
	if saved.Regs[0] != 0xCAFEBABE {
		t.Errorf("nested task saved EAX: got 0x%08X, want 0xCAFEBABE", saved.Regs[0])
	}

	after := cpu.taskSnapshot(cpu.ReadFlags())
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("caller state mismatch (-want +got):\n%s", diff)
	}
}

func TestX86TaskSwitch_IRETWithoutNT(t *testing.T) {
	f := newTaskFixture(t)
	if err := f.cpu.ReturnFromNestedTask(); err != ErrNotNestedTask {
		t.Fatalf("got %v, want ErrNotNestedTask", err)
	}
}

func TestX86TaskSwitch_IRETToAvailableTask(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu

	// B's back link names D, which is not busy
	f.bus.write32(testTSSB, selTSSD)
	if err := cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	cpu.setFlag(x86FlagNT, true)
	wantFault(t, cpu.ReturnFromNestedTask(), X86FaultInvalidTSS, selTSSD)
}

func TestX86TaskSwitch_RoundTrip(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	before := cpu.taskSnapshot(cpu.ReadFlags())

	if err := cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("A->B: %v", err)
	}
	if err := cpu.JumpToTask(selTSSA); err != nil {
		t.Fatalf("B->A: %v", err)
	}

	after := cpu.taskSnapshot(cpu.ReadFlags())
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("A->B->A state mismatch (-want +got):\n%s", diff)
	}
	if !f.busy(selTSSA) || f.busy(selTSSB) {
		t.Errorf("busy: A=%v B=%v, want true/false", f.busy(selTSSA), f.busy(selTSSB))
	}
}

func TestX86TaskSwitch_LimitBoundary(t *testing.T) {
	tests := []struct {
		name  string
		typ   uint8
		limit uint32
		ok    bool
	}{
		{"286 limit 42", x86SysAvail286TSS, 42, false},
		{"286 limit 43", x86SysAvail286TSS, 43, true},
		{"386 limit 102", x86SysAvail386TSS, 102, false},
		{"386 limit 103", x86SysAvail386TSS, 103, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			cpu := f.cpu
			f.system(11, testTSSD, tt.limit, tt.typ, true)
			if tt.typ == x86SysAvail286TSS {
				f.writeTSS(testTSSD, false, task16State())
			}
			before := cpu.taskSnapshot(cpu.ReadFlags())
			writes := f.bus.writes

			err := cpu.JumpToTask(selTSSD)
			if tt.ok {
				if err != nil {
					t.Fatalf("JumpToTask: %v", err)
				}
				return
			}
			fault := wantFault(t, err, X86FaultInvalidTSS, selTSSD)
			if fault.AfterCommit {
				t.Error("limit fault must be raised before the commit point")
			}
			if f.bus.writes != writes {
				t.Errorf("memory writes: got %d, want none", f.bus.writes-writes)
			}
			if cpu.TR.Selector.Value != selTSSA {
				t.Errorf("TR: got 0x%04X, want 0x%04X", cpu.TR.Selector.Value, selTSSA)
			}
			if diff := cmp.Diff(before, cpu.taskSnapshot(cpu.ReadFlags())); diff != "" {
				t.Errorf("state changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestX86TaskSwitch_NotPresentTSS(t *testing.T) {
	f := newTaskFixture(t)
	f.system(11, testTSSD, 103, x86SysAvail386TSS, false)
	writes := f.bus.writes

	wantFault(t, f.cpu.JumpToTask(selTSSD), X86FaultNotPresent, selTSSD)
	if f.bus.writes != writes {
		t.Errorf("memory writes: got %d, want none", f.bus.writes-writes)
	}
	if f.busy(selTSSD) {
		t.Error("not present TSS must not become busy")
	}
}

func TestX86TaskSwitch_TaskSwitchDirectNotPresent(t *testing.T) {
	f := newTaskFixture(t)
	desc := ParseX86Descriptor(EncodeX86Descriptor(testTSSB, 103, X86Access(false, 0, false, x86SysAvail386TSS), 0))
	wantFault(t, f.cpu.TaskSwitch(ParseX86Selector(selTSSB), &desc, X86TaskFromJump), X86FaultNotPresent, selTSSB)
}

func TestX86TaskSwitch_CSPrivilegeMismatch(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu

	// CS descriptor DPL 0, selector RPL 3
	b := taskBState()
	b.Sregs[x86SegCS] = selCode0 | 3
	f.writeTSS(testTSSB, true, b)
	before := cpu.taskSnapshot(cpu.ReadFlags())

	fault := wantFault(t, cpu.JumpToTask(selTSSB), X86FaultInvalidTSS, selCode0)
	if !fault.AfterCommit {
		t.Error("CS fault should be raised after the commit point")
	}

	saved, _ := f.readImage(testTSSA, true)
	if diff := cmp.Diff(before, saved); diff != "" {
		t.Errorf("old task image (-want +got):\n%s", diff)
	}

	// The switch still completed
	if cpu.TR.Selector.Value != selTSSB {
		t.Errorf("TR: got 0x%04X, want 0x%04X", cpu.TR.Selector.Value, selTSSB)
	}
	if cpu.EIP != b.EIP || cpu.EAX != b.Regs[0] || cpu.ReadFlags() != b.EFlags {
		t.Errorf("new task state not loaded: EIP=0x%08X EAX=0x%08X FLAGS=0x%08X", cpu.EIP, cpu.EAX, cpu.ReadFlags())
	}
	for i, want := range b.Sregs {
		if cpu.Selector(i) != want {
			t.Errorf("%s: got 0x%04X, want 0x%04X", x86SegNames[i], cpu.Selector(i), want)
		}
		if cpu.Sregs[i].Cache.Valid {
			t.Errorf("%s cache should be invalid", x86SegNames[i])
		}
	}
}

func TestX86TaskSwitch_CSChecks(t *testing.T) {
	conformingDPL3 := func(f *taskFixture) {
		f.segment(13, 3, x86SegTypeExecutable|x86SegTypeReadWrite|x86SegTypeConforming, true)
	}
	tests := []struct {
		name  string
		cs    uint16
		setup func(f *taskFixture)
		kind  X86FaultKind
		code  uint32
	}{
		{"null", 0, nil, X86FaultInvalidTSS, 0},
		{"data segment", selData0, nil, X86FaultInvalidTSS, selData0},
		{"beyond GDT", 0x100, nil, X86FaultInvalidTSS, 0x100},
		{"conforming DPL above RPL", selConf0, conformingDPL3, X86FaultInvalidTSS, selConf0},
		{"not present", selCode0NP, nil, X86FaultNotPresent, selCode0NP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			b := taskBState()
			b.Sregs[x86SegCS] = tt.cs
			f.writeTSS(testTSSB, true, b)
			fault := wantFault(t, f.cpu.JumpToTask(selTSSB), tt.kind, tt.code)
			if !fault.AfterCommit {
				t.Error("fault should be raised after the commit point")
			}
		})
	}
}

func TestX86TaskSwitch_ConformingCS(t *testing.T) {
	f := newTaskFixture(t)
	b := taskBState()
	b.Sregs[x86SegCS] = selConf0
	f.writeTSS(testTSSB, true, b)
	if err := f.cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	if !f.cpu.Sregs[x86SegCS].Cache.Seg.ConformExp {
		t.Error("CS cache should hold the conforming descriptor")
	}
}

func TestX86TaskSwitch_SSChecks(t *testing.T) {
	tests := []struct {
		name string
		ss   uint16
		kind X86FaultKind
		code uint32
	}{
		{"null", 0, X86FaultInvalidTSS, 0},
		{"code segment", selCode0, X86FaultInvalidTSS, selCode0},
		{"not present", selDataNP, X86FaultStack, selDataNP},
		{"DPL differs from CS RPL", selData3, X86FaultInvalidTSS, selData3 &^ 3},
		{"RPL differs from DPL", selData0 | 1, X86FaultInvalidTSS, selData0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			b := taskBState()
			b.Sregs[x86SegSS] = tt.ss
			f.writeTSS(testTSSB, true, b)
			fault := wantFault(t, f.cpu.JumpToTask(selTSSB), tt.kind, tt.code)
			if !fault.AfterCommit {
				t.Error("fault should be raised after the commit point")
			}
			if !f.cpu.Sregs[x86SegCS].Cache.Valid {
				t.Error("CS should be loaded before SS is checked")
			}
		})
	}
}

func TestX86TaskSwitch_DataSegmentChecks(t *testing.T) {
	tests := []struct {
		name string
		ds   uint16
		ok   bool
		kind X86FaultKind
		code uint32
	}{
		{"null", 0, true, 0, 0},
		{"DPL 3 data from CPL 0", selData3, true, 0, 0},
		{"RPL 3 on DPL 0 data", selData0 | 3, false, X86FaultInvalidTSS, selData0},
		{"conforming readable code", selConf0 | 3, true, 0, 0},
		{"execute-only code", selCodeRO, false, X86FaultInvalidTSS, selCodeRO},
		{"system descriptor", selTSSA, false, X86FaultInvalidTSS, selTSSA},
		{"not present", selDataNP, false, X86FaultNotPresent, selDataNP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			b := taskBState()
			b.Sregs[x86SegDS] = tt.ds
			f.writeTSS(testTSSB, true, b)
			err := f.cpu.JumpToTask(selTSSB)
			if tt.ok {
				if err != nil {
					t.Fatalf("JumpToTask: %v", err)
				}
				if tt.ds != 0 && !f.cpu.Sregs[x86SegDS].Cache.Valid {
					t.Error("DS cache should be valid")
				}
				return
			}
			wantFault(t, err, tt.kind, tt.code)
			// DS is checked first, so ES was never loaded
			if f.cpu.Sregs[x86SegES].Cache.Valid {
				t.Error("ES should not be loaded after a DS fault")
			}
		})
	}
}

func TestX86TaskSwitch_LDT(t *testing.T) {
	t.Run("loaded", func(t *testing.T) {
		f := newTaskFixture(t)
		b := taskBState()
		b.LDT = selLDT
		f.writeTSS(testTSSB, true, b)
		if err := f.cpu.JumpToTask(selTSSB); err != nil {
			t.Fatalf("JumpToTask: %v", err)
		}
		ldtr := f.cpu.LDTR
		if !ldtr.Cache.Valid || ldtr.Cache.LDT.Base != testLDTBase {
			t.Errorf("LDTR: valid=%v base=0x%08X", ldtr.Cache.Valid, ldtr.Cache.LDT.Base)
		}
	})

	tests := []struct {
		name  string
		ldt   uint16
		setup func(f *taskFixture)
	}{
		{"TI set", selLDT | 4, nil},
		{"not an LDT", selData0, nil},
		{"beyond GDT", 0x200, nil},
		{"not present", selLDT, func(f *taskFixture) { f.system(8, testLDTBase, 0x17, x86SysLDT, false) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			b := taskBState()
			b.LDT = tt.ldt
			f.writeTSS(testTSSB, true, b)
			fault := wantFault(t, f.cpu.JumpToTask(selTSSB), X86FaultInvalidTSS, uint32(tt.ldt&^3))
			if !fault.AfterCommit {
				t.Error("LDT fault should be raised after the commit point")
			}
			if f.cpu.Sregs[x86SegCS].Cache.Valid {
				t.Error("CS must not be loaded after an LDT fault")
			}
		})
	}
}

func TestX86TaskSwitch_LDTRelativeSegments(t *testing.T) {
	f := newTaskFixture(t)
	// LDT entry 1: DPL 0 data
	d1, d2 := EncodeX86Descriptor(0x50000, 0xFFFF, X86Access(true, 0, true, x86SegTypeReadWrite), 0)
	f.bus.write32(testLDTBase+8, d1)
	f.bus.write32(testLDTBase+12, d2)

	b := taskBState()
	b.LDT = selLDT
	b.Sregs[x86SegES] = 0x0C // LDT index 1
	f.writeTSS(testTSSB, true, b)
	if err := f.cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	if got := f.cpu.Sregs[x86SegES].Cache.Seg.Base; got != 0x50000 {
		t.Errorf("ES base: got 0x%08X, want 0x00050000", got)
	}
}

func TestX86TaskSwitch_TrapBit(t *testing.T) {
	f := newTaskFixture(t)
	b := taskBState()
	b.TrapWord = 1
	f.writeTSS(testTSSB, true, b)

	if err := f.cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	if f.cpu.PendingDebugTrap()&x86DR6BT == 0 {
		t.Errorf("debug trap: got 0x%X, want BT set", f.cpu.PendingDebugTrap())
	}

	// A 286 TSS has no T bit
	if err := f.cpu.JumpToTask(selTSS16); err != nil {
		t.Fatalf("JumpToTask 286: %v", err)
	}
	if f.cpu.PendingDebugTrap() != 0 {
		t.Errorf("debug trap: got 0x%X, want 0", f.cpu.PendingDebugTrap())
	}
}

func TestX86TaskSwitch_V86Task(t *testing.T) {
	f := newTaskFixture(t)
	b := taskBState()
	b.EFlags |= x86FlagVM
	b.Sregs = [6]uint16{0x1000, 0x2000, 0x3000, 0x4000, 0x5000, 0x6000}
	f.writeTSS(testTSSB, true, b)

	if err := f.cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	if !f.cpu.V8086Mode() || f.cpu.CPL() != 3 {
		t.Fatalf("V86 mode=%v CPL=%d, want true/3", f.cpu.V8086Mode(), f.cpu.CPL())
	}
	for i, raw := range b.Sregs {
		c := f.cpu.Sregs[i].Cache
		if !c.Valid || c.Seg.Base != uint32(raw)<<4 || c.Seg.LimitScaled != 0xFFFF || c.DPL != 3 {
			t.Errorf("%s: valid=%v base=0x%08X limit=0x%X dpl=%d", x86SegNames[i], c.Valid, c.Seg.Base, c.Seg.LimitScaled, c.DPL)
		}
	}
}

func TestX86TaskSwitch_SelfSwitch(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	before := cpu.taskSnapshot(cpu.ReadFlags())

	desc, ok, err := cpu.LookupDescriptor(selTSSA)
	if err != nil || !ok {
		t.Fatalf("LookupDescriptor: ok=%v err=%v", ok, err)
	}
	if err := cpu.TaskSwitch(ParseX86Selector(selTSSA), &desc, X86TaskFromJump); err != nil {
		t.Fatalf("TaskSwitch: %v", err)
	}
	if diff := cmp.Diff(before, cpu.taskSnapshot(cpu.ReadFlags())); diff != "" {
		t.Errorf("self switch changed state (-want +got):\n%s", diff)
	}
	if cpu.TR.Selector.Value != selTSSA {
		t.Errorf("TR: got 0x%04X, want 0x%04X", cpu.TR.Selector.Value, selTSSA)
	}
}

func TestX86TaskSwitch_BusyTargetClearsSavedNT(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	cpu.setFlag(x86FlagNT, true)

	// D marked busy, entered the way an exception would
	f.bus.write32(testGDTBase+11*8+4, f.bus.read32(testGDTBase+11*8+4)|x86DescDword2Busy)
	desc, _, _ := cpu.LookupDescriptor(selTSSD)
	if err := cpu.TaskSwitch(ParseX86Selector(selTSSD), &desc, X86TaskFromIRET); err != nil {
		t.Fatalf("TaskSwitch: %v", err)
	}
	saved, _ := f.readImage(testTSSA, true)
	if saved.EFlags&x86FlagNT != 0 {
		t.Errorf("saved flags: got 0x%08X, want NT clear", saved.EFlags)
	}
}

func TestX86TaskSwitch_TaskGate(t *testing.T) {
	f := newTaskFixture(t)
	if err := f.cpu.JumpToTask(selGateB | 3); err != nil {
		t.Fatalf("JumpToTask through gate: %v", err)
	}
	if f.cpu.TR.Selector.Value != selTSSB {
		t.Errorf("TR: got 0x%04X, want 0x%04X", f.cpu.TR.Selector.Value, selTSSB)
	}
}

func TestX86TaskSwitch_CallerChecks(t *testing.T) {
	tests := []struct {
		name  string
		sel   uint16
		setup func(f *taskFixture)
		kind  X86FaultKind
		code  uint32
	}{
		{"null", 0, nil, X86FaultGeneralProtection, 0},
		{"busy TSS", selTSSA, nil, X86FaultGeneralProtection, selTSSA},
		{"code segment", selCode0, nil, X86FaultGeneralProtection, selCode0},
		{"LDT descriptor", selLDT, nil, X86FaultGeneralProtection, selLDT},
		{"beyond GDT", 0x800, nil, X86FaultGeneralProtection, 0x800},
		{"DPL below RPL", selTSSB | 3, nil, X86FaultGeneralProtection, selTSSB},
		{"gate not present", selGateB, func(f *taskFixture) {
			d1, d2 := EncodeX86Gate(selTSSB, 0, X86Access(false, 3, false, x86SysTaskGate), 0)
			f.desc(9, d1, d2)
		}, X86FaultNotPresent, selGateB},
		{"gate names busy TSS", selGateB, func(f *taskFixture) {
			d1, d2 := EncodeX86Gate(selTSSA, 0, X86Access(true, 3, false, x86SysTaskGate), 0)
			f.desc(9, d1, d2)
		}, X86FaultGeneralProtection, selTSSA},
		{"gate names LDT selector", selGateB, func(f *taskFixture) {
			d1, d2 := EncodeX86Gate(selTSSB|4, 0, X86Access(true, 3, false, x86SysTaskGate), 0)
			f.desc(9, d1, d2)
		}, X86FaultGeneralProtection, selTSSB | 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			writes := f.bus.writes
			wantFault(t, f.cpu.JumpToTask(tt.sel), tt.kind, tt.code)
			if f.bus.writes != writes {
				t.Errorf("memory writes: got %d, want none", f.bus.writes-writes)
			}
		})
	}
}

func TestX86TaskSwitch_InterruptTask(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	d1, d2 := EncodeX86Gate(selTSSB, 0, X86Access(true, 0, false, x86SysTaskGate), 0)
	f.bus.write32(testIDTBase+0x20*8, d1)
	f.bus.write32(testIDTBase+0x20*8+4, d2)

	if err := cpu.InterruptTask(0x20); err != nil {
		t.Fatalf("InterruptTask: %v", err)
	}
	if cpu.TR.Selector.Value != selTSSB || !cpu.getFlag(x86FlagNT) {
		t.Errorf("TR=0x%04X NT=%v, want 0x%04X/true", cpu.TR.Selector.Value, cpu.getFlag(x86FlagNT), selTSSB)
	}
	if _, link := f.readImage(testTSSB, true); link != selTSSA {
		t.Errorf("link: got 0x%04X, want 0x%04X", link, selTSSA)
	}
	if err := cpu.ReturnFromNestedTask(); err != nil {
		t.Fatalf("ReturnFromNestedTask: %v", err)
	}
	if cpu.TR.Selector.Value != selTSSA {
		t.Errorf("TR after IRET: got 0x%04X, want 0x%04X", cpu.TR.Selector.Value, selTSSA)
	}
}

func TestX86TaskSwitch_InterruptTaskErrors(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu

	// Empty IDT slot
	wantFault(t, cpu.InterruptTask(0x21), X86FaultGeneralProtection, 0x21*8+2)

	d1, d2 := EncodeX86Gate(selTSSB, 0, X86Access(false, 0, false, x86SysTaskGate), 0)
	f.bus.write32(testIDTBase+0x22*8, d1)
	f.bus.write32(testIDTBase+0x22*8+4, d2)
	wantFault(t, cpu.InterruptTask(0x22), X86FaultNotPresent, 0x22*8+2)

	cpu.IDTR.Limit = 0x7F
	wantFault(t, cpu.InterruptTask(0x10), X86FaultGeneralProtection, 0x10*8+2)
}

func TestX86TaskSwitch_PagingCR3Notification(t *testing.T) {
	f := newTaskFixture(t)
	cpu := f.cpu
	const dirA, dirB = 0x100000, 0x101000
	for _, dir := range []uint32{dirA, dirB} {
		f.bus.write32(dir, x86PDEPageSize|x86PTEReadWrite|x86PTEPresent)
	}
	cpu.CR4 |= x86CR4PSE
	cpu.SetCR3(dirA)
	cpu.SetCR0(cpu.CR0 | x86CR0PG)

	var reloads []uint32
	cpu.OnCR3Change = func(cr3 uint32) { reloads = append(reloads, cr3) }

	b := taskBState()
	b.CR3 = dirB
	f.writeTSS(testTSSB, true, b)
	if err := cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	if diff := cmp.Diff([]uint32{dirB}, reloads); diff != "" {
		t.Errorf("CR3 notifications (-want +got):\n%s", diff)
	}
	if cpu.CR3 != dirB {
		t.Errorf("CR3: got 0x%08X, want 0x%08X", cpu.CR3, dirB)
	}

	// Same CR3 does not notify
	d := taskBState()
	d.CR3 = dirB
	f.writeTSS(testTSSD, true, d)
	if err := cpu.JumpToTask(selTSSD); err != nil {
		t.Fatalf("JumpToTask D: %v", err)
	}
	if len(reloads) != 1 {
		t.Errorf("CR3 notifications: got %d, want 1", len(reloads))
	}
}

func TestX86TaskSwitch_CR3IgnoredWithoutPaging(t *testing.T) {
	f := newTaskFixture(t)
	notified := false
	f.cpu.OnCR3Change = func(uint32) { notified = true }
	b := taskBState()
	b.CR3 = 0x101000
	f.writeTSS(testTSSB, true, b)
	if err := f.cpu.JumpToTask(selTSSB); err != nil {
		t.Fatalf("JumpToTask: %v", err)
	}
	if notified || f.cpu.CR3 != 0 {
		t.Errorf("CR3 should not load with paging off: notified=%v CR3=0x%08X", notified, f.cpu.CR3)
	}
}

// pagedFixture maps the first 4MB with 4K pages, leaving the page at
// hole unmapped.
// pagedFixture maps the first 4 MiB one to one, except the page at hole.
// Tasks A and B both name the same page directory in their images.
func pagedFixture(t *testing.T, hole uint32) *taskFixture {
	f := newTaskFixture(t)
	const dir, table = 0x100000, 0x102000
	b := taskBState()
	b.CR3 = dir
	f.writeTSS(testTSSB, true, b)
	f.bus.write32(testTSSA+tss32Layout.cr3, dir)
	f.bus.write32(dir, table|x86PTEReadWrite|x86PTEPresent)
	for i := uint32(0); i < 1024; i++ {
		if i<<12 == hole {
			continue
		}
		f.bus.write32(table+i*4, i<<12|x86PTEReadWrite|x86PTEPresent)
	}
	f.cpu.SetCR3(dir)
	f.cpu.SetCR0(f.cpu.CR0 | x86CR0PG)
	return f
}

func TestX86TaskSwitch_PageFaultAbortsCleanly(t *testing.T) {
	tests := []struct {
		name string
		hole uint32
		call bool
	}{
		{"new TSS unmapped", testTSSB, false},
		{"old TSS unmapped", testTSSA, false},
		{"new TSS unmapped on call", testTSSB, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := pagedFixture(t, tt.hole)
			cpu := f.cpu
			before := cpu.taskSnapshot(cpu.ReadFlags())
			imageA := f.bus.memory[testTSSA : testTSSA+104]
			savedA := append([]byte(nil), imageA...)

			var err error
			if tt.call {
				err = cpu.CallTask(selTSSB)
			} else {
				err = cpu.JumpToTask(selTSSB)
			}
			fault, ok := AsX86Fault(err)
			if !ok || fault.Kind != X86FaultPage {
				t.Fatalf("got %v, want #PF", err)
			}
			if cpu.CR2 != tt.hole || fault.Address != tt.hole {
				t.Errorf("CR2: got 0x%08X, want 0x%08X", cpu.CR2, tt.hole)
			}
			if fault.AfterCommit {
				t.Error("page fault must abort before the commit point")
			}
			if diff := cmp.Diff(savedA, f.bus.memory[testTSSA:testTSSA+104]); diff != "" {
				t.Errorf("old TSS image written (-want +got):\n%s", diff)
			}
			if !f.busy(selTSSA) || f.busy(selTSSB) {
				t.Errorf("busy bits changed: A=%v B=%v", f.busy(selTSSA), f.busy(selTSSB))
			}
			if diff := cmp.Diff(before, cpu.taskSnapshot(cpu.ReadFlags())); diff != "" {
				t.Errorf("state changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestX86TaskSwitch_PagedSwitch(t *testing.T) {
	f := pagedFixture(t, 0x300000)
	cpu := f.cpu
	var reloads []uint32
	cpu.OnCR3Change = func(cr3 uint32) { reloads = append(reloads, cr3) }

	if err := cpu.CallTask(selTSSB); err != nil {
		t.Fatalf("CallTask: %v", err)
	}
	if cpu.CR3 != 0x100000 || cpu.EIP != taskBState().EIP || !cpu.PagingEnabled() {
		t.Errorf("in task B: CR3=0x%08X EIP=0x%08X PG=%v", cpu.CR3, cpu.EIP, cpu.PagingEnabled())
	}
	if link := f.bus.read16(testTSSB); link != selTSSA {
		t.Errorf("B back link: got 0x%04X, want 0x%04X", link, selTSSA)
	}

	if err := cpu.ReturnFromNestedTask(); err != nil {
		t.Fatalf("ReturnFromNestedTask: %v", err)
	}
	if cpu.TR.Selector.Value != selTSSA || cpu.EIP != taskAState().EIP {
		t.Errorf("after iret: TR=0x%04X EIP=0x%08X", cpu.TR.Selector.Value, cpu.EIP)
	}
	if cpu.CR3 != 0x100000 {
		t.Errorf("CR3: got 0x%08X, want 0x00100000", cpu.CR3)
	}
	// both images name the same directory
	if len(reloads) != 0 {
		t.Errorf("CR3 notifications: %v", reloads)
	}
}

func TestX86TaskSource_String(t *testing.T) {
	for src, want := range map[X86TaskSource]string{
		X86TaskFromJump:      "jump",
		X86TaskFromCallOrInt: "call",
		X86TaskFromIRET:      "iret",
		X86TaskSource(9):     "unknown",
	} {
		if got := src.String(); got != want {
			t.Errorf("X86TaskSource(%d): got %q, want %q", int(src), got, want)
		}
	}
}
