// cpu_x86_tss.go - 16-bit (286) and 32-bit (386) TSS layouts
//
// 286 TSS                          386 TSS
//   0 back link                      0x00 back link
//   2 SP0   4 SS0                    0x04 ESP0  0x08 SS0
//   6 SP1   8 SS1                    0x0C ESP1  0x10 SS1
//  10 SP2  12 SS2                    0x14 ESP2  0x18 SS2
//  14 IP   16 FLAGS                  0x1C CR3   0x20 EIP   0x24 EFLAGS
//  18..32 AX CX DX BX SP BP SI DI    0x28..0x44 EAX..EDI
//  34 ES 36 CS 38 SS 40 DS           0x48 ES 0x4C CS 0x50 SS 0x54 DS 0x58 FS 0x5C GS
//  42 LDT                            0x60 LDT   0x64 T bit   0x66 I/O map base
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "encoding/binary"

// X86TaskState is the register image a TSS holds for a suspended task.
type X86TaskState struct {
	EIP      uint32
	EFlags   uint32
	Regs     [8]uint32 // EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI
	Sregs    [6]uint16 // ES, CS, SS, DS, FS, GS
	LDT      uint16
	CR3      uint32
	TrapWord uint16
}

// X86StackPointer is one privilege level stack slot of a TSS.
type X86StackPointer struct {
	SS  uint16
	ESP uint32
}

// tssLayout describes where one TSS format keeps each field. There are
// exactly two: tss16Layout and tss32Layout.
type tssLayout struct {
	name      string
	is32      bool
	minLimit  uint32 // smallest legal descriptor limit
	width     uint32 // general register / IP / flags width in bytes
	backLink  uint32
	stackBase uint32 // SP of privilege level 0
	stackStep uint32 // distance between privilege level slots
	cr3       uint32
	eip       uint32
	eflags    uint32
	regs      uint32
	sregs     [6]uint32
	nsregs    int // selectors held: ES CS SS DS [FS GS]
	ldt       uint32
	trap      uint32
	ioMap     uint32
}

var tss16Layout = tssLayout{
	name:      "286",
	minLimit:  43,
	width:     2,
	backLink:  0,
	stackBase: 2,
	stackStep: 4,
	eip:       14,
	eflags:    16,
	regs:      18,
	sregs:     [6]uint32{34, 36, 38, 40},
	nsregs:    4,
	ldt:       42,
}

var tss32Layout = tssLayout{
	name:      "386",
	is32:      true,
	minLimit:  103,
	width:     4,
	backLink:  0x00,
	stackBase: 0x04,
	stackStep: 8,
	cr3:       0x1C,
	eip:       0x20,
	eflags:    0x24,
	regs:      0x28,
	sregs:     [6]uint32{0x48, 0x4C, 0x50, 0x54, 0x58, 0x5C},
	nsregs:    6,
	ldt:       0x60,
	trap:      0x64,
	ioMap:     0x66,
}

// tssLayoutForType picks the layout from a TSS descriptor type code.
func tssLayoutForType(typ uint8) *tssLayout {
	if typ <= x86SysBusy286TSS {
		return &tss16Layout
	}
	return &tss32Layout
}

// size is the number of bytes the layout occupies (minLimit + 1).
func (l *tssLayout) size() uint32 {
	return l.minLimit + 1
}

func (l *tssLayout) writeWord(c *CPU_X86, addr, v uint32) error {
	if l.width == 4 {
		return c.writeLinear32(addr, v)
	}
	return c.writeLinear16(addr, uint16(v))
}

func (l *tssLayout) readWord(c *CPU_X86, addr uint32) (uint32, error) {
	if l.width == 4 {
		return c.readLinear32(addr)
	}
	v, err := c.readLinear16(addr)
	return uint32(v), err
}

// saveState writes the outgoing task's dynamic state: instruction
// pointer, flags, general registers then segment selectors, in that order.
func (l *tssLayout) saveState(c *CPU_X86, base uint32, st *X86TaskState) error {
	if err := l.writeWord(c, base+l.eip, st.EIP); err != nil {
		return err
	}
	if err := l.writeWord(c, base+l.eflags, st.EFlags); err != nil {
		return err
	}
	for i, v := range st.Regs {
		if err := l.writeWord(c, base+l.regs+uint32(i)*l.width, v); err != nil {
			return err
		}
	}
	for i := range l.nsregs {
		if err := c.writeLinear16(base+l.sregs[i], st.Sregs[i]); err != nil {
			return err
		}
	}
	return nil
}

// loadState reads the incoming task's state. CR3 is only read from a
// 386 TSS while paging is enabled. A 286 TSS yields general registers
// with the upper word forced to 0xFFFF and null FS/GS.
func (l *tssLayout) loadState(c *CPU_X86, base uint32, paging bool) (X86TaskState, error) {
	var st X86TaskState
	var err error

	if l.is32 && paging {
		if st.CR3, err = c.readLinear32(base + l.cr3); err != nil {
			return st, err
		}
	}
	if st.EIP, err = l.readWord(c, base+l.eip); err != nil {
		return st, err
	}
	if st.EFlags, err = l.readWord(c, base+l.eflags); err != nil {
		return st, err
	}
	for i := range st.Regs {
		v, err := l.readWord(c, base+l.regs+uint32(i)*l.width)
		if err != nil {
			return st, err
		}
		if !l.is32 {
			v |= 0xFFFF0000
		}
		st.Regs[i] = v
	}
	for i := range l.nsregs {
		if st.Sregs[i], err = c.readLinear16(base + l.sregs[i]); err != nil {
			return st, err
		}
	}
	if st.LDT, err = c.readLinear16(base + l.ldt); err != nil {
		return st, err
	}
	if l.is32 {
		if st.TrapWord, err = c.readLinear16(base + l.trap); err != nil {
			return st, err
		}
	}
	return st, nil
}

// stackSlot returns the offsets of the SP and SS fields for privilege
// level pl and the highest offset the limit check must cover.
func (l *tssLayout) stackSlot(pl uint8) (spOff, ssOff, last uint32) {
	spOff = l.stackBase + uint32(pl)*l.stackStep
	ssOff = spOff + l.width
	if l.is32 {
		return spOff, ssOff, spOff + 7
	}
	// 286 parts check one byte past the SS field
	return spOff, ssOff, spOff + 4
}

// EncodeTSS renders a complete TSS image for the given format. Used when
// building guest memory from a machine description.
func EncodeTSS(is32 bool, st X86TaskState, stacks [3]X86StackPointer, link, ioMap uint16) []byte {
	l := &tss16Layout
	if is32 {
		l = &tss32Layout
	}
	buf := make([]byte, l.size())
	put := func(off uint32, width uint32, v uint32) {
		if width == 4 {
			binary.LittleEndian.PutUint32(buf[off:], v)
		} else {
			binary.LittleEndian.PutUint16(buf[off:], uint16(v))
		}
	}

	put(l.backLink, 2, uint32(link))
	for pl, sp := range stacks {
		spOff, ssOff, _ := l.stackSlot(uint8(pl))
		put(spOff, l.width, sp.ESP)
		put(ssOff, 2, uint32(sp.SS))
	}
	if is32 {
		put(l.cr3, 4, st.CR3)
		put(l.trap, 2, uint32(st.TrapWord))
		put(l.ioMap, 2, uint32(ioMap))
	}
	put(l.eip, l.width, st.EIP)
	put(l.eflags, l.width, st.EFlags)
	for i, v := range st.Regs {
		put(l.regs+uint32(i)*l.width, l.width, v)
	}
	for i := range l.nsregs {
		put(l.sregs[i], 2, uint32(st.Sregs[i]))
	}
	put(l.ldt, 2, uint32(st.LDT))
	return buf
}

// DecodeTSS parses a TSS image back into its register state, link field
// and stack slots. Unlike a task switch it keeps 286 register values as
// stored.
func DecodeTSS(is32 bool, image []byte) (st X86TaskState, stacks [3]X86StackPointer, link uint16) {
	l := &tss16Layout
	if is32 {
		l = &tss32Layout
	}
	if uint32(len(image)) < l.size() {
		padded := make([]byte, l.size())
		copy(padded, image)
		image = padded
	}
	get := func(off uint32, width uint32) uint32 {
		if width == 4 {
			return binary.LittleEndian.Uint32(image[off:])
		}
		return uint32(binary.LittleEndian.Uint16(image[off:]))
	}

	link = uint16(get(l.backLink, 2))
	for pl := range stacks {
		spOff, ssOff, _ := l.stackSlot(uint8(pl))
		stacks[pl] = X86StackPointer{SS: uint16(get(ssOff, 2)), ESP: get(spOff, l.width)}
	}
	if is32 {
		st.CR3 = get(l.cr3, 4)
		st.TrapWord = uint16(get(l.trap, 2))
	}
	st.EIP = get(l.eip, l.width)
	st.EFlags = get(l.eflags, l.width)
	for i := range st.Regs {
		st.Regs[i] = get(l.regs+uint32(i)*l.width, l.width)
	}
	for i := range l.nsregs {
		st.Sregs[i] = uint16(get(l.sregs[i], 2))
	}
	st.LDT = uint16(get(l.ldt, 2))
	return st, stacks, link
}
