// cpu_x86_descriptor.go - x86 selectors and segment/system descriptors
//
// Selectors and descriptors are transient values: they are decoded fresh
// from descriptor table memory every time they are needed and are only
// retained inside the segment register shadow caches.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import "fmt"

// System descriptor type codes (S=0)
const (
	x86SysAvail286TSS = 0x1
	x86SysLDT         = 0x2
	x86SysBusy286TSS  = 0x3
	x86SysCallGate286 = 0x4
	x86SysTaskGate    = 0x5
	x86SysIntGate286  = 0x6
	x86SysTrapGate286 = 0x7
	x86SysAvail386TSS = 0x9
	x86SysBusy386TSS  = 0xB
	x86SysCallGate386 = 0xC
	x86SysIntGate386  = 0xE
	x86SysTrapGate386 = 0xF
)

// Code/data type bits (S=1)
const (
	x86SegTypeAccessed   = 1 << 0
	x86SegTypeReadWrite  = 1 << 1 // readable code / writable data
	x86SegTypeConforming = 1 << 2 // conforming code / expand-down data
	x86SegTypeExecutable = 1 << 3
)

const (
	x86TSSTypeBusyBit  = 0x2        // busy bit inside the 4-bit type code
	x86DescDword2Busy  = 0x00000200 // same bit inside the high descriptor dword
	x86SelectorRPLMask = 0xFFFC     // selector with RPL cleared, used as error code
)

// Access byte helpers for building descriptors
const (
	x86AccessPresent = 0x80
	x86AccessSegment = 0x10
)

// Flags nibble (upper nibble of byte 6)
const (
	x86DescFlagGranularity = 0x8
	x86DescFlagDefaultBig  = 0x4
	x86DescFlagLong        = 0x2
	x86DescFlagAVL         = 0x1
)

// X86Selector is a decoded 16-bit segment selector.
type X86Selector struct {
	Value uint16
	Index uint16 // 13-bit table index
	TI    bool   // true = LDT, false = GDT
	RPL   uint8
}

// ParseX86Selector splits a raw selector into its fields.
func ParseX86Selector(raw uint16) X86Selector {
	return X86Selector{
		Value: raw,
		Index: raw >> 3,
		TI:    raw&0x4 != 0,
		RPL:   uint8(raw & 0x3),
	}
}

// IsNull reports whether the selector refers to the null descriptor.
func (s X86Selector) IsNull() bool {
	return s.Value&x86SelectorRPLMask == 0
}

// ErrorCode returns the selector as reported in a fault error code.
func (s X86Selector) ErrorCode() uint16 {
	return s.Value & x86SelectorRPLMask
}

func (s X86Selector) String() string {
	table := "GDT"
	if s.TI {
		table = "LDT"
	}
	return fmt.Sprintf("%04X(%s[%d] rpl=%d)", s.Value, table, s.Index, s.RPL)
}

// X86DescriptorKind tags which payload of an X86Descriptor is meaningful.
type X86DescriptorKind int

const (
	X86DescInvalid X86DescriptorKind = iota
	X86DescSegment
	X86DescLDT
	X86DescTSS
	X86DescGate
)

// X86SegmentFields holds the code/data segment payload.
type X86SegmentFields struct {
	Base        uint32
	Limit       uint32 // raw 20-bit limit
	LimitScaled uint32 // limit in bytes after granularity scaling
	Executable  bool
	ReadWrite   bool // readable (code) or writable (data)
	ConformExp  bool // conforming (code) or expand-down (data)
	Accessed    bool
	Granularity bool
	DefaultBig  bool
	AVL         bool
}

// X86LDTFields holds the LDT descriptor payload.
type X86LDTFields struct {
	Base        uint32
	Limit       uint32
	LimitScaled uint32
}

// X86TSSFields holds the TSS descriptor payload. Is32 selects the layout.
type X86TSSFields struct {
	Base        uint32
	Limit       uint32
	LimitScaled uint32
	Granularity bool
	AVL         bool
	Is32        bool
}

// X86GateFields holds call/task/interrupt/trap gate payloads.
type X86GateFields struct {
	Selector   uint16
	Offset     uint32
	ParamCount uint8
}

// X86Descriptor is the decoded form of an 8-byte descriptor table entry.
type X86Descriptor struct {
	Valid   bool
	Present bool
	DPL     uint8
	Segment bool // S bit: code/data when set, system when clear
	Type    uint8

	Seg  X86SegmentFields
	LDT  X86LDTFields
	TSS  X86TSSFields
	Gate X86GateFields
}

// Kind reports which payload the descriptor carries.
func (d *X86Descriptor) Kind() X86DescriptorKind {
	if !d.Valid {
		return X86DescInvalid
	}
	if d.Segment {
		return X86DescSegment
	}
	switch d.Type {
	case x86SysLDT:
		return X86DescLDT
	case x86SysAvail286TSS, x86SysBusy286TSS, x86SysAvail386TSS, x86SysBusy386TSS:
		return X86DescTSS
	}
	return X86DescGate
}

// IsTSS reports whether the descriptor is an available or busy TSS.
func (d *X86Descriptor) IsTSS() bool {
	return d.Kind() == X86DescTSS
}

// IsBusyTSS reports whether the descriptor is a busy 16- or 32-bit TSS.
func (d *X86Descriptor) IsBusyTSS() bool {
	return d.IsTSS() && d.Type&x86TSSTypeBusyBit != 0
}

// IsDataOrReadableCode reports whether the segment can be loaded into DS/ES/FS/GS.
func (d *X86Descriptor) IsDataOrReadableCode() bool {
	return d.Segment && (!d.Seg.Executable || d.Seg.ReadWrite)
}

func scaleLimit(limit uint32, granularity bool) uint32 {
	if granularity {
		return limit<<12 | 0xFFF
	}
	return limit
}

// ParseX86Descriptor decodes the low (dword1) and high (dword2) halves of
// a descriptor table entry.
func ParseX86Descriptor(dword1, dword2 uint32) X86Descriptor {
	d := X86Descriptor{
		Present: dword2&0x8000 != 0,
		DPL:     uint8((dword2 >> 13) & 0x3),
		Segment: dword2&0x1000 != 0,
		Type:    uint8((dword2 >> 8) & 0xF),
	}

	base24 := (dword1 >> 16) | (dword2&0xFF)<<16
	base32 := base24 | dword2&0xFF000000
	limit20 := dword1&0xFFFF | dword2&0x000F0000
	gran := dword2&0x00800000 != 0
	avl := dword2&0x00100000 != 0

	if d.Segment {
		d.Seg = X86SegmentFields{
			Base:        base32,
			Limit:       limit20,
			LimitScaled: scaleLimit(limit20, gran),
			Executable:  d.Type&x86SegTypeExecutable != 0,
			ReadWrite:   d.Type&x86SegTypeReadWrite != 0,
			ConformExp:  d.Type&x86SegTypeConforming != 0,
			Accessed:    d.Type&x86SegTypeAccessed != 0,
			Granularity: gran,
			DefaultBig:  dword2&0x00400000 != 0,
			AVL:         avl,
		}
		d.Valid = true
		return d
	}

	switch d.Type {
	case x86SysAvail286TSS, x86SysBusy286TSS:
		// 286 TSS descriptors carry a 24-bit base and 16-bit limit
		limit := dword1 & 0xFFFF
		d.TSS = X86TSSFields{Base: base24, Limit: limit, LimitScaled: limit}
		d.Valid = true
	case x86SysLDT:
		d.LDT = X86LDTFields{Base: base32, Limit: limit20, LimitScaled: scaleLimit(limit20, gran)}
		d.Valid = true
	case x86SysAvail386TSS, x86SysBusy386TSS:
		d.TSS = X86TSSFields{
			Base:        base32,
			Limit:       limit20,
			LimitScaled: scaleLimit(limit20, gran),
			Granularity: gran,
			AVL:         avl,
			Is32:        true,
		}
		d.Valid = true
	case x86SysCallGate286, x86SysIntGate286, x86SysTrapGate286:
		d.Gate = X86GateFields{
			Selector:   uint16(dword1 >> 16),
			Offset:     dword1 & 0xFFFF,
			ParamCount: uint8(dword2 & 0x1F),
		}
		d.Valid = true
	case x86SysCallGate386, x86SysIntGate386, x86SysTrapGate386:
		d.Gate = X86GateFields{
			Selector:   uint16(dword1 >> 16),
			Offset:     dword1&0xFFFF | dword2&0xFFFF0000,
			ParamCount: uint8(dword2 & 0x1F),
		}
		d.Valid = true
	case x86SysTaskGate:
		d.Gate = X86GateFields{Selector: uint16(dword1 >> 16)}
		d.Valid = true
	default:
		// 0, 8, 10 and 13 are reserved
		d.Valid = false
	}
	return d
}

// EncodeX86Descriptor builds the two dwords of a segment or system
// descriptor. access is the P/DPL/S/type byte and flags the G/DB/L/AVL
// nibble.
func EncodeX86Descriptor(base, limit uint32, access, flags uint8) (dword1, dword2 uint32) {
	dword1 = (base&0xFFFF)<<16 | limit&0xFFFF
	dword2 = base&0xFF000000 |
		uint32(flags&0xF)<<20 |
		limit&0x000F0000 |
		uint32(access)<<8 |
		(base>>16)&0xFF
	return dword1, dword2
}

// EncodeX86Gate builds a gate descriptor pointing at selector:offset.
func EncodeX86Gate(selector uint16, offset uint32, access uint8, params uint8) (dword1, dword2 uint32) {
	dword1 = uint32(selector)<<16 | offset&0xFFFF
	dword2 = offset&0xFFFF0000 | uint32(access)<<8 | uint32(params&0x1F)
	return dword1, dword2
}

// X86Access composes an access byte from its fields.
func X86Access(present bool, dpl uint8, segment bool, typ uint8) uint8 {
	a := (dpl&3)<<5 | typ&0xF
	if present {
		a |= x86AccessPresent
	}
	if segment {
		a |= x86AccessSegment
	}
	return a
}
