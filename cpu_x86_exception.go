// cpu_x86_exception.go - x86 protected mode fault values
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"fmt"
)

// X86FaultKind classifies a guest visible fault.
type X86FaultKind int

const (
	X86FaultInvalidTSS X86FaultKind = iota
	X86FaultNotPresent
	X86FaultStack
	X86FaultGeneralProtection
	X86FaultPage
)

// Exception vectors
const (
	x86VectorDebug      = 0x01
	x86VectorInvalidTSS = 0x0A
	x86VectorNotPresent = 0x0B
	x86VectorStack      = 0x0C
	x86VectorGP         = 0x0D
	x86VectorPageFault  = 0x0E
)

// Page fault error code bits
const (
	x86PFErrPresent = 1 << 0
	x86PFErrWrite   = 1 << 1
	x86PFErrUser    = 1 << 2
)

var x86FaultNames = map[X86FaultKind]string{
	X86FaultInvalidTSS:        "#TS",
	X86FaultNotPresent:        "#NP",
	X86FaultStack:             "#SS",
	X86FaultGeneralProtection: "#GP",
	X86FaultPage:              "#PF",
}

// X86Fault is a fault to be delivered to the guest. The instruction
// dispatcher vectors to the guest handler using Vector and ErrorCode.
type X86Fault struct {
	Kind      X86FaultKind
	Vector    uint8
	ErrorCode uint32

	// AfterCommit is set when the fault was raised past the task switch
	// commit point, i.e. in the context of the new task.
	AfterCommit bool

	// Address is the faulting linear address for page faults.
	Address uint32
}

func (f *X86Fault) Error() string {
	name := x86FaultNames[f.Kind]
	if f.Kind == X86FaultPage {
		return fmt.Sprintf("%s(%04X) at linear 0x%08X", name, f.ErrorCode, f.Address)
	}
	if f.AfterCommit {
		return fmt.Sprintf("%s(%04X) after commit", name, f.ErrorCode)
	}
	return fmt.Sprintf("%s(%04X)", name, f.ErrorCode)
}

func newX86Fault(kind X86FaultKind, code uint16) *X86Fault {
	f := &X86Fault{Kind: kind, ErrorCode: uint32(code)}
	switch kind {
	case X86FaultInvalidTSS:
		f.Vector = x86VectorInvalidTSS
	case X86FaultNotPresent:
		f.Vector = x86VectorNotPresent
	case X86FaultStack:
		f.Vector = x86VectorStack
	case X86FaultGeneralProtection:
		f.Vector = x86VectorGP
	case X86FaultPage:
		f.Vector = x86VectorPageFault
	}
	return f
}

func newX86PageFault(laddr uint32, code uint32) *X86Fault {
	return &X86Fault{
		Kind:      X86FaultPage,
		Vector:    x86VectorPageFault,
		ErrorCode: code,
		Address:   laddr,
	}
}

// AsX86Fault extracts a guest fault from err.
func AsX86Fault(err error) (*X86Fault, bool) {
	var f *X86Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// x86ProgrammingError is the panic value for emulator defects, e.g. a
// stack lookup while TR holds no valid TSS. It is never delivered to a guest.
type x86ProgrammingError struct {
	msg string
}

func (e x86ProgrammingError) Error() string {
	return "x86 emulator defect: " + e.msg
}

func x86Panicf(format string, args ...any) {
	panic(x86ProgrammingError{msg: fmt.Sprintf(format, args...)})
}
