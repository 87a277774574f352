// Package archhook narrows the arch-specific trampoline collaborator
// spec.md reduces to an interface: reading a raw register value for an
// argument/retval spec, and remapping a parent return slot when the ABI
// requires it.
package archhook

import (
	"fmt"

	"github.com/fntrace/tracer/internal/record"
	"github.com/fntrace/tracer/internal/symtab"
)

// Regs is an opaque capture of the register file passed to OnEntry; its
// layout is entirely arch-defined, and only an Arch implementation reaches
// into it.
type Regs interface{}

// Arch is the narrow interface to the arch-specific trampoline and
// register-file reader.
type Arch interface {
	// ReturnTrampoline is the fixed entry point overwritten into a hijacked
	// return-address slot.
	ReturnTrampoline() uintptr
	// GetArg reads one scalar argument/retval value out of regs per spec.
	GetArg(regs Regs, spec record.ArgSpec) (int64, error)
	// GetStringArg reads one ArgString argument out of regs. isNil
	// distinguishes a null pointer argument from an empty string.
	GetStringArg(regs Regs, spec record.ArgSpec) (s string, isNil bool, err error)
	// ParentLocation optionally remaps parentLoc to the real return slot;
	// implementations that need no remapping return parentLoc unchanged.
	ParentLocation(symtabs symtab.Symtabs, parentLoc *uintptr, childIP uintptr) *uintptr
}

// Generic is an Arch that performs no remapping, for ABIs where the
// trampoline-supplied parentLoc is already correct.
type Generic struct {
	Trampoline uintptr
}

// NewGeneric builds a Generic arch hook over a fixed trampoline address.
func NewGeneric(trampoline uintptr) *Generic {
	return &Generic{Trampoline: trampoline}
}

func (g *Generic) ReturnTrampoline() uintptr { return g.Trampoline }

// StringRegs is the test/embedding convenience register-file
// representation for string-valued arguments: plain map[int]int64 has no
// room for them, so GetStringArg also accepts this richer form carrying
// both kinds of register.
type StringRegs struct {
	Ints    map[int]int64
	Strings map[int]string // absence of a key means a nil pointer argument
}

// GetArg requires regs to be a map[int]int64 or a StringRegs keyed by
// register number; this is a test/embedding convenience, not a real
// register-file reader.
func (g *Generic) GetArg(regs Regs, spec record.ArgSpec) (int64, error) {
	var m map[int]int64
	switch r := regs.(type) {
	case map[int]int64:
		m = r
	case StringRegs:
		m = r.Ints
	default:
		return 0, fmt.Errorf("archhook: Generic.GetArg requires map[int]int64 or StringRegs, got %T", regs)
	}
	v, ok := m[spec.Reg]
	if !ok {
		return 0, fmt.Errorf("archhook: no value for register %d", spec.Reg)
	}
	return v, nil
}

// GetStringArg requires regs to be a StringRegs; a register number with no
// entry in Strings reports a nil pointer argument.
func (g *Generic) GetStringArg(regs Regs, spec record.ArgSpec) (string, bool, error) {
	r, ok := regs.(StringRegs)
	if !ok {
		return "", false, fmt.Errorf("archhook: Generic.GetStringArg requires StringRegs, got %T", regs)
	}
	s, ok := r.Strings[spec.Reg]
	if !ok {
		return "", true, nil
	}
	return s, false, nil
}

func (g *Generic) ParentLocation(symtabs symtab.Symtabs, parentLoc *uintptr, childIP uintptr) *uintptr {
	return parentLoc
}
