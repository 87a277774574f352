// Package hijack implements the return-address hijack engine: installing
// the tracer's trampoline over a caller-supplied return-address slot on
// entry, and the two recovery operations foreign stack unwinders need.
package hijack

import "github.com/fntrace/tracer/internal/record"

// Engine treats parent_loc as an opaque pointer supplied by the
// trampoline; it never inspects the stack layout itself.
type Engine struct {
	trampoline uintptr
}

// New builds an engine that installs trampoline as the hijacked return
// address.
func New(trampoline uintptr) *Engine {
	return &Engine{trampoline: trampoline}
}

// Hijack overwrites *parentSlot with the trampoline address and returns
// the original return address, which the caller stores as the frame's
// ParentIP.
func (e *Engine) Hijack(parentSlot *uintptr) uintptr {
	orig := *parentSlot
	*parentSlot = e.trampoline
	return orig
}

// Restore writes every saved ParentIP back into its ParentSlot, top to
// bottom (innermost frame first), repairing the real call stack for a
// foreign unwinder (longjmp, exceptions).
func (e *Engine) Restore(stack []*record.Frame) {
	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		if f.ParentSlot != nil {
			*f.ParentSlot = f.ParentIP
		}
	}
}

// Reset reinstalls the trampoline address over every parent slot, top to
// bottom, undoing a prior Restore.
func (e *Engine) Reset(stack []*record.Frame) {
	for i := len(stack) - 1; i >= 0; i-- {
		f := stack[i]
		if f.ParentSlot != nil {
			*f.ParentSlot = e.trampoline
		}
	}
}
