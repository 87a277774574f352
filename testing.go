package tracer

import (
	"github.com/fntrace/tracer/internal/archhook"
	"github.com/fntrace/tracer/internal/config"
	"github.com/fntrace/tracer/internal/filter"
	"github.com/fntrace/tracer/internal/shmem"
	"github.com/fntrace/tracer/internal/symtab"
)

// Harness stands in for the compiled prologue/epilogue trampoline in
// tests: it wraps a Thread over a programmable symtab.Static symbol table
// and a directly-settable trigger table, so a test can call Enter/Exit
// with a bare instruction address instead of driving real machine code.
type Harness struct {
	Tracer *Tracer
	Thread *Thread

	symbols map[string]uintptr
	regs    archhook.Regs
}

// NewHarness starts a Tracer over a Static loader seeded with symbols and
// attaches one Thread to it. cfg may be nil, in which case Start loads it
// from the FTRACE_* environment; its
// Filter/Trigger/Argument/Retval fields are parsed by the Static loader
// exactly as Start would for a real process.
func NewHarness(symbols map[string]uintptr, cfg *config.Config) (*Harness, error) {
	if symbols == nil {
		symbols = make(map[string]uintptr)
	}
	loader := symtab.NewStatic(symbols)
	tr, err := Start(&Options{
		Config: cfg,
		Arch:   archhook.NewGeneric(1),
		Loader: loader,
	})
	if err != nil {
		return nil, err
	}
	th, err := tr.Attach()
	if err != nil {
		_ = Stop(tr)
		return nil, err
	}
	return &Harness{Tracer: tr, Thread: th, symbols: symbols}, nil
}

// SetTrigger attaches trig directly to the symbol name, bypassing the
// FTRACE_FILTER/TRIGGER/ARGUMENT/RETVAL spec-string grammar entirely. This
// is how a test builds an ARGUMENT trigger with a concrete ArgSpec list,
// which the spec-string loader has no syntax for.
func (h *Harness) SetTrigger(name string, trig filter.Trigger) {
	h.Tracer.table.Set(h.Addr(name), trig)
}

// Addr returns the address a symbol name resolves to, registering a fresh
// one on first use so tests never have to hand-pick addresses.
func (h *Harness) Addr(name string) uintptr {
	addr, ok := h.symbols[name]
	if !ok {
		addr = uintptr(len(h.symbols) + 1)
		h.symbols[name] = addr
	}
	return addr
}

// SetRegs installs the register-file value OnEntry/OnExit will see on every
// subsequent Enter/Exit call, until changed again.
func (h *Harness) SetRegs(regs archhook.Regs) {
	h.regs = regs
}

// Enter simulates the hijacked prologue for a call into the function at
// childIP: it allocates a fresh return-address slot, the way the
// trampoline would off its own stack frame, and returns it so a test can
// assert on the hijacked value.
func (h *Harness) Enter(childIP uintptr) *uintptr {
	slot := new(uintptr)
	*slot = childIP | 1 // stand-in "real" return address, distinct from any childIP
	if err := h.Thread.OnEntry(childIP, slot, h.regs); err != nil {
		return nil
	}
	return slot
}

// Exit simulates the hijacked epilogue.
func (h *Harness) Exit(retval int64) error {
	return h.Thread.OnExit(retval, h.regs)
}

// Ring exposes the thread's shmem ring directly, so a test can stand in
// for the external recorder: read Current().Payload(), call
// MarkConsumed() on a buffer so a later rotation can reuse it, or inspect
// NumBuffers.
func (h *Harness) Ring() *shmem.Ring {
	return h.Thread.state.Ring
}

// Close detaches the harness's thread and stops its tracer.
func (h *Harness) Close() error {
	err := h.Thread.Detach()
	if serr := Stop(h.Tracer); err == nil {
		err = serr
	}
	return err
}
