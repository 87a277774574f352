// Package symtab narrows the symbol/loader collaborator spec.md treats as
// an external service (symbol resolution and demangling are explicitly
// out of scope) down to the small interface the tracer actually consumes:
// loading symbol tables and building trigger tables from spec strings.
package symtab

import (
	"fmt"

	"github.com/fntrace/tracer/internal/filter"
)

// Symtabs is an opaque handle to a loaded set of symbol tables; its
// contents are owned entirely by whatever Loader produced it.
type Symtabs interface{}

// Loader is the narrow interface to the external symbol/loader service.
type Loader interface {
	LoadSymtabs(path string) (Symtabs, error)
	SetupFilter(spec string, symtabs Symtabs, section string, table *filter.Table, mode *filter.Mode) error
	SetupTrigger(spec string, symtabs Symtabs, section string, table *filter.Table) error
	SetupArgument(spec string, symtabs Symtabs, section string, table *filter.Table) error
	SetupRetval(spec string, symtabs Symtabs, section string, table *filter.Table) error
	MatchFilter(table *filter.Table, ip uintptr) (filter.Trigger, bool)
	HookPLTGOT(exe string) error
}

// Static is a Loader backed by a plain in-memory map, suitable for tests
// and for programs that build their trigger table programmatically
// instead of parsing FTRACE_FILTER/TRIGGER/ARGUMENT/RETVAL spec strings.
type Static struct {
	Symbols map[string]uintptr
}

// NewStatic builds a Static loader over the given symbol table.
func NewStatic(symbols map[string]uintptr) *Static {
	if symbols == nil {
		symbols = make(map[string]uintptr)
	}
	return &Static{Symbols: symbols}
}

// staticSymtabs is the Symtabs value a Static loader hands back.
type staticSymtabs struct {
	symbols map[string]uintptr
}

func (s *Static) LoadSymtabs(path string) (Symtabs, error) {
	return staticSymtabs{symbols: s.Symbols}, nil
}

// specEntry is one term of a spec string ("name" or "name@action"), split
// on commas by parseSpec.
type specEntry struct {
	name string
}

func parseSpec(spec string) []specEntry {
	var entries []specEntry
	start := 0
	for i := 0; i <= len(spec); i++ {
		if i == len(spec) || spec[i] == ',' {
			if i > start {
				entries = append(entries, specEntry{name: spec[start:i]})
			}
			start = i + 1
		}
	}
	return entries
}

func (s *Static) resolve(st Symtabs, name string) (uintptr, bool) {
	tabs, ok := st.(staticSymtabs)
	if !ok {
		return 0, false
	}
	addr, ok := tabs.symbols[name]
	return addr, ok
}

// SetupFilter parses a comma-separated FTRACE_FILTER spec ("name" entries
// mean FILTER_MODE_IN unless prefixed with "!", which means
// FILTER_MODE_OUT) and attaches FILTER triggers to the matching addresses.
// If *mode is still ModeNone, the first entry determines it: ModeOut if
// that entry is "!"-prefixed, otherwise ModeIn. Later entries leave it.
func (s *Static) SetupFilter(spec string, st Symtabs, section string, table *filter.Table, mode *filter.Mode) error {
	if spec == "" {
		return nil
	}
	for _, e := range parseSpec(spec) {
		name := e.name
		fmode := filter.ModeIn
		if len(name) > 0 && name[0] == '!' {
			fmode = filter.ModeOut
			name = name[1:]
		}
		addr, ok := s.resolve(st, name)
		if !ok {
			return fmt.Errorf("symtab: unknown filter symbol %q", name)
		}
		trig := table.Lookup(addr)
		trig.Flags |= filter.TrigFilter
		trig.FMode = fmode
		table.Set(addr, trig)
		if *mode == filter.ModeNone {
			*mode = fmode
		}
	}
	return nil
}

// SetupTrigger parses "name@action" entries from FTRACE_TRIGGER. Supported
// actions: "depth=N", "trace_on", "trace_off", "notrace".
func (s *Static) SetupTrigger(spec string, st Symtabs, section string, table *filter.Table) error {
	if spec == "" {
		return nil
	}
	for _, e := range parseSpec(spec) {
		name, action, ok := splitAt(e.name, '@')
		if !ok {
			return fmt.Errorf("symtab: malformed trigger spec %q", e.name)
		}
		addr, ok := s.resolve(st, name)
		if !ok {
			return fmt.Errorf("symtab: unknown trigger symbol %q", name)
		}
		trig := table.Lookup(addr)
		switch {
		case action == "trace_on":
			trig.Flags |= filter.TrigEnable
		case action == "trace_off":
			trig.Flags |= filter.TrigDisable
		case action == "notrace":
			trig.Flags |= filter.TrigFilter
			trig.FMode = filter.ModeOut
		case len(action) > 6 && action[:6] == "depth=":
			n, err := atoiSimple(action[6:])
			if err != nil {
				return fmt.Errorf("symtab: bad depth in %q: %w", e.name, err)
			}
			trig.Flags |= filter.TrigDepth
			trig.Depth = n
		default:
			return fmt.Errorf("symtab: unknown trigger action %q", action)
		}
		table.Set(addr, trig)
	}
	return nil
}

// SetupArgument parses comma-separated "name" or "name@..." entries from
// FTRACE_ARGUMENT and marks the matching triggers to capture arguments.
// Text after "@" is ignored, and since commas separate entries it cannot
// list several arguments. Only the ARGUMENT flag is set here: no ArgSpec
// list is attached, so OnEntry captures no values for such a trigger
// unless its ArgSpec is filled in some other way.
func (s *Static) SetupArgument(spec string, st Symtabs, section string, table *filter.Table) error {
	return s.setupArgFlag(spec, st, table, filter.TrigArgument)
}

// SetupRetval mirrors SetupArgument for FTRACE_RETVAL.
func (s *Static) SetupRetval(spec string, st Symtabs, section string, table *filter.Table) error {
	return s.setupArgFlag(spec, st, table, filter.TrigRetval)
}

func (s *Static) setupArgFlag(spec string, st Symtabs, table *filter.Table, flag filter.TriggerFlag) error {
	if spec == "" {
		return nil
	}
	for _, e := range parseSpec(spec) {
		name, _, _ := splitAt(e.name, '@')
		addr, ok := s.resolve(st, name)
		if !ok {
			return fmt.Errorf("symtab: unknown symbol %q", name)
		}
		trig := table.Lookup(addr)
		trig.Flags |= flag
		table.Set(addr, trig)
	}
	return nil
}

// MatchFilter looks up the trigger attached to ip.
func (s *Static) MatchFilter(table *filter.Table, ip uintptr) (filter.Trigger, bool) {
	trig := table.Lookup(ip)
	return trig, trig.Flags != 0
}

// HookPLTGOT is a no-op for the Static loader: PLT/GOT hooking is an
// external arch/symbol concern (spec.md §1's scope boundary), not
// something a static in-memory table can perform.
func (s *Static) HookPLTGOT(exe string) error {
	return nil
}

func splitAt(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func atoiSimple(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty integer")
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
