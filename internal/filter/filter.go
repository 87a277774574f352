// Package filter implements the per-call trigger lookup and the entry/exit
// filter decision state machine: the arbiter of whether a given call is
// recorded, dropped, depth-capped, or toggles tracing on/off.
package filter

import (
	"sync/atomic"

	"github.com/fntrace/tracer/internal/record"
)

// Mode is the global filter mode set by FTRACE_FILTER.
type Mode int

const (
	ModeNone Mode = iota
	ModeIn
	ModeOut
)

// TriggerFlag is a bit in a Trigger's flag set.
type TriggerFlag uint32

const (
	TrigFilter TriggerFlag = 1 << iota
	TrigDepth
	TrigTrace
	TrigEnable
	TrigDisable
	TrigArgument
	TrigRetval
)

// Trigger is the rule attached to one instruction address.
type Trigger struct {
	Flags   TriggerFlag
	FMode   Mode
	Depth   int
	ArgSpec []record.ArgSpec
	PArgs   bool // true if ArgSpec was populated per-call rather than at init
}

func (t Trigger) matched() bool { return t.Flags != 0 }

// Table is a static, read-only-after-init lookup from instruction address
// to Trigger. Lock-free for readers: after Build returns, no writer ever
// touches it again.
type Table struct {
	byAddr map[uintptr]Trigger
}

// NewTable builds an empty table.
func NewTable() *Table {
	return &Table{byAddr: make(map[uintptr]Trigger)}
}

// Set attaches trig to ip. Callers must finish all Set calls before any
// concurrent Lookup.
func (t *Table) Set(ip uintptr, trig Trigger) {
	t.byAddr[ip] = trig
}

// Lookup returns the trigger for ip, or the zero Trigger (no match) if
// none is attached.
func (t *Table) Lookup(ip uintptr) Trigger {
	return t.byAddr[ip]
}

// State is the per-thread filter bookkeeping from spec's data model:
// {in_count, out_count, depth, saved_depth}.
type State struct {
	InCount    int
	OutCount   int
	Depth      int
	SavedDepth int
}

// CounterKind records which counter an entry incremented, so the matching
// exit can reverse exactly that one.
type CounterKind int

const (
	CounterNone CounterKind = iota
	CounterIn
	CounterOut
)

// Decision is the outcome of evaluating a call's entry.
type Decision int

const (
	FilterOut Decision = iota
	FilterIn
)

// Result carries everything the caller needs to push (or skip) a frame and
// later reverse the filter state on exit.
type Result struct {
	Decision    Decision
	Counter     CounterKind
	FrameFlags  record.Flag
	FilterDepth int
}

// Evaluator holds the process-wide, intentionally racy enable flag and
// global mode, plus the one-shot pending-flush hook fired when tracing
// transitions from enabled to disabled mid-subtree.
type Evaluator struct {
	enabled      int32 // atomic bool, 1 = tracing active
	globalMode   Mode
	defaultDepth int
	onDisable    func()
}

// NewEvaluator creates an evaluator. onDisable, if non-nil, is invoked the
// first time (and only the first time per transition) a DISABLE trigger
// turns tracing off.
func NewEvaluator(mode Mode, defaultDepth int, onDisable func()) *Evaluator {
	e := &Evaluator{globalMode: mode, defaultDepth: defaultDepth, onDisable: onDisable}
	atomic.StoreInt32(&e.enabled, 1)
	return e
}

// Enabled reports the current (racy, intentionally so) global enable bit.
func (e *Evaluator) Enabled() bool {
	return atomic.LoadInt32(&e.enabled) != 0
}

// SetEnabled flips the global bit, firing onDisable exactly once per
// enabled->disabled transition.
func (e *Evaluator) SetEnabled(on bool) {
	var want int32
	if on {
		want = 1
	}
	old := atomic.SwapInt32(&e.enabled, want)
	if old != 0 && want == 0 && e.onDisable != nil {
		e.onDisable()
	}
}

// EntryFilter runs the §4.3 decision table for one call.
func (e *Evaluator) EntryFilter(trig Trigger, st *State) Result {
	if st.OutCount > 0 {
		return Result{Decision: FilterOut}
	}

	saved := st.Depth
	result := Result{FilterDepth: saved}

	establishing := false
	if trig.Flags&TrigFilter != 0 {
		establishing = true
		switch trig.FMode {
		case ModeIn:
			st.InCount++
			result.Counter = CounterIn
		case ModeOut:
			st.OutCount++
			result.Counter = CounterOut
		}
		st.Depth = e.defaultDepth
		result.FrameFlags |= record.FlagFiltered
		if trig.FMode == ModeOut {
			result.FrameFlags |= record.FlagNotrace
			result.Decision = FilterOut
			return result
		}
	} else if e.globalMode == ModeIn && st.InCount == 0 {
		result.Decision = FilterOut
		return result
	}

	if trig.Flags&TrigDepth != 0 {
		establishing = true
		st.Depth = trig.Depth
	}
	if trig.Flags&TrigEnable != 0 {
		e.SetEnabled(true)
	}
	if trig.Flags&TrigDisable != 0 {
		e.SetEnabled(false)
	}

	if !e.Enabled() {
		result.FrameFlags |= record.FlagDisabled
		result.Decision = FilterIn
		e.applyNorecord(st, &result)
		return result
	}

	if !establishing {
		if st.Depth <= 0 {
			result.Decision = FilterOut
			return result
		}
		st.Depth--
	}

	if trig.Flags&TrigArgument != 0 {
		result.FrameFlags |= record.FlagArgument
	}
	if trig.Flags&TrigRetval != 0 {
		result.FrameFlags |= record.FlagRetval
	}
	if trig.Flags&TrigTrace != 0 {
		result.FrameFlags |= record.FlagTrace
	}

	result.Decision = FilterIn
	e.applyNorecord(st, &result)
	return result
}

func (e *Evaluator) applyNorecord(st *State, result *Result) {
	if st.OutCount > 0 || (e.globalMode == ModeIn && st.InCount == 0) {
		result.FrameFlags |= record.FlagNorecord
	}
}

// ExitFilter reverses whichever counter EntryFilter incremented and
// restores the depth budget captured at entry.
func (e *Evaluator) ExitFilter(st *State, counter CounterKind, filterDepth int) {
	switch counter {
	case CounterIn:
		st.InCount--
	case CounterOut:
		st.OutCount--
	}
	st.Depth = filterDepth
}
