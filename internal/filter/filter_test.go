package filter

import "testing"

func TestDepthCapAllowsOneNestedLevel(t *testing.T) {
	e := NewEvaluator(ModeNone, 1<<30, nil)
	st := &State{Depth: 1 << 30}

	gTrig := Trigger{Flags: TrigDepth, Depth: 1}
	gRes := e.EntryFilter(gTrig, st)
	if gRes.Decision != FilterIn {
		t.Fatalf("g: decision = %v, want FilterIn", gRes.Decision)
	}

	hRes := e.EntryFilter(Trigger{}, st)
	if hRes.Decision != FilterIn {
		t.Fatalf("h: decision = %v, want FilterIn", hRes.Decision)
	}

	iRes := e.EntryFilter(Trigger{}, st)
	if iRes.Decision != FilterOut {
		t.Fatalf("i: decision = %v, want FilterOut", iRes.Decision)
	}
}

func TestNotraceExcludesSelfAndDescendants(t *testing.T) {
	e := NewEvaluator(ModeIn, 1<<30, nil)
	st := &State{Depth: 1 << 30}

	aRes := e.EntryFilter(Trigger{Flags: TrigFilter, FMode: ModeIn}, st)
	if aRes.Decision != FilterIn {
		t.Fatalf("a: decision = %v, want FilterIn", aRes.Decision)
	}

	bRes := e.EntryFilter(Trigger{Flags: TrigFilter, FMode: ModeOut}, st)
	if bRes.Decision != FilterOut {
		t.Fatalf("b: decision = %v, want FilterOut", bRes.Decision)
	}

	cRes := e.EntryFilter(Trigger{}, st)
	if cRes.Decision != FilterOut {
		t.Fatalf("c: decision = %v, want FilterOut (ancestor notrace active)", cRes.Decision)
	}
}

func TestFilterModeInWithZeroInCountExcludes(t *testing.T) {
	e := NewEvaluator(ModeIn, 1<<30, nil)
	st := &State{Depth: 1 << 30}

	res := e.EntryFilter(Trigger{}, st)
	if res.Decision != FilterOut {
		t.Fatalf("decision = %v, want FilterOut outside any IN-filtered region", res.Decision)
	}
}

func TestEnableCachedFlushIsOneShot(t *testing.T) {
	flushes := 0
	e := NewEvaluator(ModeNone, 1<<30, func() { flushes++ })
	st := &State{Depth: 1 << 30}

	e.EntryFilter(Trigger{Flags: TrigDisable}, st)
	if flushes != 1 {
		t.Fatalf("flushes after first disable = %d, want 1", flushes)
	}

	// Re-entering while still disabled must not double-flush.
	e.EntryFilter(Trigger{}, st)
	if flushes != 1 {
		t.Fatalf("flushes after second disabled entry = %d, want still 1", flushes)
	}

	e.EntryFilter(Trigger{Flags: TrigEnable}, st)
	e.EntryFilter(Trigger{Flags: TrigDisable}, st)
	if flushes != 2 {
		t.Fatalf("flushes after re-enable then disable = %d, want 2", flushes)
	}
}

func TestExitFilterReversesCounterAndDepth(t *testing.T) {
	e := NewEvaluator(ModeNone, 10, nil)
	st := &State{Depth: 10}

	res := e.EntryFilter(Trigger{Flags: TrigFilter, FMode: ModeIn}, st)
	if st.InCount != 1 {
		t.Fatalf("InCount = %d, want 1", st.InCount)
	}
	e.ExitFilter(st, res.Counter, res.FilterDepth)
	if st.InCount != 0 {
		t.Fatalf("InCount after exit = %d, want 0", st.InCount)
	}
	if st.Depth != 10 {
		t.Fatalf("Depth after exit = %d, want restored to 10", st.Depth)
	}
}
