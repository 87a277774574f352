package tracer

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/fntrace/tracer/internal/archhook"
	"github.com/fntrace/tracer/internal/config"
	"github.com/fntrace/tracer/internal/filter"
	"github.com/fntrace/tracer/internal/record"
	"github.com/fntrace/tracer/internal/shmem"
	"github.com/fntrace/tracer/internal/wire"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	return cfg
}

// decodedRecord is a flattened view of one wire record plus its raw
// payload bytes, read straight out of a Harness's current shmem buffer.
type decodedRecord struct {
	wire.RecordHeader
	Payload []byte
}

// writtenPayload returns the bytes actually written into h's current
// buffer so far, excluding the untouched remainder of the payload area.
func writtenPayload(h *Harness) []byte {
	buf := h.Ring().Current()
	total := len(buf.Payload())
	return buf.Payload()[:total-h.Ring().Remaining()]
}

func decodeRecords(t *testing.T, buf []byte) []decodedRecord {
	t.Helper()
	var out []decodedRecord
	pos := 0
	for pos < len(buf) {
		if pos+wire.RecordHeaderSize > len(buf) {
			t.Fatalf("truncated record header at %d (buf len %d)", pos, len(buf))
		}
		hdr, err := wire.UnmarshalRecordHeader(buf[pos : pos+wire.RecordHeaderSize])
		if err != nil {
			t.Fatalf("UnmarshalRecordHeader at %d: %v", pos, err)
		}
		pos += wire.RecordHeaderSize
		var payload []byte
		if hdr.More == 1 {
			n := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
			total := 2 + n
			payload = buf[pos : pos+total]
			pos += total
		}
		out = append(out, decodedRecord{RecordHeader: hdr, Payload: payload})
	}
	return out
}

func wantTypesDepths(t *testing.T, recs []decodedRecord, types []wire.RecordType, depths []uint16) {
	t.Helper()
	if len(recs) != len(types) {
		t.Fatalf("got %d records, want %d: %+v", len(recs), len(types), recs)
	}
	for i, r := range recs {
		if r.Type != types[i] {
			t.Errorf("record %d: type = %v, want %v", i, r.Type, types[i])
		}
		if r.Depth != depths[i] {
			t.Errorf("record %d: depth = %d, want %d", i, r.Depth, depths[i])
		}
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Time < recs[i-1].Time {
			t.Errorf("record %d time %d precedes record %d time %d", i, recs[i].Time, i-1, recs[i-1].Time)
		}
	}
}

// Scenario 1: simple recursion, threshold 0, mode NONE.
func TestScenarioSimpleRecursion(t *testing.T) {
	h, err := NewHarness(nil, testConfig(t))
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	f := h.Addr("f")
	h.Enter(f)
	h.Enter(f)
	if err := h.Exit(0); err != nil {
		t.Fatalf("Exit inner: %v", err)
	}
	if err := h.Exit(0); err != nil {
		t.Fatalf("Exit outer: %v", err)
	}

	recs := decodeRecords(t, writtenPayload(h))
	wantTypesDepths(t, recs,
		[]wire.RecordType{wire.RecordEntry, wire.RecordEntry, wire.RecordExit, wire.RecordExit},
		[]uint16{0, 1, 1, 0})
}

// Scenario 2: depth cap. Trigger on g with depth=1; chain g->h->i; i is
// dropped.
func TestScenarioDepthCap(t *testing.T) {
	h, err := NewHarness(nil, testConfig(t))
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	g, hh, ii := h.Addr("g"), h.Addr("h"), h.Addr("i")
	h.SetTrigger("g", filter.Trigger{Flags: filter.TrigDepth, Depth: 1})

	h.Enter(g)
	h.Enter(hh)
	h.Enter(ii) // beyond the depth cap: FILTER_OUT, no trampoline installed, no matching Exit
	if err := h.Exit(0); err != nil { // h
		t.Fatalf("Exit h: %v", err)
	}
	if err := h.Exit(0); err != nil { // g
		t.Fatalf("Exit g: %v", err)
	}

	recs := decodeRecords(t, writtenPayload(h))
	wantTypesDepths(t, recs,
		[]wire.RecordType{wire.RecordEntry, wire.RecordEntry, wire.RecordExit, wire.RecordExit},
		[]uint16{0, 1, 1, 0})
}

// Scenario 3: notrace subtree. Filter mode IN includes a; b has a NOTRACE
// trigger. Chain a->b->c; b and c are dropped.
func TestScenarioNotraceSubtree(t *testing.T) {
	cfg := testConfig(t)
	cfg.Filter = "a"
	cfg.Trigger = "b@notrace"
	symbols := map[string]uintptr{"a": 1, "b": 2, "c": 3}

	h, err := NewHarness(symbols, cfg)
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	h.Enter(1)
	h.Enter(2) // NOTRACE: FILTER_OUT, no trampoline installed, no matching Exit
	h.Enter(3) // inside the NOTRACE subtree: also FILTER_OUT, no matching Exit
	if err := h.Exit(0); err != nil { // a
		t.Fatalf("Exit a: %v", err)
	}

	recs := decodeRecords(t, writtenPayload(h))
	wantTypesDepths(t, recs,
		[]wire.RecordType{wire.RecordEntry, wire.RecordExit},
		[]uint16{0, 0})
}

// Scenario 4: argument capture. p(int x, char* s) with args spec
// [i32, string], called as p(7, "hi").
func TestScenarioArgumentCapture(t *testing.T) {
	h, err := NewHarness(nil, testConfig(t))
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	p := h.Addr("p")
	h.SetTrigger("p", filter.Trigger{
		Flags: filter.TrigArgument,
		ArgSpec: []record.ArgSpec{
			{Kind: record.ArgInt32, Reg: 0},
			{Kind: record.ArgString, Reg: 1},
		},
	})
	h.SetRegs(archhook.StringRegs{
		Ints:    map[int]int64{0: 7},
		Strings: map[int]string{1: "hi"},
	})

	h.Enter(p)
	if err := h.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	recs := decodeRecords(t, writtenPayload(h))
	wantTypesDepths(t, recs,
		[]wire.RecordType{wire.RecordEntry, wire.RecordExit},
		[]uint16{0, 0})

	// Literal scenario bytes: outer u16 len=10, then the i32 scalar (7, 4-byte
	// aligned) and the string field (u16 len=2, "hi", NUL, one pad byte).
	want := []byte{
		0x0a, 0x00,
		0x07, 0x00, 0x00, 0x00,
		0x02, 0x00, 'h', 'i', 0x00, 0x00,
	}
	if !bytes.Equal(recs[0].Payload, want) {
		t.Fatalf("entry payload = % x, want % x", recs[0].Payload, want)
	}
	if recs[1].Payload != nil {
		t.Fatalf("exit payload = % x, want none (no RETVAL trigger)", recs[1].Payload)
	}
}

// Scenario 5: buffer exhaustion. A buffer sized for exactly one ENTRY+EXIT
// pair forces a rotation on every call after the first; as long as the simulated recorder
// keeps draining, allocation never fails and nothing is counted lost.
func TestScenarioBufferExhaustion(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferSize = wire.BufferHeaderSize + 2*wire.RecordHeaderSize

	h, err := NewHarness(nil, cfg)
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	x := h.Addr("x")
	var drained []*shmem.Buffer
	const iterations = 50
	for i := 0; i < iterations; i++ {
		before := h.Ring().Current()
		h.Enter(x)
		if err := h.Exit(0); err != nil {
			t.Fatalf("Exit %d: %v", i, err)
		}
		if after := h.Ring().Current(); after != before {
			before.MarkConsumed()
			drained = append(drained, before)
		}
	}

	snap := h.Tracer.Metrics().Snapshot()
	if snap.RecordsLost != 0 {
		t.Fatalf("RecordsLost = %d, want 0 (recorder kept draining)", snap.RecordsLost)
	}
	if snap.BufferRotations == 0 {
		t.Fatal("expected at least one rotation under sustained load")
	}
	if len(drained) == 0 {
		t.Fatal("expected the simulated recorder to drain at least one buffer")
	}
}

// Scenario 6: fork. A mid-trace process forks; the child gets a fresh
// session identity and fresh, separately-named buffers, while the
// parent's own ring is unaffected.
func TestScenarioFork(t *testing.T) {
	tr, err := Start(&Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer Stop(tr)

	parentTh, err := tr.Attach()
	if err != nil {
		t.Fatalf("Attach (parent): %v", err)
	}
	parentBufName := parentTh.state.Ring.Current().Name

	sidBefore := tr.life.SessionID()
	if err := tr.PreFork(); err != nil {
		t.Fatalf("PreFork: %v", err)
	}
	sidAfter, err := tr.PostForkChild()
	if err != nil {
		t.Fatalf("PostForkChild: %v", err)
	}
	if sidAfter == sidBefore {
		t.Fatal("expected a fresh session id in the child")
	}
	if tr.Metrics().Snapshot().Forks != 1 {
		t.Fatalf("Forks = %d, want 1", tr.Metrics().Snapshot().Forks)
	}

	if err := parentTh.Detach(); err != nil {
		t.Fatalf("Detach parent: %v", err)
	}

	childTh, err := tr.Attach()
	if err != nil {
		t.Fatalf("Attach (child): %v", err)
	}
	defer childTh.Detach()
	childBufName := childTh.state.Ring.Current().Name

	if childBufName == parentBufName {
		t.Fatalf("child buffer name %q reused the parent's", childBufName)
	}
}

// Testable property: a thread's record-stack depth returns to its
// pre-call value after every matched entry/exit pair.
func TestIdxReturnsToPreCallValueAfterMatchedEntryExit(t *testing.T) {
	h, err := NewHarness(nil, testConfig(t))
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	f := h.Addr("f")
	before := h.Thread.state.Idx()
	h.Enter(f)
	h.Enter(f)
	h.Enter(f)
	if err := h.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if err := h.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if err := h.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if got := h.Thread.state.Idx(); got != before {
		t.Fatalf("Idx() after matched entry/exit = %d, want %d", got, before)
	}
}

// Testable property: a call under FILTER_MODE_IN with in_count==0 is
// FILTER_OUT, so OnEntry never installs a trampoline or record-stack frame
// for it, and nothing reaches the shmem ring.
func TestFilterModeInWithZeroInCountNeverReachesRing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Filter = "a"
	symbols := map[string]uintptr{"a": 1, "other": 2}

	h, err := NewHarness(symbols, cfg)
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	defer h.Close()

	h.Enter(2) // "other": never under a's IN-filtered subtree
	if err := h.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	if got := writtenPayload(h); len(got) != 0 {
		t.Fatalf("written payload = %d bytes, want 0", len(got))
	}
}
