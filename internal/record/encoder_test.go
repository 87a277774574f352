package record

import (
	"fmt"
	"testing"

	"github.com/fntrace/tracer/internal/wire"
)

// fakeSink is an in-memory Sink with a configurable capacity and an
// optional forced rotate failure, standing in for a shmem.Ring.
type fakeSink struct {
	cap       int
	written   []byte
	lost      uint64
	rotations int
	failRotateAfter int // rotate fails once rotations reaches this count; 0 = never fails
}

func (s *fakeSink) Remaining() int { return s.cap - len(s.written) }
func (s *fakeSink) Append(data []byte) { s.written = append(s.written, data...) }
func (s *fakeSink) RecordLost() { s.lost++ }
func (s *fakeSink) Rotate() error {
	s.rotations++
	if s.failRotateAfter != 0 && s.rotations >= s.failRotateAfter {
		return fmt.Errorf("fakeSink: forced rotate failure")
	}
	s.written = s.written[:0]
	return nil
}

func frame(depth int, addr uintptr, flags Flag) *Frame {
	return &Frame{Depth: depth, ChildIP: addr, StartTime: 1, EndTime: 2, Flags: flags}
}

func TestEncoderExitWritesUnwrittenAncestorsThenLeaf(t *testing.T) {
	sink := &fakeSink{cap: 4096}
	enc := NewEncoder(sink, nil)

	stack := []*Frame{
		frame(0, 0x1000, 0),
		frame(1, 0x2000, 0),
		frame(2, 0x3000, 0),
	}
	enc.Exit(stack, nil, nil)

	for i, f := range stack {
		if !f.Flags.Has(FlagWritten) {
			t.Errorf("frame %d not marked written", i)
		}
	}
	// 3 ENTRY headers + 1 EXIT header, no payloads
	wantLen := 4 * wire.RecordHeaderSize
	if len(sink.written) != wantLen {
		t.Errorf("written bytes = %d, want %d", len(sink.written), wantLen)
	}
}

func TestEncoderExitSkipsAlreadyWrittenAncestors(t *testing.T) {
	sink := &fakeSink{cap: 4096}
	enc := NewEncoder(sink, nil)

	already := frame(0, 0x1000, FlagWritten)
	leaf := frame(1, 0x2000, 0)
	enc.Exit([]*Frame{already, leaf}, nil, nil)

	// only the leaf's ENTRY + EXIT should be written; the already-written
	// ancestor contributes nothing.
	wantLen := 2 * wire.RecordHeaderSize
	if len(sink.written) != wantLen {
		t.Errorf("written bytes = %d, want %d", len(sink.written), wantLen)
	}
}

func TestEncoderExitSkipsNorecordAndDisabledFrames(t *testing.T) {
	sink := &fakeSink{cap: 4096}
	enc := NewEncoder(sink, nil)

	skippedNorecord := frame(0, 0x1000, FlagNorecord)
	skippedDisabled := frame(1, 0x2000, FlagDisabled)
	leaf := frame(2, 0x3000, 0)
	enc.Exit([]*Frame{skippedNorecord, skippedDisabled, leaf}, nil, nil)

	wantLen := 2 * wire.RecordHeaderSize // leaf ENTRY + EXIT only
	if len(sink.written) != wantLen {
		t.Errorf("written bytes = %d, want %d", len(sink.written), wantLen)
	}
	if skippedNorecord.Flags.Has(FlagWritten) || skippedDisabled.Flags.Has(FlagWritten) {
		t.Error("skipped frames must not be marked written")
	}
}

func TestEncoderExitCountsRemainingAsLostOnRotateFailure(t *testing.T) {
	sink := &fakeSink{cap: wire.RecordHeaderSize, failRotateAfter: 1}
	enc := NewEncoder(sink, nil)

	stack := []*Frame{
		frame(0, 0x1000, 0),
		frame(1, 0x2000, 0),
		frame(2, 0x3000, 0),
	}
	// First ENTRY fits (sink.cap == one header). The second ENTRY needs a
	// rotate, which is forced to fail.
	enc.Exit(stack, nil, nil)

	if !stack[0].Flags.Has(FlagWritten) {
		t.Error("first ancestor should have been written before the rotate failure")
	}
	if stack[1].Flags.Has(FlagWritten) || stack[2].Flags.Has(FlagWritten) {
		t.Error("frames after the rotate failure must not be marked written")
	}
	// stack[1]'s own write failure bumps one lost record; the remaining
	// frame (the leaf, never attempted) counts as one more.
	if sink.lost != 2 {
		t.Errorf("lost = %d, want 2", sink.lost)
	}
}

func TestEncoderEntryPayloadOmittedWithoutArgumentFlag(t *testing.T) {
	f := frame(0, 0x1000, 0)
	a := NewArgBuf(64)
	_ = a.PutScalar([]byte{1, 2, 3, 4})
	if got := EntryPayload(f, a); got != nil {
		t.Errorf("EntryPayload without FlagArgument = %v, want nil", got)
	}
}

func TestEncoderEntryPayloadIncludedWithArgumentFlag(t *testing.T) {
	f := frame(0, 0x1000, FlagArgument)
	a := NewArgBuf(64)
	_ = a.PutScalar([]byte{1, 2, 3, 4})
	got := EntryPayload(f, a)
	if got == nil {
		t.Fatal("expected non-nil payload")
	}
	if len(got) != 2+a.Len() {
		t.Errorf("payload len = %d, want %d", len(got), 2+a.Len())
	}
}

func TestEncoderLostWritesSyntheticRecord(t *testing.T) {
	sink := &fakeSink{cap: 4096}
	enc := NewEncoder(sink, nil)
	if !enc.Lost(5, 42) {
		t.Fatal("Lost should succeed with ample room")
	}
	hdr, err := wire.UnmarshalRecordHeader(sink.written)
	if err != nil {
		t.Fatalf("UnmarshalRecordHeader: %v", err)
	}
	if hdr.Type != wire.RecordLost || hdr.Addr != 5 {
		t.Errorf("lost header = %+v, want Type=RecordLost Addr=5", hdr)
	}
}
