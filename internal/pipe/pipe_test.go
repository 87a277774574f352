package pipe

import (
	"io"
	"os"
	"testing"

	"github.com/fntrace/tracer/internal/clock"
	"github.com/fntrace/tracer/internal/wire"
)

func TestAbsentPipeIsNoOp(t *testing.T) {
	m := New(-1, nil)
	if m.Present() {
		t.Fatal("expected Present() == false for negative fd")
	}
	if err := m.RecStart("/ftrace-x-1-000"); err != nil {
		t.Fatalf("expected no-op send to succeed, got %v", err)
	}
}

func TestSessionMessageFramed(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	m := New(int(w.Fd()), nil)
	sid, err := clock.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	if err := m.Session(sid, 100, 101, 42, "demo"); err != nil {
		t.Fatalf("Session: %v", err)
	}
	w.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	header, err := wire.UnmarshalFrameHeader(data)
	if err != nil {
		t.Fatalf("UnmarshalFrameHeader: %v", err)
	}
	if header.Magic != wire.Magic {
		t.Errorf("magic = %x, want %x", header.Magic, wire.Magic)
	}
	if header.Type != wire.MsgSession {
		t.Errorf("type = %d, want MsgSession", header.Type)
	}
	wantPayloadLen := len(data) - wire.FrameHeaderSize
	if int(header.Len) != wantPayloadLen {
		t.Errorf("len = %d, want %d", header.Len, wantPayloadLen)
	}
}

func TestLostZeroCountIsNoOp(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	m := New(int(w.Fd()), nil)
	if err := m.Lost(0); err != nil {
		t.Fatalf("Lost(0): %v", err)
	}
}
