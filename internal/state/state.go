// Package state holds the per-thread bookkeeping a traced thread needs:
// the record stack, argument staging areas, filter counters, a
// reentrancy guard, and the thread's shmem ring. This is the Go-native
// stand-in for what a C mcount runtime keeps behind a pthread_key.
package state

import (
	"fmt"
	"sync/atomic"

	"github.com/fntrace/tracer/internal/filter"
	"github.com/fntrace/tracer/internal/record"
	"github.com/fntrace/tracer/internal/shmem"
)

// ErrStackOverflow is returned by Push when the record stack is full.
var ErrStackOverflow = fmt.Errorf("state: record stack overflow")

// State is the per-thread tracer state.
type State struct {
	TID int

	idx       int // record stack top, 0 <= idx <= len(stack)
	recordIdx int // depth counted only for emitted records
	guard     int32

	stack   []*record.Frame
	argbufs []*record.ArgBuf

	Filter        filter.State
	CachedEnabled bool

	Ring *shmem.Ring
}

// New allocates a state with a fixed-depth record stack and matching
// argument staging areas.
func New(tid, maxDepth, argBufSize int, ring *shmem.Ring) *State {
	s := &State{
		TID:     tid,
		stack:   make([]*record.Frame, maxDepth),
		argbufs: make([]*record.ArgBuf, maxDepth),
		Ring:    ring,
	}
	for i := range s.stack {
		s.stack[i] = &record.Frame{}
		s.argbufs[i] = record.NewArgBuf(argBufSize)
	}
	return s
}

// TestAndSetGuard atomically sets the reentrancy guard and reports whether
// it was already set (a reentrant call from e.g. the allocator path).
// Tolerates recursive entry by never touching the record stack itself.
func (s *State) TestAndSetGuard() bool {
	return !atomic.CompareAndSwapInt32(&s.guard, 0, 1)
}

// ClearGuard releases the reentrancy guard.
func (s *State) ClearGuard() {
	atomic.StoreInt32(&s.guard, 0)
}

// Idx returns the current record-stack depth.
func (s *State) Idx() int { return s.idx }

// RecordIdx returns the depth counted only for frames actually emitted.
func (s *State) RecordIdx() int { return s.recordIdx }

// Push reserves the next frame slot, clears it (setting only Depth to the
// current RecordIdx) and its argument staging buffer, and returns both for
// the caller to fill in. It does not
// allocate: the backing array is sized to MaxStack at construction.
func (s *State) Push() (*record.Frame, *record.ArgBuf, error) {
	if s.idx >= len(s.stack) {
		return nil, nil, ErrStackOverflow
	}
	f := s.stack[s.idx]
	*f = record.Frame{Depth: s.recordIdx}
	ab := s.argbufs[s.idx]
	ab.Reset()
	s.idx++
	return f, ab, nil
}

// Top returns the most recently pushed frame, or nil if the stack is
// empty.
func (s *State) Top() *record.Frame {
	if s.idx == 0 {
		return nil
	}
	return s.stack[s.idx-1]
}

// Pop removes the top frame.
func (s *State) Pop() {
	if s.idx > 0 {
		s.idx--
	}
}

// EnterRecorded bumps recordIdx; call after deciding a frame will be
// emitted (i.e. it is not NORECORD).
func (s *State) EnterRecorded() { s.recordIdx++ }

// ExitRecorded reverses EnterRecorded.
func (s *State) ExitRecorded() {
	if s.recordIdx > 0 {
		s.recordIdx--
	}
}

// Snapshot returns every currently pushed frame, outermost first, for the
// record encoder's ancestor walk.
func (s *State) Snapshot() []*record.Frame {
	return s.stack[:s.idx]
}

// ArgBufSnapshot returns the argument staging buffers parallel to
// Snapshot, one per currently pushed frame.
func (s *State) ArgBufSnapshot() []*record.ArgBuf {
	return s.argbufs[:s.idx]
}
