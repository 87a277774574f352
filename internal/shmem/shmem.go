// Package shmem manages the per-thread ring of named shared-memory buffers
// that ferry records to the external recorder. Buffers are plain POSIX
// shared-memory objects, mmap'd by the producer and handed off to the
// recorder by flag, never by a blocking call.
package shmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fntrace/tracer/internal/constants"
	"github.com/fntrace/tracer/internal/logging"
	"github.com/fntrace/tracer/internal/pipe"
	"github.com/fntrace/tracer/internal/wire"
)

// Buffer is one mmap'd shared-memory region: a fixed header followed by a
// payload area the producer fills sequentially.
type Buffer struct {
	Name      string
	mem       []byte
	offset    int  // write cursor into the payload area, past the header
	recEndSent bool // whether REC_END has already been sent for this adoption
}

func (b *Buffer) headerFlag() *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[0]))
}

// Flag reads the current handoff flag. Producer and consumer both touch
// this word, so it is always read/written atomically.
func (b *Buffer) Flag() wire.BufferFlag {
	return wire.BufferFlag(atomic.LoadUint32(b.headerFlag()))
}

// markRecording transitions the buffer to RECORDING on adoption. The flag
// word is shared with the external recorder, which clears it back off
// WRITTEN independently, so the transition goes through a CAS loop rather
// than a plain store even though the producer is its sole writer here.
func (b *Buffer) markRecording() {
	for {
		old := atomic.LoadUint32(b.headerFlag())
		if atomic.CompareAndSwapUint32(b.headerFlag(), old, uint32(wire.BufferRecording)) {
			return
		}
	}
}

// MarkConsumed transitions RECORDING to WRITTEN. This is the external
// recorder's side of the handoff; production code never calls it, but a
// test harness standing in for the recorder does, to exercise rotation and
// shrink.
func (b *Buffer) MarkConsumed() {
	for {
		old := atomic.LoadUint32(b.headerFlag())
		if atomic.CompareAndSwapUint32(b.headerFlag(), old, uint32(wire.BufferWritten)) {
			return
		}
	}
}

// Payload returns the writable region past the header.
func (b *Buffer) Payload() []byte {
	return b.mem[wire.BufferHeaderSize:]
}

// Remaining returns the number of unused payload bytes.
func (b *Buffer) Remaining() int {
	return len(b.Payload()) - b.offset
}

// Append writes data at the current cursor, advancing it. The caller must
// have already checked Remaining.
func (b *Buffer) Append(data []byte) {
	copy(b.Payload()[b.offset:], data)
	b.offset += len(data)
}

// reset rewinds the write cursor and the REC_END bookkeeping, used when a
// reused WRITTEN buffer is adopted again.
func (b *Buffer) reset() {
	b.offset = 0
	b.recEndSent = false
}

// Ring is the per-thread sequence of named shmem buffers.
type Ring struct {
	sid     string
	tid     int
	size    int
	buffers []*Buffer
	curr    int // index into buffers, or -1 if allocation failed (sentinel)
	losts   uint64
	seqnum  uint64

	pipe   *pipe.Messenger
	logger *logging.Logger
}

// New creates a ring for one thread. It does not allocate any buffers; call
// Prepare to adopt the first two.
func New(sid string, tid int, size int, p *pipe.Messenger, logger *logging.Logger) *Ring {
	if size <= 0 {
		size = constants.DefaultShmemBufferSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ring{sid: sid, tid: tid, size: size, curr: -1, pipe: p, logger: logger}
}

func (r *Ring) bufferName(slot int) string {
	return fmt.Sprintf(constants.ShmemNameFormat, r.sid, r.tid, slot)
}

func (r *Ring) mapNewBuffer(slot int) (*Buffer, error) {
	name := r.bufferName(slot)
	fd, err := unix.ShmOpen(name, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmem: shm_open %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(r.size)); err != nil {
		return nil, fmt.Errorf("shmem: ftruncate %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, r.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", name, err)
	}
	return &Buffer{Name: name, mem: mem}, nil
}

func (r *Ring) unmapBuffer(b *Buffer) error {
	if err := unix.Munmap(b.mem); err != nil {
		return fmt.Errorf("shmem: munmap %s: %w", b.Name, err)
	}
	_ = unix.ShmUnlink(b.Name)
	return nil
}

// Prepare allocates the first two buffers, marks buffer 0 RECORDING, and
// announces it on the control pipe.
func (r *Ring) Prepare() error {
	for slot := 0; slot < 2; slot++ {
		b, err := r.mapNewBuffer(slot)
		if err != nil {
			return err
		}
		r.buffers = append(r.buffers, b)
	}
	r.curr = 0
	r.buffers[0].markRecording()
	return r.pipe.RecStart(r.buffers[0].Name)
}

// Current returns the active RECORDING buffer, or nil if allocation has
// failed and the ring is in the lost-record sentinel state.
func (r *Ring) Current() *Buffer {
	if r.curr < 0 {
		return nil
	}
	return r.buffers[r.curr]
}

// RecordLost bumps the per-ring lost counter after a rejected record.
func (r *Ring) RecordLost() {
	r.losts++
}

// Remaining reports the space left in the current buffer's payload area,
// or 0 if allocation has failed (the sentinel state).
func (r *Ring) Remaining() int {
	if cur := r.Current(); cur != nil {
		return cur.Remaining()
	}
	return 0
}

// Append writes into the current buffer. Callers must have checked
// Remaining first.
func (r *Ring) Append(data []byte) {
	r.Current().Append(data)
}

// Losts returns the current lost-record count.
func (r *Ring) Losts() uint64 {
	return r.losts
}

// firstNonRecording returns the index of the first buffer not in state
// RECORDING, or -1 if every existing buffer is RECORDING (the ring must
// grow).
func (r *Ring) firstNonRecording() int {
	for i, b := range r.buffers {
		if i == r.curr {
			continue
		}
		if b.Flag() != wire.BufferRecording {
			return i
		}
	}
	return -1
}

// Rotate finishes the current buffer, adopts the first available
// non-RECORDING buffer (allocating a new one if none exists), flushes any
// pending lost count, and opportunistically shrinks the tail.
func (r *Ring) Rotate() error {
	prev := r.Current()
	if prev != nil {
		r.seqnum++
		if err := r.pipe.RecEnd(prev.Name); err != nil {
			r.logger.Warn("rec_end send failed", "buffer", prev.Name, "err", err)
		}
		prev.recEndSent = true
	}

	next := r.firstNonRecording()
	var nb *Buffer
	if next < 0 {
		b, err := r.mapNewBuffer(len(r.buffers))
		if err != nil {
			r.curr = -1
			return fmt.Errorf("shmem: rotate: allocate new buffer: %w", err)
		}
		r.buffers = append(r.buffers, b)
		next = len(r.buffers) - 1
		nb = b
	} else {
		nb = r.buffers[next]
		nb.reset()
	}

	nb.markRecording()
	r.curr = next

	if err := r.pipe.RecStart(nb.Name); err != nil {
		r.logger.Warn("rec_start send failed", "buffer", nb.Name, "err", err)
	}

	if r.losts > 0 {
		count := r.losts
		if err := r.pipe.Lost(count); err == nil {
			r.losts = 0
		}
	}

	r.shrink()
	return nil
}

// shrink opportunistically unmaps the tail buffer: if nrBuf - curr is at
// least constants.ShrinkLookback (the current buffer plus at least three
// after it) and the last buffer in the tail is WRITTEN, it is unmapped.
func (r *Ring) shrink() {
	nrBuf := len(r.buffers)
	if nrBuf-r.curr < constants.ShrinkLookback {
		return
	}
	tail := r.buffers[nrBuf-1]
	if tail.Flag() != wire.BufferWritten {
		return
	}
	if err := r.unmapBuffer(tail); err != nil {
		r.logger.Warn("shrink unmap failed", "buffer", tail.Name, "err", err)
		return
	}
	r.buffers = r.buffers[:nrBuf-1]
}

// Finish emits REC_END for every RECORDING buffer that has not already
// received one (i.e. it is still the live current buffer of some thread)
// and unmaps all buffers in the ring.
func (r *Ring) Finish() error {
	var firstErr error
	for _, b := range r.buffers {
		if b.Flag() == wire.BufferRecording && !b.recEndSent {
			if err := r.pipe.RecEnd(b.Name); err != nil && firstErr == nil {
				firstErr = err
			}
			b.recEndSent = true
		}
		if err := r.unmapBuffer(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.buffers = nil
	r.curr = -1
	return firstErr
}

// NumBuffers reports the live buffer count, for tests and diagnostics.
func (r *Ring) NumBuffers() int { return len(r.buffers) }

// Seqnum reports the producer-visible rotation counter, debug-only.
func (r *Ring) Seqnum() uint64 { return r.seqnum }
