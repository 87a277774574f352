package record

import (
	"github.com/fntrace/tracer/internal/logging"
	"github.com/fntrace/tracer/internal/wire"
)

// Sink is the subset of a shmem.Ring the encoder needs: enough space to
// check before writing, and rotation plus lost-record bookkeeping when it
// runs out.
type Sink interface {
	Remaining() int
	Append(data []byte)
	Rotate() error
	RecordLost()
}

// skipFlags marks a frame the encoder must never emit, per the record
// coalescing rule in Encoder.Exit.
const skipFlags = FlagNorecord | FlagDisabled

// Encoder writes ENTRY/EXIT/LOST records into a Sink, coalescing
// not-yet-written ancestor ENTRYs ahead of a leaf EXIT.
type Encoder struct {
	sink   Sink
	logger *logging.Logger
}

// NewEncoder builds an encoder over sink.
func NewEncoder(sink Sink, logger *logging.Logger) *Encoder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Encoder{sink: sink, logger: logger}
}

func (e *Encoder) writeOne(rt wire.RecordType, f *Frame, t uint64, payload []byte) bool {
	more := uint8(0)
	if len(payload) > 0 {
		more = 1
	}
	header := wire.RecordHeader{
		Time:  t,
		Type:  rt,
		More:  more,
		Depth: uint16(f.Depth),
		Addr:  uint64(f.ChildIP),
	}
	encoded := header.Marshal()
	need := len(encoded) + len(payload)
	if e.sink.Remaining() < need {
		if err := e.sink.Rotate(); err != nil {
			e.logger.Warn("rotate failed mid-record", "err", err)
			e.sink.RecordLost()
			return false
		}
		if e.sink.Remaining() < need {
			e.sink.RecordLost()
			return false
		}
	}
	e.sink.Append(encoded)
	if len(payload) > 0 {
		e.sink.Append(payload)
	}
	return true
}

// EntryPayload builds the optional argument payload for an ENTRY record,
// or nil if the frame is not flagged ARGUMENT or nothing was staged for it.
// A RETVAL flag alone adds nothing here; the return value travels in the
// EXIT record's payload.
func EntryPayload(f *Frame, args *ArgBuf) []byte {
	if !f.Flags.Has(FlagArgument) || args == nil || args.Len() == 0 {
		return nil
	}
	return args.Bytes()
}

// Lost writes a synthetic LOST record carrying the accumulated lost count.
func (e *Encoder) Lost(count uint64, at uint64) bool {
	header := wire.RecordHeader{Time: 0, Type: wire.RecordLost, Addr: count}
	encoded := header.Marshal()
	if e.sink.Remaining() < len(encoded) {
		if err := e.sink.Rotate(); err != nil {
			return false
		}
	}
	if e.sink.Remaining() < len(encoded) {
		return false
	}
	e.sink.Append(encoded)
	return true
}

// Exit encodes the current leaf frame's EXIT, coalescing in any ancestor
// ENTRYs on the stack that have not yet been written and are not flagged
// NORECORD|DISABLED. stack[0] is the outermost frame, stack[len-1] is the
// leaf whose EXIT is being recorded. entryPayloads, parallel to stack,
// supplies the optional argument payload for each frame's ENTRY (nil if
// none). exitPayload is the optional retval payload for the leaf's EXIT.
func (e *Encoder) Exit(stack []*Frame, entryPayloads [][]byte, exitPayload []byte) {
	for i, f := range stack {
		if f.Flags.Has(skipFlags) {
			continue
		}
		if f.Flags.Has(FlagWritten) {
			continue
		}
		var payload []byte
		if i < len(entryPayloads) {
			payload = entryPayloads[i]
		}
		if !e.writeOne(wire.RecordEntry, f, f.StartTime, payload) {
			// Remaining ancestors plus the leaf all count as lost; the
			// rotation itself already bumped one lost record.
			lost := len(stack) - i - 1
			for j := 0; j < lost; j++ {
				e.sink.RecordLost()
			}
			return
		}
		f.Flags |= FlagWritten
	}

	leaf := stack[len(stack)-1]
	e.writeOne(wire.RecordExit, leaf, leaf.EndTime, exitPayload)
}
