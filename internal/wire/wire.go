// Package wire defines the on-the-wire binary layouts shared between the
// tracer and its external recorder: the control-pipe frame header and
// payloads, and the record header written into shmem buffers. All layouts
// are fixed-width, little-endian, and hand-marshaled field by field so the
// byte layout matches exactly what the recorder expects.
package wire

import "encoding/binary"

// Magic identifies a well-formed control frame.
const Magic uint32 = 0x46545243 // "FTRC"

// MsgType enumerates the control-pipe message kinds.
type MsgType uint32

const (
	MsgSession MsgType = iota + 1
	MsgTID
	MsgForkStart
	MsgForkEnd
	MsgRecStart
	MsgRecEnd
	MsgLost
)

// FrameHeaderSize is the fixed size of a control-frame header in bytes.
const FrameHeaderSize = 12

// FrameHeader is the fixed header preceding every control-pipe message.
type FrameHeader struct {
	Magic uint32
	Type  MsgType
	Len   uint32
}

// Marshal encodes the header as FrameHeaderSize bytes.
func (h FrameHeader) Marshal() []byte {
	buf := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[8:12], h.Len)
	return buf
}

// UnmarshalFrameHeader decodes a FrameHeaderSize-byte header.
func UnmarshalFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < FrameHeaderSize {
		return FrameHeader{}, ErrShortBuffer
	}
	return FrameHeader{
		Magic: binary.LittleEndian.Uint32(data[0:4]),
		Type:  MsgType(binary.LittleEndian.Uint32(data[4:8])),
		Len:   binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// ErrShortBuffer is returned when a buffer is too small to hold the
// requested layout.
type wireError string

func (e wireError) Error() string { return string(e) }

const ErrShortBuffer = wireError("wire: buffer too short")

// SessionMsg announces a new session to the recorder. The executable name
// follows the fixed fields as NameLen raw bytes (no NUL terminator).
type SessionMsg struct {
	SID     uint64
	PID     int32
	TID     int32
	Time    uint64
	NameLen uint16
}

const sessionMsgFixedSize = 8 + 4 + 4 + 8 + 2

// Marshal encodes the message plus the trailing executable name.
func (m SessionMsg) Marshal(exeName string) []byte {
	buf := make([]byte, sessionMsgFixedSize+len(exeName))
	binary.LittleEndian.PutUint64(buf[0:8], m.SID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.TID))
	binary.LittleEndian.PutUint64(buf[16:24], m.Time)
	binary.LittleEndian.PutUint16(buf[24:26], uint16(len(exeName)))
	copy(buf[sessionMsgFixedSize:], exeName)
	return buf
}

// TIDMsg announces a thread's id to the recorder.
type TIDMsg struct {
	PID  int32
	TID  int32
	Time uint64
}

const tidMsgSize = 4 + 4 + 8

func (m TIDMsg) Marshal() []byte {
	buf := make([]byte, tidMsgSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.TID))
	binary.LittleEndian.PutUint64(buf[8:16], m.Time)
	return buf
}

// ForkStartMsg is emitted by the pre-fork parent handler; PID is the
// pre-fork process id.
type ForkStartMsg struct {
	PID  int32
	Time uint64
}

const forkStartMsgSize = 4 + 8

func (m ForkStartMsg) Marshal() []byte {
	buf := make([]byte, forkStartMsgSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.PID))
	binary.LittleEndian.PutUint64(buf[4:12], m.Time)
	return buf
}

// ForkEndMsg is emitted by the post-fork child handler with the child's new
// identity.
type ForkEndMsg struct {
	PPID int32
	PID  int32
	Time uint64
}

const forkEndMsgSize = 4 + 4 + 8

func (m ForkEndMsg) Marshal() []byte {
	buf := make([]byte, forkEndMsgSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.PPID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.PID))
	binary.LittleEndian.PutUint64(buf[8:16], m.Time)
	return buf
}

// bufferNameMsg is the shape shared by REC_START and REC_END: a u16 length
// prefix followed by the raw buffer name.
type bufferNameMsg struct {
	Name string
}

func (m bufferNameMsg) Marshal() []byte {
	buf := make([]byte, 2+len(m.Name))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(m.Name)))
	copy(buf[2:], m.Name)
	return buf
}

// RecStartMsg announces that a buffer has been adopted for RECORDING.
type RecStartMsg struct{ Name string }

func (m RecStartMsg) Marshal() []byte { return bufferNameMsg(m).Marshal() }

// RecEndMsg announces that a buffer has been finished (handed to the
// recorder).
type RecEndMsg struct{ Name string }

func (m RecEndMsg) Marshal() []byte { return bufferNameMsg(m).Marshal() }

// LostMsg reports the count of records dropped since the previous flush.
type LostMsg struct{ Count uint64 }

const lostMsgSize = 8

func (m LostMsg) Marshal() []byte {
	buf := make([]byte, lostMsgSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.Count)
	return buf
}

// RecordType enumerates the kinds of record written into a shmem buffer.
type RecordType uint16

const (
	RecordEntry RecordType = iota
	RecordExit
	RecordLost
)

// RecordHeaderSize is the fixed size, in bytes, of a record header. The
// layout mirrors a C struct with natural alignment: two bytes of padding
// sit between Depth and Addr so the trailing u64 falls on an 8-byte
// boundary, exactly as a C compiler would lay it out.
const RecordHeaderSize = 24

// RecordHeader precedes every record written into a shmem buffer.
type RecordHeader struct {
	Time   uint64
	Type   RecordType
	Unused uint8
	More   uint8
	Depth  uint16
	Addr   uint64
}

// Marshal encodes the header as RecordHeaderSize bytes.
func (h RecordHeader) Marshal() []byte {
	buf := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Time)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.Type))
	buf[10] = h.Unused
	buf[11] = h.More
	binary.LittleEndian.PutUint16(buf[12:14], h.Depth)
	// buf[14:16] is padding, left zero.
	binary.LittleEndian.PutUint64(buf[16:24], h.Addr)
	return buf
}

// UnmarshalRecordHeader decodes a RecordHeaderSize-byte header.
func UnmarshalRecordHeader(data []byte) (RecordHeader, error) {
	if len(data) < RecordHeaderSize {
		return RecordHeader{}, ErrShortBuffer
	}
	return RecordHeader{
		Time:   binary.LittleEndian.Uint64(data[0:8]),
		Type:   RecordType(binary.LittleEndian.Uint16(data[8:10])),
		Unused: data[10],
		More:   data[11],
		Depth:  binary.LittleEndian.Uint16(data[12:14]),
		Addr:   binary.LittleEndian.Uint64(data[16:24]),
	}, nil
}

// BufferHeaderSize is the size of the header fronting each shmem buffer.
const BufferHeaderSize = 8

// BufferFlag is the handoff state of a shmem buffer.
type BufferFlag uint32

const (
	BufferNew BufferFlag = iota
	BufferRecording
	BufferWritten
)

// BufferHeader is the fixed header at the start of every shmem buffer.
type BufferHeader struct {
	Flag BufferFlag
	Size uint32
}

func (h BufferHeader) Marshal() []byte {
	buf := make([]byte, BufferHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Flag))
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	return buf
}

func UnmarshalBufferHeader(data []byte) (BufferHeader, error) {
	if len(data) < BufferHeaderSize {
		return BufferHeader{}, ErrShortBuffer
	}
	return BufferHeader{
		Flag: BufferFlag(binary.LittleEndian.Uint32(data[0:4])),
		Size: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}
