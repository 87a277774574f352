// Package pipe sends framed control messages to the external recorder over
// a FIFO. Every message is one vectored write of header+payload; a short
// write is fatal (it is logged and the process exits), a failed write is
// returned as an error, and an absent pipe (fd < 0) downgrades every send
// to a no-op.
package pipe

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/fntrace/tracer/internal/clock"
	"github.com/fntrace/tracer/internal/logging"
	"github.com/fntrace/tracer/internal/wire"
)

// Messenger writes framed control messages to the recorder's FIFO.
type Messenger struct {
	fd     int
	logger *logging.Logger
}

// New creates a Messenger over fd. A negative fd means "no pipe configured"
// and every send becomes a no-op, matching FTRACE_PIPE being unset.
func New(fd int, logger *logging.Logger) *Messenger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Messenger{fd: fd, logger: logger}
}

// Present reports whether this messenger has a real backing fd.
func (m *Messenger) Present() bool { return m.fd >= 0 }

func (m *Messenger) send(msgType wire.MsgType, payload []byte) error {
	if !m.Present() {
		return nil
	}
	header := wire.FrameHeader{Magic: wire.Magic, Type: msgType, Len: uint32(len(payload))}.Marshal()

	iovs := make([]unix.Iovec, 0, 2)
	iovs = append(iovs, iovecFor(header))
	if len(payload) > 0 {
		iovs = append(iovs, iovecFor(payload))
	}

	n, err := unix.Writev(m.fd, iovs)
	if err != nil {
		return fmt.Errorf("pipe: writev type %d: %w", msgType, err)
	}
	want := len(header) + len(payload)
	if n != want {
		m.logger.Error("short write on control pipe", "type", msgType, "wrote", n, "want", want)
		os.Exit(1)
	}
	return nil
}

func iovecFor(b []byte) unix.Iovec {
	iov := unix.Iovec{Base: &b[0]}
	iov.SetLen(len(b))
	return iov
}

// Session announces a new tracing session and the traced executable name.
func (m *Messenger) Session(sid clock.SessionID, pid, tid int, t uint64, exeName string) error {
	msg := wire.SessionMsg{SID: sid.Uint64(), PID: int32(pid), TID: int32(tid), Time: t}
	return m.send(wire.MsgSession, msg.Marshal(exeName))
}

// TID announces a thread's OS id; Tracer.Attach sends it when a thread
// attaches.
func (m *Messenger) TID(pid, tid int, t uint64) error {
	msg := wire.TIDMsg{PID: int32(pid), TID: int32(tid), Time: t}
	return m.send(wire.MsgTID, msg.Marshal())
}

// ForkStart is emitted from the pre-fork parent handler with the
// still-valid pre-fork pid.
func (m *Messenger) ForkStart(pid int, t uint64) error {
	msg := wire.ForkStartMsg{PID: int32(pid), Time: t}
	return m.send(wire.MsgForkStart, msg.Marshal())
}

// ForkEnd is emitted from the post-fork child handler with the child's new
// identity.
func (m *Messenger) ForkEnd(ppid, pid int, t uint64) error {
	msg := wire.ForkEndMsg{PPID: int32(ppid), PID: int32(pid), Time: t}
	return m.send(wire.MsgForkEnd, msg.Marshal())
}

// RecStart announces that name has been adopted for RECORDING.
func (m *Messenger) RecStart(name string) error {
	return m.send(wire.MsgRecStart, wire.RecStartMsg{Name: name}.Marshal())
}

// RecEnd announces that name has been finished and handed to the recorder.
func (m *Messenger) RecEnd(name string) error {
	return m.send(wire.MsgRecEnd, wire.RecEndMsg{Name: name}.Marshal())
}

// Lost reports count records dropped since the previous flush.
func (m *Messenger) Lost(count uint64) error {
	if count == 0 {
		return nil
	}
	err := m.send(wire.MsgLost, wire.LostMsg{Count: count}.Marshal())
	if err != nil {
		m.logger.Warn("failed to report lost records", "count", count, "err", err)
	}
	return err
}
