// Package tracer is the in-process function-tracing runtime: entry/exit
// hooks, return-address hijacking, filter/trigger evaluation, and a
// shared-memory transport to an external recorder.
package tracer

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode categorizes a tracer error into the severity bands from the
// error handling design: init failures are returned from Start and Attach
// as unrecoverable (the library does not abort the process itself), lost
// records are counted but never propagated, and a failed control-pipe
// send degrades the control channel without affecting recording (a short
// write on the pipe instead ends the process; see internal/pipe).
type ErrorCode string

const (
	// CodeInitFailure is band 1: library init could not complete
	// (session id, maps snapshot, or initial shmem allocation failed).
	// Callers treat this as unrecoverable.
	CodeInitFailure ErrorCode = "init failure"
	// CodeRecordLost is band 2: a single record could not be written.
	// Never returned from the hot path — only counted in Metrics.
	CodeRecordLost ErrorCode = "record lost"
	// CodePipeFailure is band 3: a control-pipe send failed. Recording
	// continues; only the recorder's visibility into the event degrades.
	CodePipeFailure ErrorCode = "pipe failure"
	// CodeStackOverflow reports that a thread's record stack exceeded
	// its configured depth.
	CodeStackOverflow ErrorCode = "stack overflow"
)

// Error is a structured tracer error with enough context to triage without
// parsing a message string.
type Error struct {
	Op    string        // operation that failed, e.g. "Attach", "Rotate"
	Code  ErrorCode
	Errno syscall.Errno // 0 if not applicable
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		if e.Errno != 0 {
			return fmt.Sprintf("tracer: %s: %s (errno=%d)", e.Op, msg, e.Errno)
		}
		return fmt.Sprintf("tracer: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("tracer: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by error code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a structured error with no wrapped cause.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps inner under op, mapping a syscall.Errno through when
// present so IsErrno keeps working across the wrap.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	e := &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsErrno reports whether err is a *Error wrapping the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Errno == errno
	}
	return false
}
