// Package clock provides the time and identity primitives shared by the
// rest of the tracer: a monotonic nanosecond clock, OS thread ids, and
// random session ids.
package clock

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epoch anchors NowNanos; time.Since reads the monotonic clock reading
// carried by both values.
var epoch = time.Now()

// NowNanos returns a monotonic nanosecond timestamp suitable for record
// start/end times. It is not wall-clock time and must only be compared
// against other values from this function within the same process.
func NowNanos() uint64 {
	return uint64(time.Since(epoch))
}

// Gettid returns the OS thread id of the calling goroutine. Callers must
// hold runtime.LockOSThread for the result to remain valid.
func Gettid() int {
	return unix.Gettid()
}

// SessionID is a process-wide random identifier rendered as 16 hex digits.
type SessionID [8]byte

// NewSessionID draws a fresh random session id from the OS CSPRNG.
func NewSessionID() (SessionID, error) {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return SessionID{}, fmt.Errorf("clock: generate session id: %w", err)
	}
	return id, nil
}

// String renders the session id as 16 lowercase hex digits.
func (s SessionID) String() string {
	return hex.EncodeToString(s[:])
}

// Uint64 returns the session id as a raw 64-bit value, reading its bytes
// big-endian, so the value printed as 16 hex digits equals String(). Wire
// messages then encode this value little-endian like every other field.
func (s SessionID) Uint64() uint64 {
	return binary.BigEndian.Uint64(s[:])
}
