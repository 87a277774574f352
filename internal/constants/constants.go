// Package constants holds the default tunables for the tracer runtime.
package constants

import "math"

const (
	// DefaultShmemBufferSize is the size in bytes of each shared-memory
	// ring buffer (FTRACE_BUFFER).
	DefaultShmemBufferSize = 128 * 1024

	// DefaultMaxStack is the depth of the per-thread record stack
	// (FTRACE_MAX_STACK).
	DefaultMaxStack = 1024

	// DefaultArgBufSize is the per-frame argument staging size.
	DefaultArgBufSize = 1024

	// DefaultDepth is the default trigger depth cap. uftrace uses "no
	// limit" as the default, modeled here as a large sentinel so the
	// depth decrement in the filter evaluator never realistically bottoms
	// out unless a trigger sets an explicit depth (FTRACE_DEPTH).
	DefaultDepth = math.MaxInt32

	// DefaultDirName is where the session proc-maps snapshot is written
	// when FTRACE_DIR is unset.
	DefaultDirName = "/tmp/ftrace"

	// SessionIDHexLen is the length of the rendered session id.
	SessionIDHexLen = 16

	// ShmemNameFormat is the per-thread ring buffer naming pattern:
	// session id, tid, 3-digit buffer slot.
	ShmemNameFormat = "/ftrace-%s-%d-%03d"

	// ShrinkLookback is how many buffers, counting the current one and
	// those after it, must exist before a shrink is even considered (see spec.md §9 and
	// SPEC_FULL.md §11: "if nr_buf - idx >= 4 and the last buffer in the
	// tail is WRITTEN, unmap it").
	ShrinkLookback = 4
)
