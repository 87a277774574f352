// Package lifecycle orchestrates library init, the fork pre/post handlers,
// and teardown: the process-wide bookkeeping around per-thread tracing
// rather than the tracing itself.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fntrace/tracer/internal/clock"
	"github.com/fntrace/tracer/internal/config"
	"github.com/fntrace/tracer/internal/logging"
	"github.com/fntrace/tracer/internal/pipe"
)

// Lifecycle owns the process-wide session identity, the control-pipe
// messenger, and the setupDone/finished atomic flags.
type Lifecycle struct {
	cfg    *config.Config
	logger *logging.Logger

	setupDone int32
	finished  int32

	sid  clock.SessionID
	pid  int
	pipe *pipe.Messenger
}

// New builds a Lifecycle. Init must be called before it is used.
func New(cfg *config.Config, logger *logging.Logger) *Lifecycle {
	if logger == nil {
		logger = logging.Default()
	}
	return &Lifecycle{cfg: cfg, logger: logger}
}

// Init performs library init exactly once, even under concurrent callers:
// generates the session id, opens the control pipe, and snapshots
// /proc/self/maps to <FTRACE_DIR>/sid-<sid>.map. Every error it returns is
// an unrecoverable init failure per spec.md §7 band 1; a failed SESSION
// announce on the control pipe is only logged.
func (l *Lifecycle) Init() error {
	if !atomic.CompareAndSwapInt32(&l.setupDone, 0, 1) {
		return nil
	}

	sid, err := clock.NewSessionID()
	if err != nil {
		return fmt.Errorf("lifecycle: init: %w", err)
	}
	l.sid = sid
	l.pid = os.Getpid()
	l.pipe = pipe.New(l.cfg.Pipe, l.logger)

	if err := l.snapshotMaps(); err != nil {
		return fmt.Errorf("lifecycle: init: %w", err)
	}

	if err := l.pipe.Session(l.sid, l.pid, clock.Gettid(), clock.NowNanos(), exeName()); err != nil {
		l.logger.Warn("session announce failed", "err", err)
	}

	return nil
}

func exeName() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	return filepath.Base(exe)
}

func (l *Lifecycle) snapshotMaps() error {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return fmt.Errorf("read /proc/self/maps: %w", err)
	}
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", l.cfg.Dir, err)
	}
	path := filepath.Join(l.cfg.Dir, fmt.Sprintf("sid-%s.map", l.sid.String()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// SessionID returns the current session id.
func (l *Lifecycle) SessionID() clock.SessionID { return l.sid }

// PID returns the current process id (updated across fork).
func (l *Lifecycle) PID() int { return l.pid }

// Pipe returns the control-pipe messenger.
func (l *Lifecycle) Pipe() *pipe.Messenger { return l.pipe }

// Finished reports whether Finish has been called; all hooks must
// short-circuit once true.
func (l *Lifecycle) Finished() bool {
	return atomic.LoadInt32(&l.finished) != 0
}

// Finish tears down the library: after this, all hooks become no-ops.
func (l *Lifecycle) Finish() {
	atomic.StoreInt32(&l.finished, 1)
}

// PreFork is the pre-fork parent handler: it emits FORK_START carrying the
// still-valid pre-fork pid.
func (l *Lifecycle) PreFork() error {
	return l.pipe.ForkStart(l.pid, clock.NowNanos())
}

// PostForkChild is the post-fork child handler: it assigns the child a new
// session and pid, then emits FORK_END carrying the parent's old pid and
// the child's new one. The parent's ring and session are left untouched;
// callers are responsible for rebuilding thread state and shmem buffers
// for the new identity.
func (l *Lifecycle) PostForkChild() (clock.SessionID, error) {
	ppid := l.pid
	l.pid = os.Getpid()

	newSID, err := clock.NewSessionID()
	if err != nil {
		return clock.SessionID{}, fmt.Errorf("lifecycle: post-fork child: %w", err)
	}
	l.sid = newSID

	if err := l.pipe.ForkEnd(ppid, l.pid, clock.NowNanos()); err != nil {
		l.logger.Warn("fork_end send failed", "err", err)
	}
	return newSID, nil
}
