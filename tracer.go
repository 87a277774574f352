package tracer

import (
	"os"
	"runtime"
	"sync"

	"github.com/fntrace/tracer/internal/archhook"
	"github.com/fntrace/tracer/internal/clock"
	"github.com/fntrace/tracer/internal/config"
	"github.com/fntrace/tracer/internal/constants"
	"github.com/fntrace/tracer/internal/filter"
	"github.com/fntrace/tracer/internal/hijack"
	"github.com/fntrace/tracer/internal/lifecycle"
	"github.com/fntrace/tracer/internal/logging"
	"github.com/fntrace/tracer/internal/record"
	"github.com/fntrace/tracer/internal/shmem"
	"github.com/fntrace/tracer/internal/state"
	"github.com/fntrace/tracer/internal/symtab"
)

// Options configures a Tracer. Every field is optional; Start fills in
// teacher-grade defaults (a Generic arch hook, a Static symbol loader
// backed by no symbols, and environment-driven Config).
type Options struct {
	Config   *config.Config
	Arch     archhook.Arch
	Loader   symtab.Loader
	Observer Observer
	Logger   *logging.Logger
}

// Tracer is one running instance of the tracing runtime: one session, one
// trigger table, one filter evaluator, shared across every attached
// thread.
type Tracer struct {
	cfg    *config.Config
	logger *logging.Logger
	life   *lifecycle.Lifecycle

	arch   archhook.Arch
	loader symtab.Loader
	tabs   symtab.Symtabs
	table  *filter.Table
	mode   filter.Mode

	eval     *filter.Evaluator
	metrics  *Metrics
	observer Observer

	mu      sync.Mutex
	threads map[int]*Thread
}

// Start brings up a Tracer: loads Config (environment-driven, if
// opts.Config is nil), runs library init (session id, maps snapshot,
// control-pipe), and builds the trigger table from
// FTRACE_FILTER/TRIGGER/ARGUMENT/RETVAL.
func Start(opts *Options) (*Tracer, error) {
	if opts == nil {
		opts = &Options{}
	}

	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(os.LookupEnv)
		if err != nil {
			return nil, WrapError("Start", CodeInitFailure, err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(&logging.Config{Domains: cfg.DebugDomain})
	}

	life := lifecycle.New(cfg, logger)
	if err := life.Init(); err != nil {
		return nil, WrapError("Start", CodeInitFailure, err)
	}

	arch := opts.Arch
	if arch == nil {
		arch = archhook.NewGeneric(0)
	}
	loader := opts.Loader
	if loader == nil {
		loader = symtab.NewStatic(nil)
	}
	tabs, err := loader.LoadSymtabs("")
	if err != nil {
		return nil, WrapError("Start", CodeInitFailure, err)
	}

	table := filter.NewTable()
	mode := filter.ModeNone
	if err := loader.SetupFilter(cfg.Filter, tabs, "", table, &mode); err != nil {
		return nil, WrapError("Start", CodeInitFailure, err)
	}
	if err := loader.SetupTrigger(cfg.Trigger, tabs, "", table); err != nil {
		return nil, WrapError("Start", CodeInitFailure, err)
	}
	if err := loader.SetupArgument(cfg.Argument, tabs, "", table); err != nil {
		return nil, WrapError("Start", CodeInitFailure, err)
	}
	if err := loader.SetupRetval(cfg.Retval, tabs, "", table); err != nil {
		return nil, WrapError("Start", CodeInitFailure, err)
	}
	if cfg.PLTHook {
		exe, _ := os.Executable()
		if err := loader.HookPLTGOT(exe); err != nil {
			logger.Warn("plt/got hook failed", "err", err)
		}
	}

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	t := &Tracer{
		cfg:      cfg,
		logger:   logger,
		life:     life,
		arch:     arch,
		loader:   loader,
		tabs:     tabs,
		table:    table,
		mode:     mode,
		metrics:  metrics,
		observer: observer,
		threads:  make(map[int]*Thread),
	}
	t.eval = filter.NewEvaluator(mode, cfg.Depth, nil)
	if cfg.Disabled {
		t.eval.SetEnabled(false)
	}
	return t, nil
}

// Stop tears t down: finishes every still-attached thread's ring and marks
// the lifecycle finished so further hook calls become no-ops.
func Stop(t *Tracer) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	threads := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		threads = append(threads, th)
	}
	t.mu.Unlock()

	for _, th := range threads {
		_ = th.Detach()
	}
	t.life.Finish()
	t.metrics.Stop()
	return nil
}

// Metrics returns t's metrics instance.
func (t *Tracer) Metrics() *Metrics { return t.metrics }

// PreFork announces an imminent fork to the recorder. Call from the
// traced process immediately before fork/clone.
func (t *Tracer) PreFork() error {
	if err := t.life.PreFork(); err != nil {
		return WrapError("PreFork", CodePipeFailure, err)
	}
	return nil
}

// PostForkChild re-initializes the tracer's session identity for the
// forked child: fresh session id, new pid, FORK_END announced. Call
// immediately after fork returns 0 in the child and before any further
// tracing; every subsequent Attach picks up the new session id. Only
// called in a process that actually is the fork's child, so this is where
// Metrics.Forks counts a completed fork.
func (t *Tracer) PostForkChild() (clock.SessionID, error) {
	sid, err := t.life.PostForkChild()
	if err != nil {
		return sid, WrapError("PostForkChild", CodePipeFailure, err)
	}
	t.observer.ObserveFork()
	return sid, nil
}

// Thread is the per-thread tracer handle returned by Attach: the
// Go-native realization of "thread-local" storage, since goroutines carry
// no implicit TLS. Callers must Detach on the way out.
type Thread struct {
	tracer  *Tracer
	state   *state.State
	hijack  *hijack.Engine
	sink    *observingSink
	encoder *record.Encoder
}

// observingSink decorates a shmem.Ring with Observer callbacks and direct
// Metrics bookkeeping, so rotation/lost-record/shrink behavior that
// already lives in the ring also surfaces on the Tracer's Observer and
// Metrics without the ring needing to know about either.
type observingSink struct {
	ring     *shmem.Ring
	observer Observer
	metrics  *Metrics
}

func (s *observingSink) Remaining() int     { return s.ring.Remaining() }
func (s *observingSink) Append(data []byte) { s.ring.Append(data) }
func (s *observingSink) RecordLost() {
	s.ring.RecordLost()
	s.observer.ObserveLost(1)
}

// Rotate forwards to the ring and reports the event on both the
// pluggable Observer (ObserveRotate, per the four-event contract) and the
// Tracer's own Metrics.BuffersShrunk, which has no dedicated Observer hook
// and is tracked directly since it is core instrumentation rather than a
// pluggable notification.
func (s *observingSink) Rotate() error {
	buffersBefore := s.ring.NumBuffers()
	err := s.ring.Rotate()
	if err == nil {
		s.observer.ObserveRotate()
		if s.ring.NumBuffers() < buffersBefore {
			s.metrics.BuffersShrunk.Add(1)
		}
	}
	return err
}

// Attach pins the calling goroutine to its OS thread and builds a fresh
// per-thread state: a shmem ring (prepared with its first two buffers)
// and a record stack sized to Config.MaxStack.
func (t *Tracer) Attach() (*Thread, error) {
	runtime.LockOSThread()

	tid := clock.Gettid()
	ring := shmem.New(t.life.SessionID().String(), tid, t.cfg.BufferSize, t.life.Pipe(), t.logger)
	if err := ring.Prepare(); err != nil {
		runtime.UnlockOSThread()
		return nil, WrapError("Attach", CodeInitFailure, err)
	}

	st := state.New(tid, t.cfg.MaxStack, constants.DefaultArgBufSize, ring)
	// A thread's filter depth budget starts unlimited (cfg.Depth, normally
	// constants.DefaultDepth); only a DEPTH or FILTER trigger ever lowers
	// it. Leaving State.Depth at its zero value would filter out every
	// call by default the moment any frame isn't itself an establishing
	// trigger.
	st.Filter.Depth = t.cfg.Depth
	th := &Thread{
		tracer: t,
		state:  st,
		hijack: hijack.New(t.arch.ReturnTrampoline()),
		sink:   &observingSink{ring: ring, observer: t.observer, metrics: t.metrics},
	}
	th.encoder = record.NewEncoder(th.sink, t.logger)

	if err := t.life.Pipe().TID(os.Getpid(), tid, clock.NowNanos()); err != nil {
		t.logger.Warn("tid announce failed", "err", err)
	}

	t.mu.Lock()
	t.threads[tid] = th
	t.mu.Unlock()

	return th, nil
}

// Detach finishes this thread's shmem ring (emitting REC_END for every
// still-RECORDING buffer) and releases the OS thread lock.
func (th *Thread) Detach() error {
	t := th.tracer
	t.mu.Lock()
	delete(t.threads, th.state.TID)
	t.mu.Unlock()

	err := th.state.Ring.Finish()
	runtime.UnlockOSThread()
	if err != nil {
		return WrapError("Detach", CodePipeFailure, err)
	}
	return nil
}

// OnEntry is called from the hijacked prologue of every instrumented
// function. childIP is the function being entered; parentSlot is the
// return-address slot to hijack (nil for cygprof-style instrumentation,
// which intercepts the return through a compiler-inserted call instead of
// a rewritten return address); regs lets archhook.Arch read
// argument-capture values, and may be nil if no ARGUMENT trigger can match.
func (t *Thread) OnEntry(childIP uintptr, parentSlot *uintptr, regs archhook.Regs) error {
	if t.tracer.life.Finished() {
		return nil
	}
	if t.state.TestAndSetGuard() {
		return nil // reentrant call from e.g. the allocator path; skip.
	}
	defer t.state.ClearGuard()

	trig, _ := t.tracer.loader.MatchFilter(t.tracer.table, childIP)
	result := t.tracer.eval.EntryFilter(trig, &t.state.Filter)
	t.tracer.logger.DomainDebug('f', 1, "entry filter", "addr", childIP, "decision", result.Decision)

	// FILTER_OUT on the hijack protocol means the prologue never installs
	// the return trampoline, so no matching OnExit will ever fire for this
	// call: skip the push (and the hijack below) rather than burn a record
	// stack slot tracking a call we'll never pop. The cygprof protocol has
	// no such out: the compiler always emits the paired exit call, so it
	// must always push to keep OnExit's Pop symmetric.
	if result.Decision == filter.FilterOut && parentSlot != nil {
		return nil
	}

	f, argbuf, err := t.state.Push()
	if err != nil {
		return WrapError("OnEntry", CodeStackOverflow, err)
	}
	f.Depth = t.state.RecordIdx()
	f.ChildIP = childIP
	f.ParentSlot = parentSlot
	f.StartTime = clock.NowNanos()
	f.Flags = result.FrameFlags
	f.FilterDepth = result.FilterDepth
	f.ArgSpec = trig.ArgSpec

	if result.Decision == filter.FilterOut {
		f.Flags |= record.FlagNorecord
	} else {
		t.state.EnterRecorded()
	}

	if parentSlot != nil {
		f.ParentIP = t.hijack.Hijack(parentSlot)
	}

	if f.Flags.Has(record.FlagArgument) && regs != nil {
		for _, spec := range trig.ArgSpec {
			if spec.Kind == record.ArgString {
				s, isNil, err := t.tracer.arch.GetStringArg(regs, spec)
				if err != nil {
					t.tracer.logger.Warn("argument capture failed", "arg", spec.Name, "err", err)
					continue
				}
				_ = argbuf.PutString(s, isNil)
				continue
			}
			v, err := t.tracer.arch.GetArg(regs, spec)
			if err != nil {
				t.tracer.logger.Warn("argument capture failed", "arg", spec.Name, "err", err)
				continue
			}
			_ = argbuf.PutScalar(int64Bytes(v)[:spec.Size()])
		}
	}

	return nil
}

// OnExit is called from the hijacked epilogue. retval is the raw return
// value (interpretation is left to archhook for RETVAL capture); regs may
// be nil if no RETVAL trigger can match.
func (t *Thread) OnExit(retval int64, regs archhook.Regs) error {
	if t.tracer.life.Finished() {
		return nil
	}
	if t.state.TestAndSetGuard() {
		return nil
	}
	defer t.state.ClearGuard()

	f := t.state.Top()
	if f == nil {
		return nil
	}
	f.EndTime = clock.NowNanos()

	recorded := !f.Flags.Has(record.FlagNorecord)
	duration := f.EndTime - f.StartTime
	passesThreshold := f.Flags.Has(record.FlagWritten) ||
		f.Flags.Has(record.FlagTrace) ||
		duration > t.tracer.cfg.ThresholdNS
	t.tracer.logger.DomainDebug('m', 1, "exit", "addr", f.ChildIP, "depth", f.Depth, "duration_ns", duration)

	if recorded && passesThreshold {
		stack := t.state.Snapshot()
		argbufs := t.state.ArgBufSnapshot()
		entryPayloads := make([][]byte, len(stack))
		for i, sf := range stack {
			entryPayloads[i] = record.EntryPayload(sf, argbufs[i])
		}

		var exitPayload []byte
		if f.Flags.Has(record.FlagRetval) {
			rb := record.NewArgBuf(constants.DefaultArgBufSize)
			_ = rb.PutScalar(int64Bytes(retval))
			f.Flags |= record.FlagRetval
			exitPayload = rb.Bytes()
		}

		// Count the ENTRY records this call actually wrote: the frames
		// that gained FlagWritten during Exit.
		newEntries := 0
		for _, sf := range stack {
			if sf.Flags.Has(record.FlagWritten) {
				newEntries--
			}
		}
		t.encoder.Exit(stack, entryPayloads, exitPayload)
		for _, sf := range stack {
			if sf.Flags.Has(record.FlagWritten) {
				newEntries++
			}
		}
		for ; newEntries > 0; newEntries-- {
			t.tracer.observer.ObserveRecord(true)
		}
		t.tracer.observer.ObserveRecord(false)
	}

	if !f.Flags.Has(record.FlagNorecord) {
		t.state.ExitRecorded()
	}
	t.tracer.eval.ExitFilter(&t.state.Filter, counterFor(f), f.FilterDepth)
	t.state.Pop()

	return nil
}

// counterFor recovers which counter EntryFilter incremented for f, from
// the flags recorded at entry: FILTERED plus NOTRACE means an OUT-mode
// filter trigger; FILTERED alone means IN-mode.
func counterFor(f *record.Frame) filter.CounterKind {
	if !f.Flags.Has(record.FlagFiltered) {
		return filter.CounterNone
	}
	if f.Flags.Has(record.FlagNotrace) {
		return filter.CounterOut
	}
	return filter.CounterIn
}

// CygprofEnter adapts the GCC/Clang -finstrument-functions convention:
// __cyg_profile_func_enter(this_fn, call_site). There is no return-address
// slot to hijack here — the compiler already arranges to call
// CygprofExit on the way out — so no ARGUMENT/RETVAL capture is possible
// through this path.
func (t *Thread) CygprofEnter(thisFn, callSite uintptr) {
	_ = t.OnEntry(thisFn, nil, nil)
}

// CygprofExit adapts __cyg_profile_func_exit(this_fn, call_site). The
// return value is not available here, so the top frame's RETVAL flag is
// cleared before OnExit runs.
func (t *Thread) CygprofExit(thisFn, callSite uintptr) {
	if f := t.state.Top(); f != nil {
		f.Flags &^= record.FlagRetval
	}
	_ = t.OnExit(0, nil)
}

func int64Bytes(v int64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
