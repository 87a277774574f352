// Command tracedemo drives the tracer runtime against a small recursive
// call tree, standing in for the compiled prologue/epilogue instrumentation
// a real toolchain would generate. It runs until interrupted, printing the
// computed result on every round, a metrics snapshot on SIGUSR1, and a
// final summary on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fntrace/tracer"
	"github.com/fntrace/tracer/internal/archhook"
	"github.com/fntrace/tracer/internal/config"
	"github.com/fntrace/tracer/internal/logging"
	"github.com/fntrace/tracer/internal/symtab"
)

func main() {
	var (
		n        = flag.Int("n", 12, "fibonacci input recomputed every round")
		filter   = flag.String("filter", "", "FTRACE_FILTER-style spec, e.g. fib")
		trigger  = flag.String("trigger", "", "FTRACE_TRIGGER-style spec, e.g. fib@depth=4")
		argument = flag.String("argument", "", "FTRACE_ARGUMENT-style spec, e.g. fib")
		retval   = flag.String("retval", "", "FTRACE_RETVAL-style spec, e.g. fib")
		period   = flag.Duration("period", time.Second, "delay between rounds")
		verbose  = flag.Bool("v", false, "enable debug-level logging")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{Level: level})
	logging.SetDefault(logger)

	symbols := map[string]uintptr{"fib": 1, "combine": 2}
	cfg := config.Default()
	cfg.Filter = *filter
	cfg.Trigger = *trigger
	cfg.Argument = *argument
	cfg.Retval = *retval

	tr, err := tracer.Start(&tracer.Options{
		Config: cfg,
		Loader: symtab.NewStatic(symbols),
		Logger: logger,
	})
	if err != nil {
		logger.Error("start failed", "err", err)
		os.Exit(1)
	}

	th, err := tr.Attach()
	if err != nil {
		logger.Error("attach failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dumpCh := make(chan os.Signal, 1)
	signal.Notify(dumpCh, syscall.SIGUSR1)
	go func() {
		for range dumpCh {
			snap := tr.Metrics().Snapshot()
			logger.Info("metrics snapshot", "entries", snap.EntriesRecorded, "exits", snap.ExitsRecorded,
				"lost", snap.RecordsLost, "rotations", snap.BufferRotations, "shrunk", snap.BuffersShrunk)
		}
	}()

	logger.Info("tracedemo running", "n", *n, "filter", *filter, "trigger", *trigger, "period", *period)

	rounds := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		result := fib(th, symbols, *n)
		rounds++
		fmt.Printf("round %d: fib(%d) = %d\n", rounds, *n, result)

		select {
		case <-ctx.Done():
			break loop
		case <-time.After(*period):
		}
	}

	logger.Info("shutting down")
	if err := th.Detach(); err != nil {
		logger.Warn("detach failed", "err", err)
	}
	if err := tracer.Stop(tr); err != nil {
		logger.Warn("stop failed", "err", err)
	}

	snap := tr.Metrics().Snapshot()
	fmt.Printf("rounds=%d entries=%d exits=%d lost=%d rotations=%d shrunk=%d forks=%d\n",
		rounds, snap.EntriesRecorded, snap.ExitsRecorded, snap.RecordsLost,
		snap.BufferRotations, snap.BuffersShrunk, snap.Forks)
}

// fib computes the nth Fibonacci number recursively, calling OnEntry/OnExit
// itself the way compiler-inserted instrumentation would. It passes no
// return-address slot, so nothing is hijacked. n is offered in register 0,
// but a trigger built from -argument carries no ArgSpec list (the Static
// loader sets only the ARGUMENT flag), so no argument value is captured.
func fib(th *tracer.Thread, symbols map[string]uintptr, n int) int {
	entryRegs := archhook.StringRegs{Ints: map[int]int64{0: int64(n)}}
	if err := th.OnEntry(symbols["fib"], nil, entryRegs); err != nil {
		return 0
	}

	var result int
	if n < 2 {
		result = n
	} else {
		result = fib(th, symbols, n-1) + fib(th, symbols, n-2)
	}

	_ = th.OnExit(int64(result), entryRegs)
	return result
}
