// Package config parses the FTRACE_* environment variables into a typed
// Config, the way the teacher parses its one UBLK_DEVINFO_LEN override:
// plain environment lookups plus strconv, no env/flags library.
package config

import (
	"fmt"
	"strconv"

	"github.com/fntrace/tracer/internal/constants"
)

// Config holds every environment-driven tunable from spec.md §6.
type Config struct {
	Pipe         int // FTRACE_PIPE; -1 if unset
	Dir          string
	LogFD        int // -1 if unset (log to stderr)
	Debug        int
	DebugDomain  string
	BufferSize   int
	MaxStack     int
	ThresholdNS  uint64
	Color        bool
	Demangle     bool
	Filter       string
	Trigger      string
	Argument     string
	Retval       string
	Depth        int
	Disabled     bool
	PLTHook      bool
}

// Getenv matches os.LookupEnv's signature so Load can be driven by the
// real environment or a fake one in tests.
type Getenv func(string) (string, bool)

// Default returns the zero-configuration defaults: no pipe, no dir
// override, debug off, and the sizes from internal/constants.
func Default() *Config {
	return &Config{
		Pipe:        -1,
		Dir:         constants.DefaultDirName,
		LogFD:       -1,
		BufferSize:  constants.DefaultShmemBufferSize,
		MaxStack:    constants.DefaultMaxStack,
		Depth:       constants.DefaultDepth,
	}
}

// Load reads every FTRACE_* variable via getenv into a fresh Config,
// falling back to Default's values for anything unset.
func Load(getenv Getenv) (*Config, error) {
	cfg := Default()

	if v, ok := getenv("FTRACE_PIPE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: FTRACE_PIPE: %w", err)
		}
		cfg.Pipe = n
	}
	if v, ok := getenv("FTRACE_DIR"); ok {
		cfg.Dir = v
	}
	if v, ok := getenv("FTRACE_LOGFD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: FTRACE_LOGFD: %w", err)
		}
		cfg.LogFD = n
	}
	if v, ok := getenv("FTRACE_DEBUG"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: FTRACE_DEBUG: %w", err)
		}
		cfg.Debug = n
	}
	if v, ok := getenv("FTRACE_DEBUG_DOMAIN"); ok {
		cfg.DebugDomain = v
	}
	if v, ok := getenv("FTRACE_BUFFER"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: FTRACE_BUFFER: %w", err)
		}
		cfg.BufferSize = n
	}
	if v, ok := getenv("FTRACE_MAX_STACK"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: FTRACE_MAX_STACK: %w", err)
		}
		cfg.MaxStack = n
	}
	if v, ok := getenv("FTRACE_THRESHOLD"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: FTRACE_THRESHOLD: %w", err)
		}
		cfg.ThresholdNS = n
	}
	if v, ok := getenv("FTRACE_COLOR"); ok {
		cfg.Color = v != "" && v != "0"
	}
	if v, ok := getenv("FTRACE_DEMANGLE"); ok {
		cfg.Demangle = v != "" && v != "0"
	}
	if v, ok := getenv("FTRACE_FILTER"); ok {
		cfg.Filter = v
	}
	if v, ok := getenv("FTRACE_TRIGGER"); ok {
		cfg.Trigger = v
	}
	if v, ok := getenv("FTRACE_ARGUMENT"); ok {
		cfg.Argument = v
	}
	if v, ok := getenv("FTRACE_RETVAL"); ok {
		cfg.Retval = v
	}
	if v, ok := getenv("FTRACE_DEPTH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: FTRACE_DEPTH: %w", err)
		}
		cfg.Depth = n
	}
	if v, ok := getenv("FTRACE_DISABLED"); ok {
		cfg.Disabled = v != "" && v != "0"
	}
	if v, ok := getenv("FTRACE_PLTHOOK"); ok {
		cfg.PLTHook = v != "" && v != "0"
	}

	return cfg, nil
}
