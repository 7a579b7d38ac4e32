// Package logging wires zerolog as Atlas's structured logger, with a global
// level plus per-module overrides for --log-modules.
package logging

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	mu            sync.RWMutex
	moduleLevels  = map[string]zerolog.Level{}
)

// Init configures the global zerolog logger. logPath, if non-empty, writes to
// that file instead of stdout (so a TUI or interactive client attached to
// stdout is not interleaved with log lines). modules is a
// "name=level,name=level" string as accepted by --log-modules.
func Init(logPath, level, modules string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			log.Error().Err(err).Str("path", logPath).Msg("failed to open log file, falling back to stdout")
		}
	} else if isTerminal(os.Stdout) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	global := parseLevel(level)
	log.Logger = log.Output(w).With().Timestamp().Logger().Level(global)

	setModuleLevels(modules)

	// zerolog drops events below the global level before a logger's own level
	// is checked, so the global floor is the most verbose of the configured
	// and module levels; the base logger above keeps the configured level.
	floor := global
	mu.RLock()
	for _, l := range moduleLevels {
		if l < floor {
			floor = l
		}
	}
	mu.RUnlock()
	zerolog.SetGlobalLevel(floor)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	if level == "" {
		return zerolog.InfoLevel
	}
	if l, err := zerolog.ParseLevel(level); err == nil {
		return l
	}
	return zerolog.InfoLevel
}

func setModuleLevels(modules string) {
	mu.Lock()
	defer mu.Unlock()
	moduleLevels = map[string]zerolog.Level{}
	if modules == "" {
		return
	}
	for _, pair := range strings.Split(modules, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		moduleLevels[strings.TrimSpace(parts[0])] = parseLevel(parts[1])
	}
}

// Module returns a sub-logger tagged with "module", honoring any
// --log-modules override for that name; otherwise it inherits the global
// level.
func Module(name string) zerolog.Logger {
	mu.RLock()
	lvl, ok := moduleLevels[name]
	mu.RUnlock()
	l := log.With().Str("module", name).Logger()
	if ok {
		l = l.Level(lvl)
	}
	return l
}

// WithTrace enriches a logger with a request/task id pulled from ctx, for
// correlating daemon event streams with log lines. It degrades to the plain
// global logger when ctx carries no id.
func WithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if id, ok := ctx.Value(taskIDKey{}).(string); ok && id != "" {
		l = l.With().Str("task_id", id).Logger()
	}
	return &l
}

type taskIDKey struct{}

// WithTaskID returns a context carrying a task id for WithTrace to pick up.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}
