package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Every module gets its own child of the process logger so log lines can be
// filtered by origin, e.g. module=signer or module=relay.
const ModuleKey = "module"

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// Setup installs a text handler writing to w as the process default and
// returns it.
func Setup(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(l)
	return l, nil
}

func New(module string) *slog.Logger {
	return slog.Default().With(ModuleKey, module)
}

// Or returns l, falling back to a module logger when l is nil.
func Or(l *slog.Logger, module string) *slog.Logger {
	if l != nil {
		return l
	}
	return New(module)
}

// Discard is handy in tests that do not care about log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
