// Package logging configures encapure's process-wide structured
// logger. Every component logs through the single zerolog.Logger this
// package installs, including anything using the standard library's
// "log" package.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures zerolog with RFC3339Nano timestamps, the requested
// level, and an optional log file. If logPath is empty, logs go to
// stdout; if opening logPath fails, Init falls back to stdout and
// prints a warning to stderr.
func Init(logPath, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()

	lvl := zerolog.InfoLevel
	if l := strings.ToLower(strings.TrimSpace(level)); l != "" {
		if parsed, err := zerolog.ParseLevel(l); err == nil {
			lvl = parsed
		}
	}
	zerolog.SetGlobalLevel(lvl)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}
