// Package logging builds per-run go-logging loggers.
//
// Each call to New returns a logger with its own leveled backend, so two runs
// in one process (or two tests) never share verbosity or output.
package logging

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/op/go-logging.v1"
)

// DefaultFormat is the line format used by New.
const DefaultFormat = `%{time:15:04:05.000} %{level:-7s} %{module}: %{message}`

// New returns a logger for module that writes lines at level or above to w.
// A nil w writes to stderr.
func New(module, level string, w io.Writer) (*logging.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	backend := logging.NewBackendFormatter(
		logging.NewLogBackend(w, "", 0),
		logging.MustStringFormatter(DefaultFormat),
	)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(lvl, module)

	log := logging.MustGetLogger(module)
	log.SetBackend(leveled)
	return log, nil
}

// ParseLevel parses a level name such as "debug", "info" or "error".
// The empty string means info.
func ParseLevel(level string) (logging.Level, error) {
	if level == "" {
		return logging.INFO, nil
	}
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// Discard returns a logger that drops everything.
func Discard(module string) *logging.Logger {
	log, _ := New(module, "critical", io.Discard)
	return log
}
