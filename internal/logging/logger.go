// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	clog "github.com/charmbracelet/log"
)

// Options configures a logger built by New.
type Options struct {
	Level  string
	JSON   bool
	Prefix string
}

// L is the package-level logger used by the helper functions below and as
// the parent of component loggers when none is passed in.
var L = clog.New(os.Stderr)

// New builds a logger writing to w. An unknown level falls back to info.
func New(w io.Writer, opts Options) *clog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		lvl = clog.InfoLevel
	}
	lo := clog.Options{
		Level:           lvl,
		Prefix:          opts.Prefix,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	}
	if opts.JSON {
		lo.Formatter = clog.JSONFormatter
	}
	return clog.NewWithOptions(w, lo)
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (clog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return clog.DebugLevel, nil
	case "", "info":
		return clog.InfoLevel, nil
	case "warn", "warning":
		return clog.WarnLevel, nil
	case "error":
		return clog.ErrorLevel, nil
	}
	return clog.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// SetDefault replaces the package-level logger.
func SetDefault(l *clog.Logger) {
	if l != nil {
		L = l
	}
}

// Component returns a sub-logger tagged with the component name. A nil
// parent uses the package-level logger.
func Component(parent *clog.Logger, name string) *clog.Logger {
	if parent == nil {
		parent = L
	}
	return parent.With("component", name)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *clog.Logger {
	return clog.New(io.Discard)
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...any) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...any) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...any) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...any) {
	L.Error(fmt.Sprintf(format, v...))
}
