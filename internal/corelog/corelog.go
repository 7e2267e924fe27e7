// Package corelog provides the ambient logging wrapper used throughout the
// core. It is a thin layer over the standard log package so call sites read
// like ordinary log.Printf calls while tests can redirect output.
package corelog

import (
	"log"
	"os"
)

var out = log.New(os.Stderr, "", log.LstdFlags)

// SetOutput redirects the logger, used by tests to capture log lines.
func SetOutput(w *log.Logger) {
	if w == nil {
		return
	}
	out = w
}

// Printf logs an informational line.
func Printf(format string, args ...any) {
	out.Printf(format, args...)
}

// Warnf logs a warning line, prefixed so it is greppable in production logs.
func Warnf(format string, args ...any) {
	out.Printf("warn: "+format, args...)
}

// Errorf logs an error line. It never panics and never returns an error —
// logging failures must not interrupt the caller.
func Errorf(format string, args ...any) {
	out.Printf("error: "+format, args...)
}
