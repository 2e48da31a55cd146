// Package logger defines a simple logging function type used throughout
// relaycheck instead of a concrete logging framework, so every component
// can be handed a log sink without depending on how it's wired up.
package logger

import "log"

// Logf is the basic logging function type used by relaycheck.
type Logf func(format string, args ...interface{})

// Std returns logf if non-nil, else a Logf backed by the standard log
// package.
func Std(logf Logf) Logf {
	if logf != nil {
		return logf
	}
	return log.Printf
}

// WithPrefix returns a Logf that prepends prefix to every message.
func WithPrefix(logf Logf, prefix string) Logf {
	return func(format string, args ...interface{}) {
		logf(prefix+format, args...)
	}
}
