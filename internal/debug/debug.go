// Package debug provides a process-wide switch for verbose diagnostics of the
// file format and scan internals. The switch starts from the BLAZE_DEBUG
// environment variable and can be flipped at runtime with Toggle.
package debug

import (
	"log"
	"os"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	if v := os.Getenv("BLAZE_DEBUG"); v != "" && v != "0" && v != "false" {
		enabled.Store(true)
	}
}

// Toggle turns debug mode on or off.
func Toggle(on bool) {
	enabled.Store(on)
}

// Do executes a function if debug is enabled, usually for side effects.
func Do(f func()) {
	if enabled.Load() {
		f()
	}
}

// Format writes a log line to stderr if debug is enabled.
func Format(format string, args ...interface{}) {
	if enabled.Load() {
		log.Printf(format, args...)
	}
}
