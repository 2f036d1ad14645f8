// Package logging is a thin leveled wrapper over the standard logger.
// The kernel is a long-running local daemon; every line carries a level
// tag so journal greps work.
package logging

import (
	"log"
	"os"
	"sync/atomic"
)

var (
	disabled atomic.Bool
	debug    atomic.Bool
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

func init() {
	debug.Store(os.Getenv("HOMECLAW_DEBUG") != "")
}

// SetDebug toggles debug output at runtime.
func SetDebug(on bool) { debug.Store(on) }

// Disable turns off all logging (used by tests).
func Disable() { disabled.Store(true) }

// Enable turns logging back on.
func Enable() { disabled.Store(false) }

// Infof logs a formatted info message.
func Infof(format string, v ...any) {
	if !disabled.Load() {
		logger.Printf("INFO  "+format, v...)
	}
}

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) {
	if !disabled.Load() {
		logger.Printf("WARN  "+format, v...)
	}
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) {
	if !disabled.Load() {
		logger.Printf("ERROR "+format, v...)
	}
}

// Debugf logs a formatted debug message when debug output is on
// (HOMECLAW_DEBUG or the verbose flag).
func Debugf(format string, v ...any) {
	if debug.Load() && !disabled.Load() {
		logger.Printf("DEBUG "+format, v...)
	}
}
