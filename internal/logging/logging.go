// Package logging provides debug logging utilities for the vision3 BBS.
package logging

import (
	"log"
	"strings"
)

// DebugEnabled controls whether Debug() produces output.
// Set via the LOG_LEVEL environment variable (SetLevel) or directly.
var DebugEnabled bool

// Debug logs a message only when DebugEnabled is true.
func Debug(format string, args ...any) {
	if DebugEnabled {
		log.Printf("DEBUG: "+format, args...)
	}
}

// Log levels, ordered least to most severe. These mirror the string
// prefixes used board-wide in log.Printf calls.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

var levelNames = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "CRITICAL"}

var minLevel = LevelInfo

// SetLevel sets the minimum level Logf emits, by case-insensitive name
// ("trace" through "critical"). Unknown names leave the level unchanged
// and return false. Setting "debug" or "trace" also enables the Debug()
// gate so existing call sites follow the same switch.
func SetLevel(name string) bool {
	for i, n := range levelNames {
		if strings.EqualFold(name, n) {
			minLevel = i
			DebugEnabled = i <= LevelDebug
			return true
		}
	}
	return false
}

// Logf writes a leveled message when lvl is at or above the configured
// minimum, in the same "LEVEL: message" shape the rest of the board logs
// with.
func Logf(lvl int, format string, args ...any) {
	if lvl < minLevel || lvl < 0 || lvl >= len(levelNames) {
		return
	}
	log.Printf(levelNames[lvl]+": "+format, args...)
}
