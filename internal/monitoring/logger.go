// Package monitoring holds the process-wide diagnostic logger used by the
// kiosk components.
package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level is the severity of a diagnostic message.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a
// Level. Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(LevelInfo))
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetLevel sets the minimum level emitted by the level helpers.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

// Enabled reports whether messages at l are currently emitted.
func Enabled(l Level) bool { return int32(l) >= minLevel.Load() }

func logAt(l Level, component, format string, v ...interface{}) {
	if !Enabled(l) {
		return
	}
	Logf("%-5s [%s] "+format, append([]interface{}{l, component}, v...)...)
}

// Debugf logs a debug message tagged with the component name.
func Debugf(component, format string, v ...interface{}) {
	logAt(LevelDebug, component, format, v...)
}

// Infof logs an informational message tagged with the component name.
func Infof(component, format string, v ...interface{}) {
	logAt(LevelInfo, component, format, v...)
}

func Warnf(component, format string, v ...interface{}) {
	logAt(LevelWarn, component, format, v...)
}

func Errorf(component, format string, v ...interface{}) {
	logAt(LevelError, component, format, v...)
}
