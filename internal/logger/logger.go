package logger

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Level represents a log level
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var (
	currentLevel Level = LevelInfo
	mu           sync.RWMutex
)

// ParseLevel converts a level name to a Level. Unknown names map to LevelInfo.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
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

// SetLevel sets the global log level from a string.
// Valid values: "trace", "debug", "info", "warn", "error".
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	currentLevel = ParseLevel(level)
}

// GetLevel returns the active log level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// Tracef logs a trace message.
func Tracef(format string, args ...interface{}) {
	if GetLevel() <= LevelTrace {
		log.Printf("[TRACE] "+format, args...)
	}
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) {
	if GetLevel() <= LevelDebug {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	if GetLevel() <= LevelInfo {
		log.Printf("[INFO] "+format, args...)
	}
}

// Warnf logs a warning message.
func Warnf(format string, args ...interface{}) {
	if GetLevel() <= LevelWarn {
		log.Printf("[WARN] "+format, args...)
	}
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}

// Calls logs the start and end of named operations when Enabled.
type Calls struct {
	Enabled bool
}

// Wrap runs fn, logging EXECUTING/FINISHED lines around it.
func (c Calls) Wrap(name string, fn func() error) error {
	if !c.Enabled {
		return fn()
	}

	log.Printf("[INFO] EXECUTING: %s", name)
	start := time.Now()
	err := fn()
	if err != nil {
		log.Printf("[INFO] FAILED: %s after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
		return err
	}
	log.Printf("[INFO] FINISHED: %s in %s", name, time.Since(start).Round(time.Millisecond))
	return nil
}
