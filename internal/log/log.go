// Package log provides structured diagnostic logging for kiln.
// It writes leveled, categorized key=value lines to a log file and is
// conditionally enabled via the --debug flag or KILN_DEBUG env. Domain
// log records persisted for the UI are a separate concern handled by the
// store; this package is for operator diagnostics only.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log messages.
type Category string

const (
	CatDB        Category = "db"        // Database operations and migrations
	CatGit       Category = "git"       // Repository clone/sync/checkout
	CatToolchain Category = "toolchain" // idf.py and QEMU subprocesses
	CatLLM       Category = "llm"       // Language-model requests
	CatBus       Category = "bus"       // Event bus dispatch
	CatWorkflow  Category = "workflow"  // Workflow engine scheduling
	CatBuild     Category = "build"     // Build orchestration
	CatWebhook   Category = "webhook"   // Webhook intake
	CatHTTP      Category = "http"      // REST handlers
	CatWS        Category = "ws"        // WebSocket hub
	CatDeps      Category = "deps"      // Dependency scanning
	CatConfig    Category = "config"    // Configuration loading/saving
	CatCache     Category = "cache"     // Cache operations
	CatWatcher   Category = "watcher"   // Manifest watcher events
)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger.
// Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

func newLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled debug log path
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     f,
		writer:   f,
		enabled:  true,
		minLevel: LevelDebug,
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil || !defaultLogger.enabled {
		return
	}
	if level < defaultLogger.minLevel {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	// Format: 2026-03-02T10:45:00 [ERROR] [git] message key=value key2=value2
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	entry := fmt.Sprintf("%s [%s] [%s] %s", timestamp, level, cat, msg)

	// Append fields (key=value pairs)
	for i := 0; i+1 < len(fields); i += 2 {
		key := fields[i]
		value := fields[i+1]
		entry += fmt.Sprintf(" %v=%v", key, value)
	}
	// Handle odd field count - append orphan key with no value
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}
}

// SafeGo runs fn on a new goroutine, logging a recovered panic instead of
// crashing the process. The name identifies the goroutine in the log.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatBus, "goroutine panic recovered", "goroutine", name, "panic", r)
			}
		}()
		fn()
	}()
}
