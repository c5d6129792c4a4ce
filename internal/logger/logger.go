package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// String returns the upper-case name of the level
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts debug, info, warn or error (any case) to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Hook receives every message that passed the level filter.
// Used to mirror log lines into the status page.
type Hook func(level Level, msg string)

type Logger struct {
	mu          sync.RWMutex
	level       Level
	logger      *log.Logger
	useUnixTime bool
	hook        Hook
}

var std = &Logger{
	level:  INFO,
	logger: log.New(os.Stdout, "", log.LstdFlags),
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// SetLevelFromString sets log level from string (debug, info, warn, error).
// Unknown names leave the level unchanged.
func SetLevelFromString(levelStr string) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		Warn("[LOGGER] %v, keeping %s", err, GetLevel())
		return
	}
	SetLevel(level)
	std.logger.Printf("[LOGGER] Log level set to %s", level)
}

// SetTimestampFormat switches between "time" (log.LstdFlags) and "unix" prefixes
func SetTimestampFormat(format string) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if strings.EqualFold(format, "unix") {
		std.useUnixTime = true
		std.logger.SetFlags(0)
		return
	}
	std.useUnixTime = false
	std.logger.SetFlags(log.LstdFlags)
}

// SetOutput redirects all log output, mainly for tests
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.logger.SetOutput(w)
}

// SetHook installs h; nil removes it
func SetHook(h Hook) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.hook = h
}

// GetLevel returns current log level
func GetLevel() Level {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.level
}

// GetLevelString returns current log level as string
func GetLevelString() string {
	return GetLevel().String()
}

func output(level Level, prefix, format string, v ...interface{}) {
	std.mu.RLock()
	if level < std.level {
		std.mu.RUnlock()
		return
	}
	useUnix := std.useUnixTime
	hook := std.hook
	std.mu.RUnlock()

	msg := fmt.Sprintf(format, v...)
	if useUnix {
		std.logger.Print(fmt.Sprintf("[%d] %s%s", time.Now().Unix(), prefix, msg))
	} else {
		std.logger.Print(prefix + msg)
	}
	if hook != nil {
		hook(level, msg)
	}
}

// Debug logs at DEBUG level
func Debug(format string, v ...interface{}) {
	output(DEBUG, "[DEBUG] ", format, v...)
}

// Info logs at INFO level
func Info(format string, v ...interface{}) {
	output(INFO, "[INFO] ", format, v...)
}

// Warn logs at WARN level
func Warn(format string, v ...interface{}) {
	output(WARN, "[WARN] ", format, v...)
}

// Error logs at ERROR level
func Error(format string, v ...interface{}) {
	output(ERROR, "[ERROR] ", format, v...)
}

// Fatal logs unconditionally and exits with status 1
func Fatal(format string, v ...interface{}) {
	std.logger.Print("[FATAL] " + fmt.Sprintf(format, v...))
	os.Exit(1)
}
