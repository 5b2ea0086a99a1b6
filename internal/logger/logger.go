package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[LogLevel]string{
	DEBUG: "\033[34m", // Blue
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
}

const (
	colorReset   = "\033[0m"
	colorSuccess = "\033[36m" // Cyan

	colorPassed  = "\033[37;40;1m"
	colorBlocked = "\033[31;40;1m"
)

type Logger struct {
	log    *log.Logger
	level  LogLevel
	closer io.Closer
	mu     sync.RWMutex
}

var globalLogger = &Logger{
	log:   log.New(os.Stdout, "", log.Ltime|log.Lshortfile),
	level: INFO,
}

// Options mirror the logging section of the configuration file.
type Options struct {
	Level      string
	Output     string
	MaxSizeMB  int
	MaxBackups int
}

// Setup applies opts to the global logger. Output "stdout", "stderr" or empty
// writes to the console, anything else is a file path rotated by lumberjack.
func Setup(opts Options) {
	var (
		w      io.Writer
		closer io.Closer
	)
	switch strings.ToLower(opts.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		lj := &lumberjack.Logger{
			Filename:   opts.Output,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		w, closer = lj, lj
	}

	SetOutput(w)
	globalLogger.mu.Lock()
	globalLogger.closer = closer
	globalLogger.mu.Unlock()
	SetLevel(opts.Level)
}

// SetOutput redirects all log lines to w.
func SetOutput(w io.Writer) {
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	if globalLogger.closer != nil {
		_ = globalLogger.closer.Close()
		globalLogger.closer = nil
	}
	globalLogger.log.SetOutput(w)
}

// Close releases the rotating log file, if any.
func Close() error {
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	if globalLogger.closer == nil {
		return nil
	}
	err := globalLogger.closer.Close()
	globalLogger.closer = nil
	return err
}

func SetLevel(levelStr string) {
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	switch strings.ToLower(levelStr) {
	case "debug":
		globalLogger.level = DEBUG
	case "info":
		globalLogger.level = INFO
	case "warn", "warning":
		globalLogger.level = WARN
	case "error":
		globalLogger.level = ERROR
	default:
		globalLogger.level = INFO
	}
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	l.mu.RLock()
	currentLevel := l.level
	l.mu.RUnlock()

	if level < currentLevel {
		return
	}

	message := fmt.Sprintf(format, v...)
	color := levelColors[level]
	levelName := levelNames[level]

	_ = l.log.Output(3, fmt.Sprintf("%s%s%s: %s", color, levelName, colorReset, message))
}

func (l *Logger) successf(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	_ = l.log.Output(3, fmt.Sprintf("%sSUCCESS%s: %s", colorSuccess, colorReset, message))
}

// query prints the diagnosis line for one classified domain regardless of
// the level: diagnosis has its own switch.
func (l *Logger) query(domain string, blocked bool) {
	if blocked {
		_ = l.log.Output(3, fmt.Sprintf("%s >> %s [BLOCKED]%s", colorBlocked, domain, colorReset))
		return
	}
	_ = l.log.Output(3, fmt.Sprintf("%s >> %s%s", colorPassed, domain, colorReset))
}

func Debugf(format string, v ...interface{}) {
	globalLogger.logf(DEBUG, format, v...)
}

func Infof(format string, v ...interface{}) {
	globalLogger.logf(INFO, format, v...)
}

func Warnf(format string, v ...interface{}) {
	globalLogger.logf(WARN, format, v...)
}

func Errorf(format string, v ...interface{}) {
	globalLogger.logf(ERROR, format, v...)
}

func Successf(format string, v ...interface{}) {
	globalLogger.successf(format, v...)
}

func Query(domain string, blocked bool) {
	globalLogger.query(domain, blocked)
}
