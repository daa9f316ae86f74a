// Package logger provides named loggers that share a single process-wide handler.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/log"
)

var (
	mHandler sync.RWMutex
	handler  log.Handler
)

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
}

// SetHandler changes the global logging handler.
// Loggers created before the call keep writing to the previous handler.
func SetHandler(h log.Handler) {
	h.SetFormatter(logFormatter{})
	mHandler.Lock()
	handler = h
	mHandler.Unlock()
}

// SetLevel sets the logging level on the global handler.
func SetLevel(l log.Level) {
	mHandler.RLock()
	handler.SetLevel(l)
	mHandler.RUnlock()
}

var levels = map[string]log.Level{
	"debug":    log.DEBUG,
	"info":     log.INFO,
	"notice":   log.NOTICE,
	"warning":  log.WARNING,
	"error":    log.ERROR,
	"critical": log.CRITICAL,
}

// ParseLevel converts a level name as written in config files to a log.Level.
func ParseLevel(s string) (log.Level, error) {
	l, ok := levels[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return log.INFO, fmt.Errorf("unknown log level: %q", s)
	}
	return l, nil
}

// Logger is for logging messages from inside of the program in various logging levels.
type Logger log.Logger

// New returns a new Logger with a name.
// Log messages are prefixed with this name by the default Handler.
func New(name string) Logger {
	mHandler.RLock()
	h := handler
	mHandler.RUnlock()
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG) // forward all messages to handler
	l.SetHandler(h)
	return l
}

// Short returns the first n characters of s for use in logger names.
func Short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

type logFormatter struct{}

// Format outputs a message like "2014-02-28 18:15:57 INFO     [download 4242e334] stop.go:42  stopping"
func (f logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %-12s %s",
		fmt.Sprint(rec.Time)[:19],
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}
