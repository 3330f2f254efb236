// Package logger is a thin component-tagged facade over zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// SetOutput replaces the log destination. JSON is written when json is true,
// a human readable console format otherwise.
func SetOutput(w io.Writer, json bool) {
	mu.Lock()
	defer mu.Unlock()
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	log = zerolog.New(w).With().Timestamp().Logger().Level(log.GetLevel())
}

// SetLevel accepts debug, info, warn or error. Unknown values fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	log = log.Level(lvl)
	mu.Unlock()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func emit(e *zerolog.Event, component, msg string, fields map[string]interface{}) {
	if component != "" {
		e = e.Str("component", component)
	}
	if len(fields) > 0 {
		e = e.Fields(fields)
	}
	e.Msg(msg)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Debug(), component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Info(), component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Warn(), component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Error(), component, msg, fields)
}

func Info(msg string)  { InfoCF("", msg, nil) }
func Warn(msg string)  { WarnCF("", msg, nil) }
func Error(msg string) { ErrorCF("", msg, nil) }
