// Package sysutil holds process-level helpers shared by the negotiator
// commands: log level and log output setup.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// LogOutput describes where log lines go.
type LogOutput struct {
	Pretty     bool   // console writer on stdout
	File       string // rotated JSON file; empty disables
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogWriter returns stdout, optionally teed into a lumberjack-rotated
// file. The returned closer flushes and closes the file; it is a no-op when
// no file is configured.
func NewLogWriter(o LogOutput) (io.Writer, func() error) {
	var stdout io.Writer = os.Stdout
	if o.Pretty {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if strings.TrimSpace(o.File) == "" {
		return stdout, func() error { return nil }
	}
	rotator := &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   true,
	}
	return zerolog.MultiLevelWriter(stdout, rotator), rotator.Close
}

// InitLogger installs the global zerolog logger for the process.
func InitLogger(level string, o LogOutput) func() error {
	SetLogLevel(level)
	w, closeFn := NewLogWriter(o)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return closeFn
}

// FirstNonEmpty returns the first non-empty string from a variadic list.
// If all values are empty, it returns "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
