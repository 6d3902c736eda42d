package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
)

var (
	// base serves structured calls through Get; wrapped serves the printf
	// helpers below, which add one frame.
	base    *log.Logger
	wrapped *log.Logger
	logFile *os.File
)

// InitLogger initializes the logger with a file output and console output.
// An empty filename logs to stdout only.
func InitLogger(filename string, level string) error {
	var out io.Writer = os.Stdout
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", filename, err)
		}
		logFile = f
		out = io.MultiWriter(os.Stdout, logFile)
	}
	setup(out, parseLevel(level))
	return nil
}

func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func setup(out io.Writer, level log.Level) {
	base = &log.Logger{
		Level:  level,
		Caller: 1,
		Writer: &log.IOWriter{Writer: out},
	}
	w := *base
	w.Caller = 2
	wrapped = &w
}

// Get returns the underlying structured logger for call sites that attach fields.
func Get() *log.Logger {
	if base == nil {
		setup(os.Stdout, log.InfoLevel)
	}
	return base
}

func printf() *log.Logger {
	if wrapped == nil {
		setup(os.Stdout, log.InfoLevel)
	}
	return wrapped
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func Debug(format string, v ...interface{}) {
	printf().Debug().Msgf(format, v...)
}

func Info(format string, v ...interface{}) {
	printf().Info().Msgf(format, v...)
}

func Error(format string, v ...interface{}) {
	printf().Error().Msgf(format, v...)
}

func Warn(format string, v ...interface{}) {
	printf().Warn().Msgf(format, v...)
}
