package diag

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Severity represents log message severity levels
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity converts a configuration string like "warning" to a Severity.
// Unknown strings map to SeverityInfo.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "debug":
		return SeverityDebug
	case "info":
		return SeverityInfo
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Logger is the diagnostic sink for the mirroring engine. Per-record
// normalization failures and skipped categories are reported here rather
// than aborting the batch that produced them.
type Logger interface {
	// Logf logs a formatted message with the specified severity
	Logf(severity Severity, format string, args ...any)

	// Debugf logs a formatted debug message
	Debugf(format string, args ...any)

	// Infof logs a formatted info message
	Infof(format string, args ...any)

	// Warnf logs a formatted warning message
	Warnf(format string, args ...any)

	// Errorf logs a formatted error message
	Errorf(format string, args ...any)
}

// StdLogger implements the Logger interface using Go's standard logger
type StdLogger struct {
	infoLog  *log.Logger
	errorLog *log.Logger
	minLevel Severity
}

// NewStdLogger creates a logger writing info and below to stdout and
// errors to stderr, dropping messages under minLevel.
func NewStdLogger(minLevel Severity) *StdLogger {
	return NewStdLoggerWithWriter(os.Stdout, os.Stderr, minLevel)
}

// NewStdLoggerWithWriter creates a new standard logger with custom writers
func NewStdLoggerWithWriter(stdout, stderr io.Writer, minLevel Severity) *StdLogger {
	return &StdLogger{
		infoLog:  log.New(stdout, "", log.Ltime),
		errorLog: log.New(stderr, "", log.Ltime),
		minLevel: minLevel,
	}
}

// Logf logs a formatted message with the specified severity
func (l *StdLogger) Logf(severity Severity, format string, args ...any) {
	if severity < l.minLevel {
		return
	}
	msg := severity.String() + ": " + fmt.Sprintf(format, args...)
	if severity >= SeverityError {
		l.errorLog.Output(2, msg)
		return
	}
	l.infoLog.Output(2, msg)
}

// Debugf logs a formatted debug message
func (l *StdLogger) Debugf(format string, args ...any) {
	l.Logf(SeverityDebug, format, args...)
}

// Infof logs a formatted info message
func (l *StdLogger) Infof(format string, args ...any) {
	l.Logf(SeverityInfo, format, args...)
}

// Warnf logs a formatted warning message
func (l *StdLogger) Warnf(format string, args ...any) {
	l.Logf(SeverityWarning, format, args...)
}

// Errorf logs a formatted error message
func (l *StdLogger) Errorf(format string, args ...any) {
	l.Logf(SeverityError, format, args...)
}

// NopLogger is a logger that doesn't log anything
type NopLogger struct{}

// NewNopLogger creates a new no-op logger
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// Logf does nothing
func (l *NopLogger) Logf(severity Severity, format string, args ...any) {}

// Debugf does nothing
func (l *NopLogger) Debugf(format string, args ...any) {}

// Infof does nothing
func (l *NopLogger) Infof(format string, args ...any) {}

// Warnf does nothing
func (l *NopLogger) Warnf(format string, args ...any) {}

// Errorf does nothing
func (l *NopLogger) Errorf(format string, args ...any) {}
