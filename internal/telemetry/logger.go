// Package telemetry carries the printf logger and counter set shared by the relay, the
// substrates and the scheduler.
package telemetry

import "log"

// Logger is the printf-style sink for operational lines such as "[relay] peer=3 joined".
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts a function to Logger. A nil LoggerFunc discards.
type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f != nil {
		f(format, args...)
	}
}

// WrapLogger adapts l. A nil l discards.
func WrapLogger(l *log.Logger) Logger {
	return stdLogger{l}
}

// StandardLogger returns the *log.Logger behind a Logger made by WrapLogger, or nil.
func StandardLogger(l Logger) *log.Logger {
	if std, ok := l.(stdLogger); ok {
		return std.Logger
	}
	return nil
}

type stdLogger struct {
	*log.Logger
}

func (l stdLogger) Printf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

// Discard returns a Logger that drops every line.
func Discard() Logger {
	return LoggerFunc(nil)
}
