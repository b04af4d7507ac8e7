package msgsock

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// loggerWith returns a logger that attaches args to every entry.
// A *slog.Logger is derived with With; other implementations are wrapped.
func loggerWith(l Logger, args ...any) Logger {
	if len(args) == 0 {
		return l
	}
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(args...)
	}
	return &attrLogger{next: l, attrs: args}
}

// attrLogger prepends a fixed set of key-value pairs.
type attrLogger struct {
	next  Logger
	attrs []any
}

func (l *attrLogger) merge(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	out = append(out, l.attrs...)
	return append(out, args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.merge(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.merge(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.merge(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.next.Error(msg, l.merge(args)...) }
