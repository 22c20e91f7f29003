package logging

import (
	"fmt"
	"io"
	"reflect"
	"sync"

	"ethos/internal/observability"
)

// Logger defines a minimal, printf-style logging contract.
//
// Pipeline components depend on this interface instead of a concrete sink so
// wiring can hand them the structured application logger, a test buffer, or
// nothing at all.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a typed nil pointer.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type structuredPrintfLogger struct {
	logger *observability.Logger
}

// FromStructured wraps the structured application logger and preserves
// printf-style call sites by formatting the message before emitting it.
// The component name is attached as a structured field.
func FromStructured(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	scoped := logger
	if component != "" {
		scoped = scoped.With("component", component)
	}
	return &structuredPrintfLogger{logger: scoped}
}

func (l *structuredPrintfLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *structuredPrintfLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *structuredPrintfLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *structuredPrintfLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

type writerLogger struct {
	mu        sync.Mutex
	w         io.Writer
	component string
}

// NewWriterLogger returns a plain logger that writes level-tagged lines to w.
// Intended for tests and simple command output.
func NewWriterLogger(w io.Writer, component string) Logger {
	if w == nil {
		return Nop()
	}
	return &writerLogger{w: w, component: component}
}

func (l *writerLogger) emit(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		fmt.Fprintf(l.w, "%s [%s] ", level, l.component)
	} else {
		fmt.Fprintf(l.w, "%s ", level)
	}
	fmt.Fprintf(l.w, format, args...)
	fmt.Fprintln(l.w)
}

func (l *writerLogger) Debug(format string, args ...any) { l.emit("DEBUG", format, args...) }
func (l *writerLogger) Info(format string, args ...any)  { l.emit("INFO", format, args...) }
func (l *writerLogger) Warn(format string, args ...any)  { l.emit("WARN", format, args...) }
func (l *writerLogger) Error(format string, args ...any) { l.emit("ERROR", format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
