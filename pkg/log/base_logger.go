package log

import (
	"context"
	"fmt"
	"os"
)

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	attrs := attrsToAny(attrsFromFieldSlice(fields))
	switch level {
	case DebugLevel:
		l.slogLogger.Debug(msg, attrs...)
	case InfoLevel:
		l.slogLogger.Info(msg, attrs...)
	case WarnLevel:
		l.slogLogger.Warn(msg, attrs...)
	case ErrorLevel:
		l.slogLogger.Error(msg, attrs...)
	case FatalLevel:
		l.slogLogger.Error(msg, attrs...)
	}
	if level == FatalLevel {
		for _, out := range l.outputs {
			_ = out.Close()
		}
		os.Exit(1)
	}
}

// Debug logs at DebugLevel.
func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }

// Info logs at InfoLevel.
func (l *BaseLogger) Info(msg string, fields ...Field) { l.log(InfoLevel, msg, fields) }

// Warn logs at WarnLevel.
func (l *BaseLogger) Warn(msg string, fields ...Field) { l.log(WarnLevel, msg, fields) }

// Error logs at ErrorLevel.
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs at ErrorLevel then terminates the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) { l.log(FatalLevel, msg, fields) }

func (l *BaseLogger) Debugf(msg string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Infof(msg string, args ...interface{})  { l.log(InfoLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Warnf(msg string, args ...interface{})  { l.log(WarnLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Errorf(msg string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(msg, args...), nil) }
func (l *BaseLogger) Fatalf(msg string, args ...interface{}) { l.log(FatalLevel, fmt.Sprintf(msg, args...), nil) }

func (l *BaseLogger) clone() *BaseLogger {
	nl := &BaseLogger{
		level:     l.level,
		fields:    l.fields,
		formatter: l.formatter,
		outputs:   l.outputs,
	}
	return nl
}

// WithField returns a derived logger carrying one additional field.
func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	return l.With(F(key, value))
}

// WithFields returns a derived logger carrying the given fields.
func (l *BaseLogger) WithFields(fields Fields) Logger {
	nl := l.clone()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	nl.fields = merged
	nl.slogLogger = l.slogLogger.With(attrsToAny(attrsFromMap(fields))...)
	return nl
}

// WithError returns a derived logger carrying an "error" field.
func (l *BaseLogger) WithError(err error) Logger {
	return l.With(Err(err))
}

// With returns a derived logger carrying the given fields.
func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	nl := l.clone()
	nl.fields = fieldsToMap(l.fields, fields)
	nl.slogLogger = l.slogLogger.With(attrsToAny(attrsFromFieldSlice(fields))...)
	return nl
}

// WithContext extracts well-known fields from ctx and attaches them.
func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	extracted := ContextExtractor(ctx)
	if len(extracted) == 0 {
		return l
	}
	return l.WithFields(extracted)
}

// WithComponent tags the logger with a component name.
func (l *BaseLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

// SetLevel changes the minimum level this logger emits.
func (l *BaseLogger) SetLevel(level Level) { l.level = level }

// GetLevel returns the current minimum level.
func (l *BaseLogger) GetLevel() Level { return l.level }
