package log

import (
	"fmt"
	"log"
	"strings"
)

// Config declaratively describes how to build a Logger, so it can be built
// from a config file or environment without importing this package's option
// functions directly.
type Config struct {
	Level    string `json:"level" yaml:"level"`
	Format   string `json:"format" yaml:"format"`
	FilePath string `json:"filePath" yaml:"filePath"`
}

// ParseLevel converts a case-insensitive level name to a Level. An empty
// string maps to InfoLevel; an unrecognized one returns InfoLevel together
// with an error, and callers decide the fallback.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from a Config. Formatter is JSON when
// cfg.Format == "json", text otherwise. When FilePath is set, output goes to
// that file in addition to the console. extra is appended after the options
// derived from cfg, so callers can layer on WithRedactedFields,
// WithSampledLogging, or anything else not expressible in Config.
func ApplyConfig(cfg Config, extra ...LoggerOption) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = InfoLevel
	}

	var formatter Formatter = &TextFormatter{}
	if strings.EqualFold(cfg.Format, "json") {
		formatter = &JSONFormatter{}
	}

	opts := []LoggerOption{
		WithLevel(level),
		WithFormatter(formatter),
		WithOutput(NewConsoleOutput()),
	}

	if cfg.FilePath != "" {
		fo, err := NewFileOutput(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("log: open file output: %w", err)
		}
		opts = append(opts, WithOutput(fo))
	}

	opts = append(opts, extra...)

	return NewLogger(opts...), nil
}

// stdLogWriter adapts a Logger to io.Writer so it can back a standard
// library *log.Logger.
type stdLogWriter struct {
	logger Logger
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// ToStdLogger returns a standard library *log.Logger that writes through l
// at InfoLevel. Useful for handing to third-party packages (e.g. Pebble)
// that only accept the standard library logger.
func ToStdLogger(l Logger) *log.Logger {
	return log.New(stdLogWriter{logger: l}, "", 0)
}

// RedirectStdLog points the standard library's default logger at l, so
// packages that call log.Print directly are captured by our pipeline too.
func RedirectStdLog(l Logger) {
	log.SetFlags(0)
	log.SetOutput(stdLogWriter{logger: l})
}

var defaultLogger Logger

// GetDefaultLogger returns a process-wide fallback logger, lazily
// constructed with sensible defaults. Prefer constructing and injecting a
// Logger explicitly; this exists for library code with no other path to one.
func GetDefaultLogger() Logger {
	if defaultLogger == nil {
		defaultLogger = NewLogger(WithLevel(InfoLevel), WithFormatter(&TextFormatter{}), WithOutput(NewConsoleOutput()))
	}
	return defaultLogger
}
