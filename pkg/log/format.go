package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// JSONFormatter renders each Entry as a single line of JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	rec := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		rec[k] = v
	}
	rec["level"] = entry.Level.String()
	rec["msg"] = entry.Message
	rec["time"] = entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	if entry.Caller != "" {
		rec["caller"] = entry.Caller
	}
	if entry.Error != nil {
		rec["error"] = entry.Error.Error()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders each Entry as a single human-readable line, keys
// sorted for deterministic output.
type TextFormatter struct {
	// DisableColor turns off ANSI level coloring.
	DisableColor bool
}

func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
	buf.WriteByte(' ')
	buf.WriteString(f.levelTag(entry.Level))
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Fields[k])
	}
	if entry.Caller != "" {
		fmt.Fprintf(&buf, " caller=%s", entry.Caller)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *TextFormatter) levelTag(l Level) string {
	if f.DisableColor {
		return "[" + l.String() + "]"
	}
	code := "37"
	switch l {
	case DebugLevel:
		code = "90"
	case InfoLevel:
		code = "36"
	case WarnLevel:
		code = "33"
	case ErrorLevel, FatalLevel:
		code = "31"
	}
	return fmt.Sprintf("\x1b[%sm[%s]\x1b[0m", code, l.String())
}
