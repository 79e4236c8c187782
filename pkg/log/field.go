package log

// Field is a single piece of structured context attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field from a key and an arbitrary value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err builds a Field named "error" from an error value. A nil error still
// produces a field so call sites don't need to guard.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Str builds a string-valued Field.
func Str(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int builds an int-valued Field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool builds a bool-valued Field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Component builds the conventional "component" field used to tag a logger
// with the subsystem it belongs to.
func Component(name string) Field {
	return Field{Key: ComponentKey, Value: name}
}

// fieldsToMap merges a Field slice into the base Fields map, returning a new
// map so the caller's base is never mutated in place.
func fieldsToMap(base Fields, fields []Field) Fields {
	out := make(Fields, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}
