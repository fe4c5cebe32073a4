// Package jsonx parses and serializes flat JSON objects while preserving the
// order in which their fields appear. Field order is externally observable in
// stream entries and event payloads, so the default map-based decoding of
// encoding/json is not enough.
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Field is a single (key, value) pair of a flat JSON object. Values are kept
// as strings because stream entry fields are strings on the wire.
type Field struct {
	Key   string
	Value string
}

// Object is an ordered flat JSON object. It marshals its fields in order and
// unmarshals preserving document order.
type Object []Field

// MarshalJSON implements json.Marshaler.
func (o Object) MarshalJSON() ([]byte, error) {
	return MarshalObject(o), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Object) UnmarshalJSON(data []byte) error {
	fields, err := ParseObject(data)
	if err != nil {
		return err
	}
	*o = fields
	return nil
}

// ParseObject decodes a flat JSON object into its fields, in document order.
// Scalar values are stringified; nested objects and arrays are kept as their
// compact JSON encoding.
func ParseObject(data []byte) ([]Field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var fields []Field
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is not a string: %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("reading value for %q: %w", key, err)
		}
		fields = append(fields, Field{Key: key, Value: rawToString(raw)})
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("unterminated JSON object: %w", err)
	}
	return fields, nil
}

// rawToString renders a raw JSON value as the string it should carry on a
// stream entry: strings are unquoted, scalars keep their literal form, and
// composites stay as JSON.
func rawToString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// MarshalObject serializes fields as a JSON object, preserving their order.
// Values that are themselves valid JSON composites or numbers are emitted
// verbatim; everything else is quoted.
func MarshalObject(fields []Field) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(f.Key))
		buf.WriteByte(':')
		buf.Write(valueJSON(f.Value))
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// valueJSON renders a field value. Composite values round-trip as JSON so a
// nested payload survives re-serialization; plain strings are quoted.
func valueJSON(v string) []byte {
	if len(v) > 0 && (v[0] == '{' || v[0] == '[') && json.Valid([]byte(v)) {
		return []byte(v)
	}
	b, _ := json.Marshal(v)
	return b
}

// Flatten converts fields into the alternating key/value slice accepted by
// XADD and by the engine's Lua scripts.
func Flatten(fields []Field) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

// FlattenStrings is Flatten for script argument lists.
func FlattenStrings(fields []Field) []string {
	out := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

// FromValues builds fields from the map go-redis returns for a stream entry.
// The wire order is lost in the map, so keys are sorted for a deterministic
// result.
func FromValues(values map[string]interface{}) []Field {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, Field{Key: k, Value: fmt.Sprint(values[k])})
	}
	return fields
}

// FromPairs builds fields from an alternating key/value slice. A trailing key
// without a value is dropped.
func FromPairs(pairs []string) []Field {
	fields := make([]Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		fields = append(fields, Field{Key: pairs[i], Value: pairs[i+1]})
	}
	return fields
}
