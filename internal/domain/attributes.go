package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Reserved body keys that are lifted out of the attribute bag.
const (
	AttrActor  = "actor"
	AttrVerb   = "verb"
	AttrObject = "object"
	AttrTime   = "time"
)

// ValueKind tags the JSON variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "null"
	}
}

// Value is one attribute value, kept as the exact JSON the caller sent so it
// can be echoed back unchanged.
type Value struct {
	raw json.RawMessage
}

// StringValue wraps a Go string as a JSON string value.
func StringValue(s string) Value {
	raw, _ := json.Marshal(s)
	return Value{raw: raw}
}

// RawValue wraps already-encoded JSON.
func RawValue(raw []byte) Value {
	return Value{raw: json.RawMessage(bytes.TrimSpace(raw))}
}

// Kind reports which JSON variant the value holds.
func (v Value) Kind() ValueKind {
	if len(v.raw) == 0 {
		return KindNull
	}
	switch c := v.raw[0]; {
	case c == '"':
		return KindString
	case c == '{':
		return KindObject
	case c == '[':
		return KindArray
	case c == 't' || c == 'f':
		return KindBool
	case c == 'n':
		return KindNull
	default:
		return KindNumber
	}
}

// String returns the unquoted text of a string value, or the compact JSON
// text of any other variant.
func (v Value) String() string {
	if v.Kind() == KindString {
		var s string
		if err := json.Unmarshal(v.raw, &s); err == nil {
			return s
		}
	}
	if v.Kind() == KindNull {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v.raw); err != nil {
		return string(v.raw)
	}
	return buf.String()
}

// Interface decodes the value into plain Go types (string, float64, bool,
// map[string]any, []any or nil).
func (v Value) Interface() any {
	if len(v.raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(v.raw, &out); err != nil {
		return nil
	}
	return out
}

func (v Value) MarshalJSON() ([]byte, error) {
	if len(v.raw) == 0 {
		return []byte("null"), nil
	}
	return v.raw, nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// Attribute is a single key/value entry of an Attributes bag.
type Attribute struct {
	Key   string
	Value Value
}

// Attributes is an ordered, open mapping of string keys to JSON values.
type Attributes []Attribute

// Get returns the value stored under key.
func (a Attributes) Get(key string) (Value, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value of an existing key in place or appends a new entry.
func (a Attributes) Set(key string, v Value) Attributes {
	for i := range a {
		if a[i].Key == key {
			a[i].Value = v
			return a
		}
	}
	return append(a, Attribute{Key: key, Value: v})
}

// Without returns a copy of a with the given keys removed.
func (a Attributes) Without(keys ...string) Attributes {
	out := make(Attributes, 0, len(a))
	for _, attr := range a {
		skip := false
		for _, k := range keys {
			if attr.Key == k {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, attr)
		}
	}
	return out
}

// Map flattens the bag into a map of decoded Go values for field validation.
func (a Attributes) Map() map[string]any {
	m := make(map[string]any, len(a))
	for _, attr := range a {
		m[attr.Key] = attr.Value.Interface()
	}
	return m
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, attr := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, attr.Key, attr.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	attrs, err := decodeObject(data)
	if err != nil {
		return err
	}
	*a = attrs
	return nil
}

var errNotObject = errors.New("json value is not an object")

// DecodeBody parses a request body into an ordered attribute bag. Anything
// that is not a single JSON object decodes to an empty bag.
func DecodeBody(body []byte) Attributes {
	attrs, err := decodeObject(body)
	if err != nil {
		return Attributes{}
	}
	return attrs
}

func decodeObject(data []byte) (Attributes, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errNotObject
	}

	attrs := Attributes{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		attrs = attrs.Set(key, RawValue(raw))
	}

	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after json object")
	}
	return attrs, nil
}
