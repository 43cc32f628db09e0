// Package codec implements the schema-less key/value document exchanged by
// every call and announcement in the mesh.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrNotObject = errors.New("codec: document is not an object")
	ErrEmpty     = errors.New("codec: empty document")
)

// Document is the untyped request/response payload. Values are whatever
// encoding/json produces: string, json.Number, bool, nil, []any, map[string]any.
type Document map[string]any

// New returns an empty document.
func New() Document {
	return Document{}
}

// Encode renders d as JSON object text. A nil document encodes as "{}".
func Encode(d Document) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

// MustEncode is Encode for documents built from plain values, where a
// marshal failure is a programming error.
func MustEncode(d Document) string {
	s, err := Encode(d)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode parses JSON object text. Anything other than an object is rejected.
func Decode(text string) (Document, error) {
	return DecodeBytes([]byte(text))
}

func DecodeBytes(b []byte) (Document, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	if b[0] != '{' {
		return nil, ErrNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode document: trailing data")
	}
	if m == nil {
		return nil, ErrNotObject
	}
	return Document(m), nil
}

// Bind converts d into the typed value pointed to by v.
func Bind(d Document, v any) error {
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return fmt.Errorf("bind document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("bind document: %w", err)
	}
	return nil
}

// From converts a typed value (struct or map) into a document.
func From(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("document from %T: %w", v, err)
	}
	return DecodeBytes(b)
}

// Set stores v under key and returns d for chaining.
func (d Document) Set(key string, v any) Document {
	d[key] = v
	return d
}

func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Merge copies every field of other into d, overwriting existing keys.
func (d Document) Merge(other Document) Document {
	for k, v := range other {
		d[k] = v
	}
	return d
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the field as a string. Numbers and booleans are formatted.
func (d Document) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Int returns the field as an int, accepting numbers and numeric strings.
func (d Document) Int(key string) (int, bool) {
	switch v := d[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// IntOr returns the field as an int or def.
func (d Document) IntOr(key string, def int) int {
	if i, ok := d.Int(key); ok {
		return i
	}
	return def
}

func (d Document) Bool(key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Doc returns a nested document, or nil.
func (d Document) Doc(key string) Document {
	switch v := d[key].(type) {
	case Document:
		return v
	case map[string]any:
		return Document(v)
	default:
		return nil
	}
}

// Strings returns a list field as strings. Scalar items are formatted,
// nested objects and lists are skipped.
func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch item.(type) {
			case string, json.Number, bool, float64, int:
				out = append(out, Document{"v": item}.String("v"))
			}
		}
		return out
	default:
		return nil
	}
}

// Docs returns a list field as documents, skipping non-object items.
func (d Document) Docs(key string) []Document {
	list, ok := d[key].([]any)
	if !ok {
		if docs, ok := d[key].([]Document); ok {
			return docs
		}
		return nil
	}
	out := make([]Document, 0, len(list))
	for _, item := range list {
		switch m := item.(type) {
		case map[string]any:
			out = append(out, Document(m))
		case Document:
			out = append(out, m)
		}
	}
	return out
}
