package duetboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Navigation faults returned (wrapped in [ExtractError]) when a payload does
// not have the shape the extraction rules expect.
var (
	// ErrMissingField indicates an object did not contain the requested key.
	ErrMissingField = errors.New("missing field")

	// ErrUnexpectedType indicates a value had a different JSON type than expected.
	ErrUnexpectedType = errors.New("unexpected type")

	// ErrIndexOutOfRange indicates an array index beyond the array length.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrInvalidIndex indicates a tool or axis identifier that is not an integer.
	ErrInvalidIndex = errors.New("invalid index")
)

// PathError describes a failed navigation step inside a [Value].
type PathError struct {
	// Path is the dotted path that was being resolved, e.g. "result.heaters[1].current".
	Path string

	// Err is one of the navigation sentinel errors.
	Err error
}

func (e *PathError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Value is a decoded JSON document, or a node within one.
//
// Value is immutable. The zero Value represents an absent payload; use
// [Value.IsZero] to distinguish it from a JSON null, which is a present
// value whose [Value.Scalar] is nil.
type Value struct {
	raw     any
	path    string
	present bool
}

// ParseValue decodes a JSON document into a [Value].
//
// Trailing data after the first JSON value is rejected.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return Value{}, errors.New("decode json: trailing data after document")
	}
	return Value{raw: raw, present: true}, nil
}

// IsZero reports whether v holds no document at all.
func (v Value) IsZero() bool {
	return !v.present
}

// IsNull reports whether v is a JSON null.
func (v Value) IsNull() bool {
	return v.present && v.raw == nil
}

// Path returns the location of v inside its root document.
func (v Value) Path() string {
	if v.path == "" {
		return "$"
	}
	return v.path
}

// Lookup walks v along steps. A string step selects an object key and an
// int step selects an array element.
func (v Value) Lookup(steps ...any) (Value, error) {
	current := v
	for _, step := range steps {
		var err error
		switch s := step.(type) {
		case string:
			current, err = current.field(s)
		case int:
			current, err = current.index(s)
		default:
			return Value{}, &PathError{Path: current.Path(), Err: fmt.Errorf("%w: step %T", ErrUnexpectedType, step)}
		}
		if err != nil {
			return Value{}, err
		}
	}
	return current, nil
}

func (v Value) field(key string) (Value, error) {
	childPath := joinPath(v.path, key)
	obj, ok := v.raw.(map[string]any)
	if !ok {
		return Value{}, &PathError{Path: childPath, Err: fmt.Errorf("%w: %s is %s, want object", ErrUnexpectedType, v.Path(), typeName(v.raw))}
	}
	child, ok := obj[key]
	if !ok {
		return Value{}, &PathError{Path: childPath, Err: ErrMissingField}
	}
	return Value{raw: child, path: childPath, present: true}, nil
}

func (v Value) index(i int) (Value, error) {
	childPath := fmt.Sprintf("%s[%d]", v.Path(), i)
	arr, ok := v.raw.([]any)
	if !ok {
		return Value{}, &PathError{Path: childPath, Err: fmt.Errorf("%w: %s is %s, want array", ErrUnexpectedType, v.Path(), typeName(v.raw))}
	}
	if i < 0 || i >= len(arr) {
		return Value{}, &PathError{Path: childPath, Err: fmt.Errorf("%w: length %d", ErrIndexOutOfRange, len(arr))}
	}
	return Value{raw: arr[i], path: childPath, present: true}, nil
}

// Float returns v as a number.
func (v Value) Float() (float64, error) {
	f, ok := v.raw.(float64)
	if !ok {
		return 0, &PathError{Path: v.Path(), Err: fmt.Errorf("%w: %s, want number", ErrUnexpectedType, typeName(v.raw))}
	}
	return f, nil
}

// Text returns v as a string.
func (v Value) Text() (string, error) {
	s, ok := v.raw.(string)
	if !ok {
		return "", &PathError{Path: v.Path(), Err: fmt.Errorf("%w: %s, want string", ErrUnexpectedType, typeName(v.raw))}
	}
	return s, nil
}

// Scalar returns v as float64, string, bool or nil (for JSON null).
// Objects and arrays are rejected.
func (v Value) Scalar() (any, error) {
	switch v.raw.(type) {
	case nil, float64, string, bool:
		return v.raw, nil
	default:
		return nil, &PathError{Path: v.Path(), Err: fmt.Errorf("%w: %s, want scalar", ErrUnexpectedType, typeName(v.raw))}
	}
}

// Keys returns the sorted keys of an object value.
func (v Value) Keys() ([]string, error) {
	obj, ok := v.raw.(map[string]any)
	if !ok {
		return nil, &PathError{Path: v.Path(), Err: fmt.Errorf("%w: %s, want object", ErrUnexpectedType, typeName(v.raw))}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// empty reports whether v is falsy the way a status field is: absent, null or "".
func (v Value) empty() bool {
	if !v.present || v.raw == nil {
		return true
	}
	s, ok := v.raw.(string)
	return ok && s == ""
}

// parseIndex converts a tool or axis identifier into an array index.
func parseIndex(path, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &PathError{Path: path, Err: fmt.Errorf("%w: %q", ErrInvalidIndex, s)}
	}
	return n, nil
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func typeName(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", raw)
	}
}
