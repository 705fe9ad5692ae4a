package malshare

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

var (
	// ErrFieldNotFound is returned by Value.Field when the object has no such key.
	ErrFieldNotFound = errors.New("field not found")
	// ErrIndexOutOfRange is returned by Value.Index for indexes outside the array.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// KindError reports an accessor used on a Value of the wrong kind.
type KindError struct {
	Want Kind
	Got  Kind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Want, e.Got)
}

// Value is a decoded JSON document. The zero Value is JSON null.
//
// Numbers keep their original text and objects keep their key order, so
// re-encoding a parsed Value reproduces the source document up to whitespace.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	keys []string
	obj  map[string]Value
}

// ParseValue decodes a single JSON document. Trailing non-whitespace data is rejected.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Value{}, errors.New("empty JSON document")
		}
		return Value{}, err
	}
	if tok, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err != nil {
			return Value{}, fmt.Errorf("trailing data after JSON document: %w", err)
		}
		return Value{}, fmt.Errorf("trailing data after JSON document: %v", tok)
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Value{kind: KindBool, b: t}, nil
	case json.Number:
		return Value{kind: KindNumber, num: t}, nil
	case string:
		return Value{kind: KindString, str: t}, nil
	case json.Delim:
		switch t {
		case '[':
			return decodeArray(dec)
		case '{':
			return decodeObject(dec)
		}
		return Value{}, fmt.Errorf("unexpected delimiter %q", t)
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

func decodeArray(dec *json.Decoder) (Value, error) {
	arr := make([]Value, 0)
	for dec.More() {
		el, err := decodeValue(dec)
		if err != nil {
			return Value{}, unexpectedEOF(err)
		}
		arr = append(arr, el)
	}
	if _, err := dec.Token(); err != nil {
		return Value{}, unexpectedEOF(err)
	}
	return Value{kind: KindArray, arr: arr}, nil
}

func decodeObject(dec *json.Decoder) (Value, error) {
	obj := make(map[string]Value)
	keys := make([]string, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, unexpectedEOF(err)
		}
		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("object key is %T, want string", tok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return Value{}, unexpectedEOF(err)
		}
		if _, dup := obj[key]; !dup {
			keys = append(keys, key)
		}
		obj[key] = val
	}
	if _, err := dec.Token(); err != nil {
		return Value{}, unexpectedEOF(err)
	}
	return Value{kind: KindObject, keys: keys, obj: obj}, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Len returns the number of elements of an array or members of an object, and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.keys)
	default:
		return 0
	}
}

// Keys returns object member names in document order. It returns nil for non-objects.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Field looks up an object member by name.
func (v Value) Field(name string) (Value, error) {
	if v.kind != KindObject {
		return Value{}, &KindError{Want: KindObject, Got: v.kind}
	}
	f, ok := v.obj[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return f, nil
}

// Index returns the i-th array element.
func (v Value) Index(i int) (Value, error) {
	if v.kind != KindArray {
		return Value{}, &KindError{Want: KindArray, Got: v.kind}
	}
	if i < 0 || i >= len(v.arr) {
		return Value{}, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, i, len(v.arr))
	}
	return v.arr[i], nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", &KindError{Want: KindString, Got: v.kind}
	}
	return v.str, nil
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, &KindError{Want: KindBool, Got: v.kind}
	}
	return v.b, nil
}

func (v Value) AsNumber() (json.Number, error) {
	if v.kind != KindNumber {
		return "", &KindError{Want: KindNumber, Got: v.kind}
	}
	return v.num, nil
}

// AsUint32 coerces a string of decimal digits, or an integral JSON number, to uint32.
// The API reports quota counters as strings.
func (v Value) AsUint32() (uint32, error) {
	var text string
	switch v.kind {
	case KindString:
		text = v.str
	case KindNumber:
		text = v.num.String()
	default:
		return 0, &KindError{Want: KindString, Got: v.kind}
	}
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// Interface converts v into plain Go values: nil, bool, json.Number, string,
// []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, el := range v.arr {
			out[i] = el.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, el := range v.obj {
			out[k] = el.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON encodes v compactly, preserving object key order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.num.String())
	case KindString:
		return encodeString(buf, v.str)
	case KindArray:
		buf.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := el.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cannot encode %s", v.kind)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// String returns the compact JSON encoding of v.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid: " + err.Error() + ">"
	}
	return string(b)
}

// Indent returns the JSON encoding of v indented by two spaces per level.
func (v Value) Indent() string {
	compact, err := v.MarshalJSON()
	if err != nil {
		return v.String()
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return string(compact)
	}
	return out.String()
}
