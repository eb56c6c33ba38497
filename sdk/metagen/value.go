package metagen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Kind identifies the shape held by a Value.
type Kind uint8

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
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a semi-structured JSON value used for tool arguments, tool
// results and error details. Numbers keep their original text and objects
// keep their key order, so a decoded Value re-encodes to equivalent JSON.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	s    string // string contents, or number literal
	arr  []Value
	keys []string
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// IntValue wraps an integer.
func IntValue(n int64) Value { return Value{kind: KindNumber, s: strconv.FormatInt(n, 10)} }

// FloatValue wraps a float.
func FloatValue(f float64) Value {
	return Value{kind: KindNumber, s: strconv.FormatFloat(f, 'g', -1, 64)}
}

// NumberValue wraps a number literal. It returns an error if lit is not a
// valid JSON number.
func NumberValue(lit string) (Value, error) {
	r := gjson.Parse(lit)
	if !json.Valid([]byte(lit)) || r.Type != gjson.Number || r.Raw != lit {
		return Value{}, fmt.Errorf("invalid number literal %q", lit)
	}
	return Value{kind: KindNumber, s: lit}, nil
}

// ArrayValue wraps a list of values.
func ArrayValue(items ...Value) Value {
	return Value{kind: KindArray, arr: items}
}

// Field is one key/value pair of an object.
type Field struct {
	Key   string
	Value Value
}

// ObjectValue builds an object keeping the field order given. Later
// duplicates replace earlier ones in place.
func ObjectValue(fields ...Field) Value {
	v := Value{kind: KindObject, obj: make(map[string]Value, len(fields))}
	for _, f := range fields {
		v.set(f.Key, f.Value)
	}
	return v
}

func (v *Value) set(key string, val Value) {
	if _, ok := v.obj[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = val
}

// ParseValue decodes JSON text into a Value.
func ParseValue(data []byte) (Value, error) {
	if !gjson.ValidBytes(data) {
		return Value{}, errors.New("invalid JSON value")
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.Null:
		return Null()
	case gjson.False:
		return BoolValue(false)
	case gjson.True:
		return BoolValue(true)
	case gjson.Number:
		return Value{kind: KindNumber, s: r.Raw}
	case gjson.String:
		return StringValue(r.Str)
	}
	if r.IsArray() {
		v := Value{kind: KindArray, arr: []Value{}}
		r.ForEach(func(_, item gjson.Result) bool {
			v.arr = append(v.arr, fromResult(item))
			return true
		})
		return v
	}
	v := Value{kind: KindObject, obj: map[string]Value{}}
	r.ForEach(func(key, item gjson.Result) bool {
		v.set(key.Str, fromResult(item))
		return true
	})
	return v
}

// Kind reports the value's shape.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean and whether v is a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Str returns the string and whether v is a string.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Number returns the number literal and whether v is a number.
func (v Value) Number() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return json.Number(v.s), true
}

// Float returns v as float64 when it is a number.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.s, 64)
	return f, err == nil
}

// Int returns v as int64 when it is an integral number.
func (v Value) Int() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	n, err := strconv.ParseInt(v.s, 10, 64)
	return n, err == nil
}

// Items returns the elements of an array, or nil.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Keys returns object keys in their original order, or nil.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	return v.keys
}

// Get returns the field named key of an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// Len is the number of elements or fields; zero for scalars.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.keys)
	}
	return 0
}

// Fields returns the object's fields in order.
func (v Value) Fields() []Field {
	if v.kind != KindObject {
		return nil
	}
	out := make([]Field, 0, len(v.keys))
	for _, k := range v.keys {
		out = append(out, Field{Key: k, Value: v.obj[k]})
	}
	return out
}

// Interface converts v to plain Go values (nil, bool, json.Number, string,
// []any, map[string]any). Key order is lost.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return json.Number(v.s)
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.obj[k].Interface()
		}
		return out
	}
	return nil
}

// String renders v as compact JSON.
func (v Value) String() string {
	var buf bytes.Buffer
	v.encode(&buf)
	return buf.String()
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.encode(&buf)
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) encode(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.s)
	case KindString:
		writeString(buf, v.s)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.encode(buf)
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			v.obj[k].encode(buf)
		}
		buf.WriteByte('}')
	}
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encode never fails for a string; it appends a trailing newline.
	_ = enc.Encode(s)
	buf.Truncate(buf.Len() - 1)
}
