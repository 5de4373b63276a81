package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the JSON shapes a tool-input value can take.
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
		return "invalid"
	}
}

// Value is a closed recursive representation of an arbitrary JSON value.
// Hooks send tool_input objects whose fields have no fixed schema, so the
// codec preserves the exact shape through a decode/encode round trip.
// Numbers keep their source text (via json.Number) so integers never come
// back as floats.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

func Object(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

// Int builds a number value from an integer.
func Int(n int64) Value {
	return Value{kind: KindNumber, num: json.Number(fmt.Sprintf("%d", n))}
}

func (v Value) Kind() Kind { return v.kind }

// BoolValue returns the boolean payload; false for non-bool values.
func (v Value) BoolValue() bool { return v.kind == KindBool && v.b }

// StringValue returns the string payload; "" for non-string values.
func (v Value) StringValue() string {
	if v.kind == KindString {
		return v.str
	}
	return ""
}

// NumberValue returns the number payload; "" for non-number values.
func (v Value) NumberValue() json.Number {
	if v.kind == KindNumber {
		return v.num
	}
	return ""
}

// Items returns the array payload; nil for non-array values.
func (v Value) Items() []Value {
	if v.kind == KindArray {
		return v.arr
	}
	return nil
}

// Field returns the named object field.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Len returns the element count for arrays and objects, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

// UnmarshalJSON decodes any well-formed JSON value.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	decoded, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			dv, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, dv)
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for key, field := range t {
			dv, err := fromAny(field)
			if err != nil {
				return Value{}, err
			}
			fields[key] = dv
		}
		return Value{kind: KindObject, obj: fields}, nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
	}
}

// MarshalJSON encodes the value in canonical form: object keys are emitted
// in lexicographic order at every nesting level, so semantically identical
// values always serialize to identical bytes. Correlation cache keys depend
// on this.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeTo(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if v.num == "" {
			buf.WriteString("0")
		} else {
			buf.WriteString(v.num.String())
		}
	case KindString:
		out, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(out)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeTo(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for key := range v.obj {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(name)
			buf.WriteByte(':')
			if err := v.obj[key].writeTo(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("invalid value kind %d", v.kind)
	}
	return nil
}

// Canonical returns the canonical serialization used for correlation cache
// keys. A nil *Value canonicalizes to "null" so events with and without
// tool_input derive stable keys.
func (v *Value) Canonical() string {
	if v == nil {
		return "null"
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return "null"
	}
	return string(out)
}
