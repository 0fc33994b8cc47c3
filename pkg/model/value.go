package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
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
	case KindList:
		return "list"
	case KindObject:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a JSON-compatible document value. Numbers keep their decimal
// literal so that round trips never lose precision.
type Value struct {
	kind Kind
	b    bool
	s    string
	list []Value
	obj  Object
}

// Field is one named member of an Object.
type Field struct {
	Name  string
	Value Value
}

// Object is an ordered mapping of field names to values. Field order is
// preserved through encoding and decoding.
type Object []Field

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindNumber, s: strconv.FormatInt(i, 10)} }

// Float converts f to a number value; NaN and infinities have no JSON form and
// become null.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return Value{kind: KindNumber, s: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Number wraps a JSON number literal.
func Number(literal string) (Value, error) {
	if !json.Valid([]byte(literal)) {
		return Value{}, fmt.Errorf("%w: invalid number literal %q", ErrValidation, literal)
	}
	if _, err := strconv.ParseFloat(literal, 64); err != nil {
		return Value{}, fmt.Errorf("%w: invalid number literal %q", ErrValidation, literal)
	}
	return Value{kind: KindNumber, s: literal}, nil
}

func String(s string) Value { return Value{kind: KindString, s: s} }

func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

func ObjectValue(o Object) Value { return Value{kind: KindObject, obj: o} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.s, 64)
	return f, err == nil
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	i, err := strconv.ParseInt(v.s, 10, 64)
	return i, err == nil
}

// NumberLiteral returns the verbatim decimal literal of a number value.
func (v Value) NumberLiteral() (string, bool) {
	return v.s, v.kind == KindNumber
}

func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

func (v Value) AsObject() (Object, bool) { return v.obj, v.kind == KindObject }

// Equal compares structurally. Numbers compare by numeric value, objects by
// field order and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindNumber:
		if v.s == o.s {
			return true
		}
		a, okA := v.AsFloat()
		b, okB := o.AsFloat()
		return okA && okB && a == b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(o.obj)
	}
	return false
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		l := make([]Value, len(v.list))
		for i := range v.list {
			l[i] = v.list[i].Clone()
		}
		return Value{kind: KindList, list: l}
	case KindObject:
		return Value{kind: KindObject, obj: v.obj.Clone()}
	}
	return v
}

// FromAny converts decoded Go values (as produced by encoding/json or written
// by hand) into a Value. Map keys are sorted to give a stable order.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case Object:
		return ObjectValue(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t.String())
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint64:
		return Value{kind: KindNumber, s: strconv.FormatUint(t, 10)}, nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case []any:
		l := make([]Value, 0, len(t))
		for _, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			l = append(l, v)
		}
		return List(l...), nil
	case []string:
		l := make([]Value, 0, len(t))
		for _, e := range t {
			l = append(l, String(e))
		}
		return List(l...), nil
	case map[string]any:
		o, err := ObjectFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return ObjectValue(o), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported value type %T", ErrValidation, in)
}

// ObjectFromMap builds an Object with fields in sorted key order.
func ObjectFromMap(m map[string]any) (Object, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	o := make(Object, 0, len(keys))
	for _, k := range keys {
		v, err := FromAny(m[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		o = append(o, Field{Name: k, Value: v})
	}
	return o, nil
}

// Get returns the value of the named field.
func (o Object) Get(name string) (Value, bool) {
	for _, f := range o {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the named field in place or appends it.
func (o Object) Set(name string, v Value) Object {
	for i := range o {
		if o[i].Name == name {
			o[i].Value = v
			return o
		}
	}
	return append(o, Field{Name: name, Value: v})
}

// Delete removes the named field, preserving the order of the others.
func (o Object) Delete(name string) Object {
	for i := range o {
		if o[i].Name == name {
			return append(o[:i:i], o[i+1:]...)
		}
	}
	return o
}

func (o Object) Names() []string {
	names := make([]string, len(o))
	for i, f := range o {
		names[i] = f.Name
	}
	return names
}

func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	c := make(Object, len(o))
	for i, f := range o {
		c[i] = Field{Name: f.Name, Value: f.Value.Clone()}
	}
	return c
}

func (o Object) Equal(p Object) bool {
	if len(o) != len(p) {
		return false
	}
	for i := range o {
		if o[i].Name != p[i].Name || !o[i].Value.Equal(p[i].Value) {
			return false
		}
	}
	return true
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.s)
	case KindString:
		return writeJSONString(buf, v.s)
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return v.obj.writeJSON(buf)
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrValidation, v.kind)
	}
	return nil
}

func (o Object) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(buf, f.Name); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := f.Value.writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (o *Object) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	if v.kind == KindNull {
		*o = nil
		return nil
	}
	obj, ok := v.AsObject()
	if !ok {
		return fmt.Errorf("%w: expected JSON object, got %s", ErrValidation, v.kind)
	}
	*o = obj
	return nil
}

// DecodeValue reads exactly one JSON value from dec. The decoder must have
// UseNumber enabled for numbers to keep their literal form.
func DecodeValue(dec *json.Decoder) (Value, error) {
	return decodeValue(dec)
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return Value{}, fmt.Errorf("%w: unexpected end of JSON", ErrValidation)
		}
		return Value{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Value{kind: KindNumber, s: t.String()}, nil
	case float64:
		return Float(t), nil
	case json.Delim:
		switch t {
		case '[':
			var list []Value
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				list = append(list, e)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			if list == nil {
				list = []Value{}
			}
			return List(list...), nil
		case '{':
			obj := Object{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, fmt.Errorf("%w: %v", ErrValidation, err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("%w: object key is %T", ErrValidation, keyTok)
				}
				e, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj = obj.Set(key, e)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			return ObjectValue(obj), nil
		}
	}
	return Value{}, fmt.Errorf("%w: unexpected JSON token %v", ErrValidation, tok)
}
