package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueNumber
	ValueString
	ValueBool
	ValueMap
	ValueList
)

func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "null"
	case ValueNumber:
		return "number"
	case ValueString:
		return "string"
	case ValueBool:
		return "bool"
	case ValueMap:
		return "map"
	case ValueList:
		return "list"
	}
	return "invalid"
}

// Value is a payload value. The zero Value is null.
// Numbers keep their wire literal so integers survive a round trip unchanged.
type Value struct {
	kind ValueKind
	num  json.Number
	str  string
	b    bool
	m    Payload
	list []Value
}

func Null() Value                { return Value{} }
func String(s string) Value      { return Value{kind: ValueString, str: s} }
func Bool(b bool) Value          { return Value{kind: ValueBool, b: b} }
func Map(p Payload) Value        { return Value{kind: ValueMap, m: p} }
func List(values ...Value) Value { return Value{kind: ValueList, list: values} }

func Int(i int64) Value {
	return Value{kind: ValueNumber, num: json.Number(strconv.FormatInt(i, 10))}
}

func Number(f float64) Value {
	return Value{kind: ValueNumber, num: json.Number(strconv.FormatFloat(f, 'g', -1, 64))}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == ValueNull }

func (v Value) AsFloat() (float64, bool) {
	if v.kind != ValueNumber {
		return 0, false
	}
	f, err := v.num.Float64()
	return f, err == nil
}

// AsInt reports the value as an integer. Fractional numbers are truncated.
func (v Value) AsInt() (int64, bool) {
	if v.kind != ValueNumber {
		return 0, false
	}
	if i, err := v.num.Int64(); err == nil {
		return i, true
	}
	f, err := v.num.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return int64(f), true
}

func (v Value) AsString() (string, bool) { return v.str, v.kind == ValueString }
func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == ValueBool }
func (v Value) AsMap() (Payload, bool)   { return v.m, v.kind == ValueMap }
func (v Value) AsList() ([]Value, bool)  { return v.list, v.kind == ValueList }

// Interface converts the value to plain Go types (float64, string, bool,
// map[string]any, []any, nil) for callers that do not care about ordering.
func (v Value) Interface() any {
	switch v.kind {
	case ValueNumber:
		f, _ := v.num.Float64()
		return f
	case ValueString:
		return v.str
	case ValueBool:
		return v.b
	case ValueMap:
		out := make(map[string]any, len(v.m))
		for _, f := range v.m {
			out[f.Key] = f.Value.Interface()
		}
		return out
	case ValueList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueNumber:
		if v.num == o.num {
			return true
		}
		a, errA := v.num.Float64()
		b, errB := o.num.Float64()
		return errA == nil && errB == nil && a == b
	case ValueString:
		return v.str == o.str
	case ValueBool:
		return v.b == o.b
	case ValueMap:
		return v.m.Equal(o.m)
	case ValueList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
	}
	return true
}

func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.kind, err)
	}
	return string(data)
}

// ValueOf converts decoded JSON or plain Go values into a Value.
// Map keys from Go maps are sorted since their order is not defined.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case Payload:
		return Map(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if !validNumber(string(t)) {
			return Value{}, fmt.Errorf("proto: invalid number %q", string(t))
		}
		return Value{kind: ValueNumber, num: t}, nil
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return Value{}, fmt.Errorf("proto: non-finite number %v", t)
		}
		return Number(t), nil
	case float32:
		return ValueOf(float64(t))
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Value{kind: ValueNumber, num: json.Number(strconv.FormatUint(t, 10))}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		p := make(Payload, 0, len(keys))
		for _, k := range keys {
			val, err := ValueOf(t[k])
			if err != nil {
				return Value{}, err
			}
			p = append(p, Field{Key: k, Value: val})
		}
		return Map(p), nil
	case []any:
		list := make([]Value, 0, len(t))
		for _, item := range t {
			val, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			list = append(list, val)
		}
		return List(list...), nil
	}
	return Value{}, fmt.Errorf("proto: unsupported value type %T", x)
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case ValueNull:
		buf.WriteString("null")
	case ValueNumber:
		if !validNumber(string(v.num)) {
			return fmt.Errorf("proto: invalid number %q", string(v.num))
		}
		buf.WriteString(string(v.num))
	case ValueString:
		return writeString(buf, v.str)
	case ValueBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case ValueMap:
		return v.m.writeJSON(buf)
	case ValueList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("proto: invalid value kind %d", v.kind)
	}
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := newDecoder(data)
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	if err := expectEOF(dec); err != nil {
		return err
	}
	*v = val
	return nil
}

func newDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}

func expectEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("proto: trailing data after value")
	}
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			p, err := decodeObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Map(p), nil
		case '[':
			list := []Value{}
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				list = append(list, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(list...), nil
		}
		return Value{}, fmt.Errorf("proto: unexpected delimiter %q", t)
	case json.Number:
		if !validNumber(string(t)) {
			return Value{}, fmt.Errorf("%w: number %s out of range", ErrMalformedPayload, t)
		}
		return Value{kind: ValueNumber, num: t}, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	}
	return Value{}, fmt.Errorf("proto: unexpected token %v", tok)
}

// decodeObject reads object members after the opening brace has been consumed.
func decodeObject(dec *json.Decoder) (Payload, error) {
	p := Payload{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("proto: object key is %T", tok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		p.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return p, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func validNumber(s string) bool {
	if s == "" {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	return !math.IsInf(f, 0) && !math.IsNaN(f) && json.Valid([]byte(s))
}
