package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Field struct {
	Key   string
	Value Value
}

// Payload is an ordered mapping from short keys to values. Key meaning is
// defined per device outside the protocol layer.
type Payload []Field

func (p Payload) Get(key string) (Value, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

func (p Payload) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

func (p Payload) GetString(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

func (p Payload) GetFloat(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

// Set replaces the value of an existing key in place or appends a new one.
func (p *Payload) Set(key string, v Value) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = v
			return
		}
	}
	*p = append(*p, Field{Key: key, Value: v})
}

// With returns a copy of p with key set to v.
func (p Payload) With(key string, v Value) Payload {
	out := p.Clone()
	out.Set(key, v)
	return out
}

func (p *Payload) Delete(key string) {
	for i := range *p {
		if (*p)[i].Key == key {
			*p = append((*p)[:i], (*p)[i+1:]...)
			return
		}
	}
}

func (p Payload) Keys() []string {
	keys := make([]string, len(p))
	for i, f := range p {
		keys[i] = f.Key
	}
	return keys
}

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	copy(out, p)
	return out
}

// Equal compares key order as well as content.
func (p Payload) Equal(o Payload) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Key != o[i].Key || !p[i].Value.Equal(o[i].Value) {
			return false
		}
	}
	return true
}

func (p Payload) String() string {
	data, err := p.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<payload: %v>", err)
	}
	return string(data)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p Payload) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, f.Key); err != nil {
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

// UnmarshalJSON accepts a JSON object or null. Duplicate keys keep the
// position of the first occurrence and the value of the last.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := newDecoder(data)
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return expectEOF(dec)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("proto: payload is not an object")
	}
	out, err := decodeObject(dec)
	if err != nil {
		return err
	}
	if err := expectEOF(dec); err != nil {
		return err
	}
	*p = out
	return nil
}
