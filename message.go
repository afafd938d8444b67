package htsp

import (
	"bytes"
)

// Well-known field names used by the engine itself.
const (
	FieldMethod = "method"
	FieldSeq    = "seq"
	FieldError  = "error"
)

// List is an ordered list of field values. Entries hold the same value kinds
// as a Message field: int64, string, []byte, *Message or List.
type List []any

// Field is a single named value of a Message.
type Field struct {
	Name  string
	Value any
}

// Message is an ordered set of named, typed fields.
//
// Supported value kinds are int64 (S64), string (STR), []byte (BIN),
// *Message (MAP) and List (LIST). A Message handed to Conn.Send must not be
// modified afterwards.
type Message struct {
	fields []Field
}

// NewMessage returns an empty message.
func NewMessage() *Message {
	return &Message{}
}

// NewRequest returns a message with the method field set.
func NewRequest(method string) *Message {
	return NewMessage().SetString(FieldMethod, method)
}

func (m *Message) set(name string, value any) *Message {
	for i := range m.fields {
		if m.fields[i].Name == name {
			m.fields[i].Value = value
			return m
		}
	}
	m.fields = append(m.fields, Field{Name: name, Value: value})
	return m
}

// SetInt sets a signed integer field.
func (m *Message) SetInt(name string, v int64) *Message { return m.set(name, v) }

// SetString sets a string field.
func (m *Message) SetString(name, v string) *Message { return m.set(name, v) }

// SetBinary sets a binary field.
func (m *Message) SetBinary(name string, v []byte) *Message { return m.set(name, v) }

// SetMap sets a nested message field. A nil v is stored as an empty map.
func (m *Message) SetMap(name string, v *Message) *Message {
	if v == nil {
		v = NewMessage()
	}
	return m.set(name, v)
}

// SetList sets a list field.
func (m *Message) SetList(name string, v List) *Message { return m.set(name, v) }

// Get returns the raw value of the named field.
func (m *Message) Get(name string) (any, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Has reports whether the named field is present.
func (m *Message) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Int returns the named integer field.
func (m *Message) Int(name string) (int64, bool) {
	v, ok := m.Get(name)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// String returns the named string field.
func (m *Message) String(name string) (string, bool) {
	v, ok := m.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Binary returns the named binary field.
func (m *Message) Binary(name string) ([]byte, bool) {
	v, ok := m.Get(name)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Map returns the named nested message.
func (m *Message) Map(name string) (*Message, bool) {
	v, ok := m.Get(name)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Message)
	return sub, ok
}

// List returns the named list field.
func (m *Message) List(name string) (List, bool) {
	v, ok := m.Get(name)
	if !ok {
		return nil, false
	}
	l, ok := v.(List)
	return l, ok
}

// Method returns the method name, or "" for messages without one.
func (m *Message) Method() string {
	s, _ := m.String(FieldMethod)
	return s
}

// Seq returns the sequence number and whether the message carries one.
func (m *Message) Seq() (uint32, bool) {
	v, ok := m.Int(FieldSeq)
	if !ok {
		return 0, false
	}
	return uint32(v), true
}

// Len returns the number of fields.
func (m *Message) Len() int {
	return len(m.fields)
}

// Fields returns a copy of the fields in order.
func (m *Message) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

// ToMap converts the message into plain Go maps and slices, suitable for
// JSON rendering.
func (m *Message) ToMap() map[string]any {
	out := make(map[string]any, len(m.fields))
	for _, f := range m.fields {
		out[f.Name] = plainValue(f.Value)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case *Message:
		return t.ToMap()
	case List:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = plainValue(e)
		}
		return l
	default:
		return v
	}
}

// Equal reports whether two messages hold the same fields in the same order.
func Equal(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.fields) != len(b.fields) {
		return false
	}
	for i := range a.fields {
		if a.fields[i].Name != b.fields[i].Name {
			return false
		}
		if !valueEqual(a.fields[i].Value, b.fields[i].Value) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *Message:
		y, ok := b.(*Message)
		if !ok {
			return false
		}
		// a nil map travels as an empty one
		if x == nil || y == nil {
			return emptyMap(x) && emptyMap(y)
		}
		return Equal(x, y)
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Codec is the interface for message encoding and decoding.
//
// Encode returns a complete frame including the length prefix; Decode
// receives only the frame body.
type Codec interface {
	// Encode encodes a Message into a length-prefixed frame.
	Encode(*Message) ([]byte, error)
	// Decode decodes a frame body into a Message.
	Decode(body []byte) (*Message, error)
}

func emptyMap(m *Message) bool {
	return m == nil || len(m.fields) == 0
}
