// Package messages defines the payload exchanged between the connector and the
// peer runtime.
//
// A Message is an immutable JSON object. The connector only ever looks at two
// fields of it; everything else is opaque and belongs to whichever component
// built the message:
//
//	{
//	  "class":  "LiveData",   classification tag, used to route push messages
//	  "handle": 17,           correlation identifier, echoed on a reply
//	  ...                     component specific fields
//	}
//
// Messages are never modified after construction. Stamping a correlation
// identifier with WithHandle produces a new Message.
//
// # Usage
//
//	msg, err := messages.New("Function", map[string]any{"name": "PV", "args": []int{1, 2}})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(msg.Class())              // Function
//	fmt.Println(msg.Get("name").String()) // PV
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// ClassField is the key holding the classification tag.
	ClassField = "class"
	// HandleField is the key holding the correlation identifier.
	HandleField = "handle"
)

var (
	// ErrInvalidMessage is returned when bytes are not valid JSON.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotObject is returned when a payload is valid JSON but not an object.
	ErrNotObject = errors.New("message payload is not a JSON object")
)

// Message is an immutable payload value.
type Message struct {
	raw []byte
}

// New builds a message of the given class. body may be nil or anything that
// marshals to a JSON object; its own "class" key, if any, is overwritten.
func New(class string, body any) (*Message, error) {
	raw := []byte("{}")
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		if !gjson.ParseBytes(encoded).IsObject() {
			return nil, ErrNotObject
		}
		raw = encoded
	}

	raw, err := sjson.SetBytes(raw, ClassField, class)
	if err != nil {
		return nil, fmt.Errorf("set class: %w", err)
	}
	return &Message{raw: raw}, nil
}

// MustNew is like New but panics on error. It is intended for constant
// payloads in tests and examples.
func MustNew(class string, body any) *Message {
	m, err := New(class, body)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode parses a message from its wire encoding. The input is copied.
func Decode(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidMessage
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, ErrNotObject
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return &Message{raw: raw}, nil
}

// Parse is Decode for text input, such as a message given on a command line.
func Parse(s string) (*Message, error) {
	return Decode([]byte(s))
}

// Encode returns the wire encoding of the message. The caller owns the
// returned slice.
func (m *Message) Encode() []byte {
	out := make([]byte, len(m.raw))
	copy(out, m.raw)
	return out
}

// Class returns the classification tag, or "" if the message has none.
func (m *Message) Class() string {
	return gjson.GetBytes(m.raw, ClassField).String()
}

// Handle returns the correlation identifier if the message carries one. The
// value must be a plain integer literal in [1, 2^32-1]; fractions, exponents
// and signs are not handles.
func (m *Message) Handle() (uint32, bool) {
	r := gjson.GetBytes(m.raw, HandleField)
	if r.Type != gjson.Number {
		return 0, false
	}
	v, err := strconv.ParseUint(r.Raw, 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint32(v), true // #nosec G115 -- ParseUint bounds v to 32 bits
}

// WithHandle returns a copy of the message stamped with the correlation
// identifier h.
func (m *Message) WithHandle(h uint32) (*Message, error) {
	raw, err := sjson.SetBytes(m.Encode(), HandleField, h)
	if err != nil {
		return nil, fmt.Errorf("set handle: %w", err)
	}
	return &Message{raw: raw}, nil
}

// Get returns the value at a gjson path.
func (m *Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.raw, path)
}

// Len returns the size of the encoded message in bytes.
func (m *Message) Len() int {
	return len(m.raw)
}

// String returns the JSON text of the message.
func (m *Message) String() string {
	return string(m.raw)
}
