// Package protocol implements the newline-delimited JSON envelope format
// spoken between chat clients and the relay server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags an Envelope and decides which fields are meaningful.
type Type int

const (
	TypeLogin     Type = 1 // client -> server: nickname
	TypeLoginOK   Type = 2 // server -> client
	TypeChat      Type = 3 // client -> server: nickname, message
	TypeAck       Type = 4 // server -> client, only to the sender of a TypeChat
	TypeBroadcast Type = 5 // server -> client: nickname, message, optional action
	TypeUsers     Type = 6 // server -> client: users
	TypePrivate   Type = 7 // both ways: target, message, sender
	TypeImage     Type = 9 // both ways: image_data, nickname
)

func (t Type) String() string {
	switch t {
	case TypeLogin:
		return "login"
	case TypeLoginOK:
		return "login_ok"
	case TypeChat:
		return "chat"
	case TypeAck:
		return "ack"
	case TypeBroadcast:
		return "broadcast"
	case TypeUsers:
		return "users"
	case TypePrivate:
		return "private"
	case TypeImage:
		return "image"
	default:
		return "unknown"
	}
}

// Actions carried by TypeBroadcast system notices.
const (
	ActionKick     = "kick"
	ActionShutdown = "shutdown"
	ActionFull     = "full"
)

// TimeLayout is the human-readable layout of the server-stamped time field.
const TimeLayout = "2006/01/02 15:04"

var (
	ErrMissingType  = errors.New("envelope has no type")
	ErrMissingField = errors.New("envelope is missing a required field")
)

// Envelope is one protocol message. A single flat struct covers every type;
// fields that do not apply to a type are left empty and omitted on the wire.
type Envelope struct {
	Type      Type     `json:"type"`
	Nickname  string   `json:"nickname,omitempty"`
	Message   string   `json:"message,omitempty"`
	Action    string   `json:"action,omitempty"`
	Users     []string `json:"users,omitempty"`
	Target    string   `json:"target,omitempty"`
	Sender    string   `json:"sender,omitempty"`
	ImageData string   `json:"image_data,omitempty"`
	Time      string   `json:"time,omitempty"`
	IsHistory bool     `json:"is_history,omitempty"`
}

// Encode returns env as a single line terminated by '\n'. JSON string
// escaping guarantees the payload itself never contains a raw newline.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return append(b, '\n'), nil
}

// MustEncode is Encode for envelopes built by the server itself, which
// contain only strings and cannot fail to marshal.
func MustEncode(env Envelope) []byte {
	b, err := Encode(env)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one line. A trailing "\r\n" or "\n" is ignored.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimRight(line, "\r\n")

	// The outer Type shadows the embedded one so a missing tag is detectable.
	var raw struct {
		Type *Type `json:"type"`
		Envelope
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if raw.Type == nil {
		return Envelope{}, ErrMissingType
	}
	env := raw.Envelope
	env.Type = *raw.Type
	return env, nil
}

// Validate checks the fields the server relies on for client-originated
// types. Unknown types are valid: they are ignored, not rejected.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeLogin:
		if e.Nickname == "" {
			return fmt.Errorf("%w: %s needs nickname", ErrMissingField, e.Type)
		}
	case TypeChat:
		if e.Message == "" {
			return fmt.Errorf("%w: %s needs message", ErrMissingField, e.Type)
		}
	case TypePrivate:
		if e.Target == "" || e.Message == "" {
			return fmt.Errorf("%w: %s needs target and message", ErrMissingField, e.Type)
		}
	case TypeImage:
		if e.ImageData == "" {
			return fmt.Errorf("%w: %s needs image_data", ErrMissingField, e.Type)
		}
	}
	return nil
}

// Stamp formats t the way every outbound time field is written.
func Stamp(t time.Time) string {
	return t.Format(TimeLayout)
}

// MarkHistory re-encodes a persisted line with is_history set.
func MarkHistory(stored string) ([]byte, error) {
	env, err := Decode([]byte(stored))
	if err != nil {
		return nil, err
	}
	env.IsHistory = true
	return Encode(env)
}
