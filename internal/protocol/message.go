// Package protocol defines the JSON wire envelope exchanged between the
// application process and a mixed-reality host, plus handshake version negotiation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates the payload carried by a Message.
type Type string

// Message types. Direction is noted as host→app (inbound) or app→host (outbound).
const (
	TypeHandshake      Type = "handshake"       // host→app, first frame on every connection
	TypeHandshakeReply Type = "handshake-reply" // app→host
	TypeUpdate         Type = "update"          // app→host, one entity patch
	TypeCreateActor    Type = "create-actor"    // app→host
	TypeDestroyActors  Type = "destroy-actors"  // app→host
	TypeCreateAsset    Type = "create-asset"    // app→host
	TypeUserJoined     Type = "user-joined"     // host→app
	TypeUserLeft       Type = "user-left"       // host→app
	TypePerformAction  Type = "perform-action"  // host→app
	TypeAppToEngineRPC Type = "app2engine-rpc"  // app→host
	TypeEngineToAppRPC Type = "engine2app-rpc"  // host→app
	TypeHeartbeat      Type = "heartbeat"       // host→app
	TypeHeartbeatReply Type = "heartbeat-reply" // app→host
)

// ErrMalformed is returned when a frame cannot be decoded into a Message or its payload.
var ErrMalformed = errors.New("malformed message")

// Message is the envelope of every frame on the wire.
type Message struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a Message of the given type with payload encoded as JSON.
// A nil payload produces a Message without a payload field.
//
// Postcondition: Returns a Message or an error if payload cannot be marshalled.
func New(typ Type, payload any) (*Message, error) {
	msg := &Message{Type: typ}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode parses a single frame.
//
// Postcondition: Returns a Message with a non-empty Type, or an error wrapping ErrMalformed.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, nil
}

// Encode serialises a Message into a single frame.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Unmarshal decodes the Message payload into v.
//
// Postcondition: Returns nil on success or an error wrapping ErrMalformed.
func (m *Message) Unmarshal(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}
