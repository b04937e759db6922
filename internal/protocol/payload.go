package protocol

import (
	"encoding/json"
	"fmt"
)

// EntityKind names the three kinds of synchronised entity.
type EntityKind string

const (
	KindActor EntityKind = "actor"
	KindAsset EntityKind = "asset"
	KindUser  EntityKind = "user"
)

// Handshake is the first payload a host sends on a new connection.
type Handshake struct {
	ProtocolVersion string `json:"protocolVersion"`
	// SessionID echoes the id the host connected with, if any. Informational.
	SessionID string `json:"sessionId,omitempty"`
}

// HandshakeReply answers a Handshake. Error is set when the connection is about to be closed.
type HandshakeReply struct {
	ProtocolVersion string `json:"protocolVersion"`
	SessionID       string `json:"sessionId"`
	Error           string `json:"error,omitempty"`
}

// Update carries one entity patch.
type Update struct {
	Kind  EntityKind     `json:"kind"`
	ID    string         `json:"id"`
	Patch map[string]any `json:"patch"`
}

// EntityPayload carries the full state of a created actor or asset.
type EntityPayload struct {
	ID    string         `json:"id"`
	State map[string]any `json:"state"`
}

// DestroyActors lists removed actor ids.
type DestroyActors struct {
	ActorIDs []string `json:"actorIds"`
}

// UserPayload describes a user that joined the session.
type UserPayload struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// UserLeft identifies a user that left the session.
type UserLeft struct {
	UserID string `json:"userId"`
}

// PerformAction reports a user interacting with an actor behavior.
type PerformAction struct {
	UserID      string `json:"userId"`
	TargetID    string `json:"targetId"`
	ActionName  string `json:"actionName"`
	ActionState string `json:"actionState"`
}

// Heartbeat is sent by hosts to measure latency.
type Heartbeat struct {
	SentAt int64 `json:"sentAt"`
}

// HeartbeatReply echoes SentAt and adds the server clock.
type HeartbeatReply struct {
	SentAt     int64 `json:"sentAt"`
	ServerTime int64 `json:"serverTime"`
}

// RPC is the payload of both app2engine-rpc and engine2app-rpc messages.
type RPC struct {
	UserID      string            `json:"userId,omitempty"`
	ChannelName string            `json:"channelName,omitempty"`
	ProcName    string            `json:"procName"`
	Args        []json.RawMessage `json:"args"`
}

// EncodeArgs marshals each argument for an RPC.
//
// Postcondition: Returns one raw JSON value per argument, or the first marshalling error.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding rpc arg %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
