// Package envelope defines the wire format exchanged between the controller
// and a page's in-page tool registry over the debug channel.
package envelope

import (
	"encoding/json"
	"fmt"
)

const (
	Channel = "mcp-default"
	Type    = "mcp"

	DirectionClientToServer = "client-to-server"
	DirectionServerToClient = "server-to-client"
)

// String sentinels carried in the payload field instead of a JSON-RPC object.
const (
	SentinelCheckReady    = "mcp-check-ready"
	SentinelServerReady   = "mcp-server-ready"
	SentinelServerStopped = "mcp-server-stopped"
)

// Envelope is the channel-tagged wrapper around a payload. The payload is
// either a string sentinel or a JSON-RPC 2.0 message.
type Envelope struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Direction string          `json:"direction"`
	Payload   json.RawMessage `json:"payload"`
}

// Message is a JSON-RPC 2.0 request, response, or notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error member.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsResponse reports whether the message is a response (has an id and either
// a result or an error, but no method).
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification reports whether the message is a server-initiated
// notification (method set, no id).
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// PayloadKind discriminates the decoded payload union.
type PayloadKind int

const (
	KindSentinel PayloadKind = iota
	KindMessage
)

// Payload is the tagged union resolved once at the boundary: either a string
// sentinel or a JSON-RPC message. Downstream code switches on Kind and never
// re-inspects raw bytes.
type Payload struct {
	Kind     PayloadKind
	Sentinel string
	Message  *Message
}

// NewRequest builds a client-to-server request envelope.
func NewRequest(id int64, method string, params any) (Envelope, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: marshal params: %w", err)
		}
		raw = b
	}
	msg := Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}
	return wrapMessage(msg)
}

// NewSentinel builds a client-to-server sentinel envelope.
func NewSentinel(sentinel string) (Envelope, error) {
	b, err := json.Marshal(sentinel)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal sentinel: %w", err)
	}
	return Envelope{
		Channel:   Channel,
		Type:      Type,
		Direction: DirectionClientToServer,
		Payload:   b,
	}, nil
}

func wrapMessage(msg Message) (Envelope, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal message: %w", err)
	}
	return Envelope{
		Channel:   Channel,
		Type:      Type,
		Direction: DirectionClientToServer,
		Payload:   b,
	}, nil
}

// DecodePayload resolves the payload union of an inbound envelope. A string
// payload is a sentinel; a JSON object is a JSON-RPC message. Anything else
// is a parse error.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, fmt.Errorf("envelope: empty payload")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Payload{Kind: KindSentinel, Sentinel: s}, nil
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Payload{}, fmt.Errorf("envelope: malformed payload %q: %w", truncate(string(raw)), err)
	}
	if msg.JSONRPC != "2.0" {
		return Payload{}, fmt.Errorf("envelope: unsupported jsonrpc version %q", msg.JSONRPC)
	}
	return Payload{Kind: KindMessage, Message: &msg}, nil
}

// Decode parses a full inbound envelope and resolves its payload.
func Decode(data []byte) (Envelope, Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, Payload{}, fmt.Errorf("envelope: malformed envelope: %w", err)
	}
	if env.Channel != Channel || env.Type != Type {
		return Envelope{}, Payload{}, fmt.Errorf("envelope: unexpected channel %q type %q", env.Channel, env.Type)
	}
	p, err := DecodePayload(env.Payload)
	if err != nil {
		return Envelope{}, Payload{}, err
	}
	return env, p, nil
}

func truncate(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
