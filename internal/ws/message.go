package ws

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of WebSocket frame.
type MessageType string

const (
	// Client to Server frames.
	MessageTypeRequest MessageType = "request" // Client sends a stream request

	// Server to Client frames.
	MessageTypeResponse MessageType = "response" // Server sends a stream response
	MessageTypeError    MessageType = "error"    // Server closes the stream with a status
)

// Message is the envelope for all WebSocket communication. The payload is
// kept raw until the receiver knows which type to decode it into.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message of type t.
func NewMessage(t MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}

	return Message{Type: t, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}

	return json.Unmarshal(m.Payload, v)
}

// ErrorPayload reports why the server closed a stream. Code uses the same
// numbering as the RPC status codes.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
