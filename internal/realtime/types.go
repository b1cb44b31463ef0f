// Package realtime streams execution events to WebSocket clients.
//
// Every frame is a JSON Message. The server sends connected once, then one
// event per execution event, then end. A client may send ping at any time
// and gets a pong carrying the last sequence it was sent, which is the
// value to pass as ?after= when it reconnects.
package realtime

import (
	"encoding/json"
	"errors"

	"github.com/watzon/tracery/internal/events"
)

var ErrClientClosed = errors.New("client closed")

type MessageType string

// Server to client.
const (
	MessageTypeConnected MessageType = "connected"
	MessageTypeEvent     MessageType = "event"
	MessageTypeEnd       MessageType = "end"
	MessageTypePong      MessageType = "pong"
	MessageTypeError     MessageType = "error"
)

// Client to server.
const MessageTypePing MessageType = "ping"

// Message is one frame. ID echoes the client frame a reply answers.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ConnectedPayload struct {
	ClientID    string `json:"client_id"`
	ExecutionID string `json:"execution_id"`
	After       int64  `json:"after"`
}

type EventPayload struct {
	Event events.Event `json:"event"`
}

// EndPayload closes the stream once the execution is terminal or paused
// for input.
type EndPayload struct {
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status,omitempty"`
	LastSequence int64  `json:"last_sequence"`
}

type PongPayload struct {
	LastSequence int64 `json:"last_sequence"`
}

type ErrorCode string

const (
	ErrorCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
