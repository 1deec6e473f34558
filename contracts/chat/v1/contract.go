// Package v1 defines the Relay chat wire protocol.
//
// It is shared between the server gateway and clients so the wire format has
// a single authoritative definition. Keep it dependency-light and stable.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version embedded in every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at upgrade time.
const Subprotocol = "relay.chat.v1"

// Frame types (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). The payload
	// may carry a bearer token when the upgrade request did not.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake and returns the session id.
	TypeHelloAck = "hello.ack"

	// TypeJoinRoom subscribes the session to a room (client -> server).
	TypeJoinRoom = "joinRoom"
	// TypeLeaveRoom removes the session's room subscription (client -> server).
	TypeLeaveRoom = "leaveRoom"
	// TypeRoomAck echoes a join/leave back to the requesting session.
	TypeRoomAck = "room.ack"

	// TypeMessageSend requests appending a message to a room (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessage pushes a stored message to room subscribers (server -> client).
	TypeMessage = "message"

	// TypeError reports a request-level failure (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper around every frame.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"timestamp"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of an inbound envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoinRoom,
		TypeLeaveRoom,
		TypeRoomAck,
		TypeMessageSend,
		TypeMessage,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload optionally carries a verified-identity bearer token.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload returns the server-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}

// RoomActionPayload is shared by joinRoom and leaveRoom frames.
type RoomActionPayload struct {
	RoomID string `json:"roomId"`
}

// RoomAckPayload echoes the applied room action back to the session.
type RoomAckPayload struct {
	Action string `json:"action"`
	RoomID string `json:"roomId"`
}

// AttachmentPayload describes attachment metadata carried on a message.
// Attachment blobs live in external storage; only metadata crosses this wire.
type AttachmentPayload struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"type"`
	Size        int64  `json:"size"`
}

// MessageSendPayload requests appending a message to a room.
type MessageSendPayload struct {
	RoomID      string              `json:"roomId"`
	Content     string              `json:"content"`
	MessageType string              `json:"messageType,omitempty"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
}

// MessageData is the stored-message shape pushed to subscribers and returned
// by the REST surface.
type MessageData struct {
	ID          string              `json:"id"`
	RoomID      string              `json:"roomId"`
	UserID      string              `json:"userId"`
	Content     string              `json:"content"`
	MessageType string              `json:"messageType"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	EditedAt    *time.Time          `json:"editedAt,omitempty"`
}

// MessagePushPayload is the server push delivered to every room subscriber.
type MessagePushPayload struct {
	Data MessageData `json:"data"`
}

// ErrorPayload reports a request failure without tearing down the session.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
