// Package chat contains Relay's durable chat core: the room directory and the
// append-only, per-room message store with reverse-chronological pagination.
package chat

import (
	"strings"
	"time"
)

// RoomType distinguishes one-to-one rooms from named group rooms.
type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool { return t == RoomDirect || t == RoomGroup }

// MessageType is the tagged payload kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage || t == MessageFile
}

// Attachment is metadata for a file carried on a message. The blob itself is
// owned by external storage; the core only records the reference.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"type"`
	Size        int64  `json:"size"`
}

// Room is a named channel grouping member users and an ordered message history.
//
// Invariants:
//   - Members is never empty.
//   - CreatedBy is always a member.
//   - CreatedAt is immutable after creation.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        RoomType  `json:"type"`
	CreatedBy   string    `json:"createdBy"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasMember reports whether userID is a member of the room.
func (r Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Message is one immutable entry in a room's history.
//
// Within a room the pair (CreatedAt, ID) is a total order: the message id is
// a monotonic ULID, so the sort key derived from both never collides even
// when two appends share a millisecond.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	UserID      string       `json:"userId"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"messageType"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
}

// SortKey returns the message's position in its room's total order.
func (m Message) SortKey() string {
	return sortKey(m.CreatedAt, m.ID)
}

// directRoomCapacity caps direct rooms at their two participants.
const directRoomCapacity = 2

// admit checks whether the room can take userID as a new member. Existing
// members are always admitted (the join is then a no-op).
func admit(r Room, userID string) error {
	if r.HasMember(userID) {
		return nil
	}
	if r.Type == RoomDirect && len(r.Members) >= directRoomCapacity {
		return ConflictError{Op: "chat.AddMember", Msg: "direct room is full"}
	}
	return nil
}

func normalizeRoomType(t RoomType) RoomType {
	if strings.TrimSpace(string(t)) == "" {
		return RoomGroup
	}
	return t
}

func normalizeMessageType(t MessageType) MessageType {
	if strings.TrimSpace(string(t)) == "" {
		return MessageText
	}
	return t
}
