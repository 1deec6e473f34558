package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultPageLimit applies when a page request carries no limit.
	DefaultPageLimit = 50
	// MaxPageLimit caps a single page regardless of the requested limit.
	MaxPageLimit = 200

	// MaxContentChars bounds message text length (runes).
	MaxContentChars = 4000
	// MaxRoomNameChars bounds room names.
	MaxRoomNameChars = 100
)

// AppendInput describes a message append request. The store assigns ID and
// CreatedAt server-side; callers never supply either.
type AppendInput struct {
	RoomID      string
	SenderID    string
	Content     string
	Type        MessageType
	Attachments []Attachment

	// Now overrides the append wall clock, for tests. Zero means time.Now.
	// Stores resolve it at the room's serialization point and may clamp it
	// forward so the room's sort keys never regress.
	Now time.Time
}

// MessagePage is one reverse-chronological window of a room's history.
// NextCursor is only meaningful when HasMore is true.
type MessagePage struct {
	Messages   []Message
	HasMore    bool
	NextCursor string
}

// MessageStore is the append-only, partitioned-by-room message log.
//
// Requirements:
//   - Append is durable before it returns (no silent async loss).
//   - Within a room, (createdAt, id) is a strict total order consistent
//     with insertion order.
//   - Page returns newest-first windows; a cursor resumes strictly after
//     the last key already returned, even under concurrent appends.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (Message, error)
	Page(ctx context.Context, roomID string, limit int, cursor string) (MessagePage, error)
	Close() error
}

// CreateRoomInput describes a create-room request.
type CreateRoomInput struct {
	Name        string
	Description string
	Type        RoomType
	CreatorID   string

	Now time.Time
}

// RoomDirectory is the durable registry of rooms and membership sets.
//
// AddMember is idempotent: joining twice is a no-op success. Rooms are never
// deleted.
type RoomDirectory interface {
	Create(ctx context.Context, in CreateRoomInput) (Room, error)
	Get(ctx context.Context, roomID string) (Room, error)
	ListForUser(ctx context.Context, userID string) ([]Room, error)
	AddMember(ctx context.Context, roomID, userID string) (Room, error)
	Close() error
}

func validateAppend(in AppendInput) (AppendInput, error) {
	const op = "chat.Append"

	in.RoomID = strings.TrimSpace(in.RoomID)
	in.SenderID = strings.TrimSpace(in.SenderID)

	if in.RoomID == "" {
		return in, ValidationError{Op: op, Field: "roomId", Msg: "required"}
	}
	if in.SenderID == "" {
		return in, ValidationError{Op: op, Field: "senderId", Msg: "required"}
	}
	if strings.TrimSpace(in.Content) == "" {
		return in, ValidationError{Op: op, Field: "content", Msg: "required"}
	}
	if utf8.RuneCountInString(in.Content) > MaxContentChars {
		return in, ValidationError{Op: op, Field: "content", Msg: "too long"}
	}

	in.Type = normalizeMessageType(in.Type)
	if !in.Type.Valid() {
		return in, ValidationError{Op: op, Field: "messageType", Msg: "unknown type"}
	}
	if !in.Now.IsZero() {
		in.Now = in.Now.UTC()
	}
	return in, nil
}

// appendClock decides the timestamp of an append. It must run at the room's
// serialization point: the result is clamped to one millisecond past the
// room's newest key, so a wall-clock step backwards, or a caller racing in
// with a stale requested time, cannot make sort keys regress.
func appendClock(requested, last time.Time) time.Time {
	now := requested
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	if last.IsZero() {
		return now
	}
	if floor := last.Add(time.Millisecond); now.Before(floor) {
		return floor.UTC()
	}
	return now
}

func validateCreateRoom(in CreateRoomInput) (CreateRoomInput, error) {
	const op = "chat.CreateRoom"

	in.Name = strings.TrimSpace(in.Name)
	in.CreatorID = strings.TrimSpace(in.CreatorID)

	if in.Name == "" {
		return in, ValidationError{Op: op, Field: "name", Msg: "required"}
	}
	if utf8.RuneCountInString(in.Name) > MaxRoomNameChars {
		return in, ValidationError{Op: op, Field: "name", Msg: "too long"}
	}
	if in.CreatorID == "" {
		return in, ValidationError{Op: op, Field: "creatorId", Msg: "required"}
	}

	in.Type = normalizeRoomType(in.Type)
	if !in.Type.Valid() {
		return in, ValidationError{Op: op, Field: "type", Msg: "unknown type"}
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	} else {
		in.Now = in.Now.UTC()
	}
	return in, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

func newMessage(in AppendInput) Message {
	return Message{
		ID:          NewMessageID(in.Now),
		RoomID:      in.RoomID,
		UserID:      in.SenderID,
		Content:     in.Content,
		Type:        in.Type,
		Attachments: in.Attachments,
		CreatedAt:   in.Now,
	}
}

func newRoom(in CreateRoomInput) Room {
	return Room{
		ID:          NewRoomID(),
		Name:        in.Name,
		Description: in.Description,
		Type:        in.Type,
		CreatedBy:   in.CreatorID,
		Members:     []string{in.CreatorID},
		CreatedAt:   in.Now,
	}
}
