package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory MessageStore used for dev and tests. It keeps
// the same ordering and cursor contract as the durable stores but provides
// no durability across restarts.
//
// Concurrency model: appends serialize per room only, never across rooms.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*memLog
}

type memLog struct {
	mu   sync.Mutex
	msgs []Message // ascending sort-key order
}

// NewMemoryStore constructs an empty in-memory MessageStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*memLog)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) log(roomID string) *memLog {
	s.mu.RLock()
	l := s.logs[roomID]
	s.mu.RUnlock()
	if l != nil {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.logs[roomID]; l == nil {
		l = &memLog{}
		s.logs[roomID] = l
	}
	return l
}

// Append stores a message at the tail of its room's log.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	in, err := validateAppend(in)
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	l := s.log(in.RoomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	// Timestamp and id are decided under the log lock, clamped past the
	// room's newest key, so the slice stays in ascending sort-key order.
	var last time.Time
	if n := len(l.msgs); n > 0 {
		last = l.msgs[n-1].CreatedAt
	}
	in.Now = appendClock(in.Now, last)
	msg := newMessage(in)
	l.msgs = append(l.msgs, msg)
	return msg, nil
}

// Page returns a newest-first window of the room's log.
func (s *MemoryStore) Page(ctx context.Context, roomID string, limit int, cursor string) (MessagePage, error) {
	if roomID == "" {
		return MessagePage{}, ValidationError{Op: "chat.Page", Field: "roomId", Msg: "required"}
	}
	afterKey, err := DecodeCursor(cursor)
	if err != nil {
		return MessagePage{}, err
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	l := s.logs[roomID]
	s.mu.RUnlock()
	if l == nil {
		return MessagePage{}, nil
	}

	l.mu.Lock()
	snap := append([]Message(nil), l.msgs...)
	l.mu.Unlock()

	// end is the first index at or past the cursor key; the page walks
	// backwards from there.
	end := len(snap)
	if afterKey != "" {
		end = sort.Search(len(snap), func(i int) bool {
			return snap[i].SortKey() >= afterKey
		})
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, snap[i])
	}

	page := MessagePage{Messages: out, HasMore: start > 0}
	if page.HasMore {
		page.NextCursor = EncodeCursor(out[len(out)-1].SortKey())
	}
	return page, nil
}

// MemoryDirectory is the in-memory RoomDirectory used for dev and tests.
type MemoryDirectory struct {
	mu     sync.RWMutex
	rooms  map[string]Room
	byUser map[string]map[string]struct{}
}

// NewMemoryDirectory constructs an empty in-memory RoomDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		rooms:  make(map[string]Room),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Close is a no-op for the in-memory directory.
func (d *MemoryDirectory) Close() error { return nil }

// Create registers a new room with the creator as its only member.
func (d *MemoryDirectory) Create(ctx context.Context, in CreateRoomInput) (Room, error) {
	in, err := validateCreateRoom(in)
	if err != nil {
		return Room{}, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	room := newRoom(in)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[room.ID] = room
	d.index(in.CreatorID, room.ID)
	return copyRoom(room), nil
}

// Get returns one room by id.
func (d *MemoryDirectory) Get(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[roomID]
	if !ok {
		return Room{}, NotFoundError{Op: "chat.GetRoom", Resource: "room"}
	}
	return copyRoom(room), nil
}

// ListForUser returns every room the user is a member of, oldest first.
func (d *MemoryDirectory) ListForUser(ctx context.Context, userID string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := d.byUser[userID]
	out := make([]Room, 0, len(ids))
	for id := range ids {
		out = append(out, copyRoom(d.rooms[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AddMember joins a user to a room. Joining twice is a no-op success.
func (d *MemoryDirectory) AddMember(ctx context.Context, roomID, userID string) (Room, error) {
	const op = "chat.AddMember"
	if userID == "" {
		return Room{}, ValidationError{Op: op, Field: "userId", Msg: "required"}
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return Room{}, NotFoundError{Op: op, Resource: "room"}
	}
	if err := admit(room, userID); err != nil {
		return Room{}, err
	}
	if !room.HasMember(userID) {
		room.Members = append(append([]string(nil), room.Members...), userID)
		d.rooms[roomID] = room
	}
	d.index(userID, roomID)
	return copyRoom(room), nil
}

func (d *MemoryDirectory) index(userID, roomID string) {
	set := d.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		d.byUser[userID] = set
	}
	set[roomID] = struct{}{}
}

func copyRoom(r Room) Room {
	r.Members = append([]string(nil), r.Members...)
	return r
}
