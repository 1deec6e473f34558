package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout. The padded-timestamp sort key inside message keys makes a
// plain reverse prefix scan come out newest-first, and the member index
// keeps ListForUser away from a full room scan.
//
//	msg:{roomID}:{sortKey}   -> Message (JSON)
//	room:{roomID}            -> Room (JSON)
//	member:{userID}:{roomID} -> (empty)
const (
	keyMsgPrefix    = "msg:"
	keyRoomPrefix   = "room:"
	keyMemberPrefix = "member:"
)

// BadgerStore is a MessageStore backed by an embedded Badger database.
//
// Ownership model: the store does NOT own the DB handle; the caller opens
// and closes it. Close is therefore a no-op.
//
// Concurrency model: each room has its own tail lock, so appends serialize
// per room only, never across rooms.
type BadgerStore struct {
	db *badger.DB

	mu    sync.Mutex
	tails map[string]*roomTail
}

// roomTail tracks the newest committed key time of one room. Appends hold
// its lock while minting the timestamp and id and writing the row.
type roomTail struct {
	mu   sync.Mutex
	last time.Time
}

// NewBadgerStore constructs a Badger-backed MessageStore.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil badger db")
	}
	return &BadgerStore{db: db, tails: make(map[string]*roomTail)}, nil
}

// Close is a no-op because the DB handle is owned by the caller.
func (s *BadgerStore) Close() error { return nil }

func (s *BadgerStore) tail(roomID string) *roomTail {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tails[roomID]
	if t == nil {
		t = &roomTail{}
		s.tails[roomID] = t
	}
	return t
}

// lastKeyTime reads the room's newest stored key so a fresh store over an
// existing database keeps appending strictly past it.
func (s *BadgerStore) lastKeyTime(roomID string) (time.Time, error) {
	prefix := []byte(keyMsgPrefix + roomID + ":")

	var last time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xff))
		if it.ValidForPrefix(prefix) {
			last = sortKeyTime(string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return last, err
}

// Append durably stores a message before returning.
func (s *BadgerStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	const op = "chat.Append"
	in, err := validateAppend(in)
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	t := s.tail(in.RoomID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last.IsZero() {
		last, err := s.lastKeyTime(in.RoomID)
		if err != nil {
			return Message{}, StorageError{Op: op, Err: err}
		}
		t.last = last
	}

	// Timestamp and id are minted while the tail lock is held, clamped past
	// the room's newest key, so this room's keys stay strictly increasing.
	in.Now = appendClock(in.Now, t.last)
	msg := newMessage(in)

	val, err := json.Marshal(msg)
	if err != nil {
		return Message{}, StorageError{Op: op, Err: err}
	}

	key := msgKey(msg.RoomID, msg.SortKey())
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return Message{}, StorageError{Op: op, Err: err}
	}
	t.last = msg.CreatedAt
	return msg, nil
}

// Page scans the room's key range in reverse so messages come out newest
// first. A cursor resumes strictly after the last key already returned.
func (s *BadgerStore) Page(ctx context.Context, roomID string, limit int, cursor string) (MessagePage, error) {
	const op = "chat.Page"
	if roomID == "" {
		return MessagePage{}, ValidationError{Op: op, Field: "roomId", Msg: "required"}
	}
	afterKey, err := DecodeCursor(cursor)
	if err != nil {
		return MessagePage{}, err
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	limit = clampLimit(limit)
	fetch := limit + 1

	prefix := []byte(keyMsgPrefix + roomID + ":")

	var raw [][]byte
	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		var seek []byte
		if afterKey == "" {
			// One past every possible sort key for this room.
			seek = append(append([]byte(nil), prefix...), 0xff)
		} else {
			seek = append(append([]byte(nil), prefix...), afterKey...)
		}

		it.Seek(seek)

		// Reverse Seek lands on the cursor's own key when it still
		// exists; skip it so the page starts strictly after it.
		if afterKey != "" && it.ValidForPrefix(prefix) && bytes.Equal(it.Item().Key(), seek) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix) && len(raw) < fetch; it.Next() {
			if err := it.Item().Value(func(v []byte) error {
				raw = append(raw, append([]byte(nil), v...))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return MessagePage{}, StorageError{Op: op, Err: err}
	}

	msgs := make([]Message, 0, len(raw))
	for _, b := range raw {
		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			return MessagePage{}, StorageError{Op: op, Err: err}
		}
		msgs = append(msgs, m)
	}

	page := MessagePage{Messages: msgs, HasMore: len(msgs) > limit}
	if page.HasMore {
		page.Messages = page.Messages[:limit]
		last := page.Messages[len(page.Messages)-1]
		page.NextCursor = EncodeCursor(last.SortKey())
	}
	return page, nil
}

// BadgerDirectory is a RoomDirectory backed by the same embedded database.
//
// Room mutations are read-modify-write, so they serialize behind a store
// mutex instead of leaning on transaction conflict retries.
type BadgerDirectory struct {
	db *badger.DB

	mu sync.Mutex
}

// NewBadgerDirectory constructs a Badger-backed RoomDirectory.
func NewBadgerDirectory(db *badger.DB) (*BadgerDirectory, error) {
	if db == nil {
		return nil, errors.New("chat: nil badger db")
	}
	return &BadgerDirectory{db: db}, nil
}

// Close is a no-op because the DB handle is owned by the caller.
func (d *BadgerDirectory) Close() error { return nil }

// Create durably registers a new room and its creator-membership index entry.
func (d *BadgerDirectory) Create(ctx context.Context, in CreateRoomInput) (Room, error) {
	in, err := validateCreateRoom(in)
	if err != nil {
		return Room{}, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	room := newRoom(in)
	val, err := json.Marshal(room)
	if err != nil {
		return Room{}, StorageError{Op: "chat.CreateRoom", Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(roomKey(room.ID), val); err != nil {
			return err
		}
		return txn.Set(memberKey(room.CreatedBy, room.ID), nil)
	}); err != nil {
		return Room{}, StorageError{Op: "chat.CreateRoom", Err: err}
	}
	return room, nil
}

// Get returns one room by id.
func (d *BadgerDirectory) Get(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	var room Room
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &room)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Room{}, NotFoundError{Op: "chat.GetRoom", Resource: "room"}
	}
	if err != nil {
		return Room{}, StorageError{Op: "chat.GetRoom", Err: err}
	}
	return room, nil
}

// ListForUser walks the member index, then loads each referenced room.
func (d *BadgerDirectory) ListForUser(ctx context.Context, userID string) ([]Room, error) {
	const op = "chat.ListRooms"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(keyMemberPrefix + userID + ":")

	var roomIDs []string
	if err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			roomIDs = append(roomIDs, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	}); err != nil {
		return nil, StorageError{Op: op, Err: err}
	}

	out := make([]Room, 0, len(roomIDs))
	for _, id := range roomIDs {
		room, err := d.Get(ctx, id)
		if err != nil {
			// A dangling index entry is a defect worth surfacing, not
			// skipping.
			return nil, StorageError{Op: op, Err: fmt.Errorf("room %s: %w", id, err)}
		}
		out = append(out, room)
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
func (d *BadgerDirectory) AddMember(ctx context.Context, roomID, userID string) (Room, error) {
	const op = "chat.AddMember"
	if userID == "" {
		return Room{}, ValidationError{Op: op, Field: "userId", Msg: "required"}
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	room, err := d.Get(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if err := admit(room, userID); err != nil {
		return Room{}, err
	}

	if !room.HasMember(userID) {
		room.Members = append(room.Members, userID)
		val, err := json.Marshal(room)
		if err != nil {
			return Room{}, StorageError{Op: op, Err: err}
		}
		if err := d.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(roomKey(room.ID), val); err != nil {
				return err
			}
			return txn.Set(memberKey(userID, room.ID), nil)
		}); err != nil {
			return Room{}, StorageError{Op: op, Err: err}
		}
		return room, nil
	}

	// Membership already present; make sure the index entry is too.
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(userID, room.ID), nil)
	}); err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	return room, nil
}

func msgKey(roomID, sortKey string) []byte {
	return []byte(keyMsgPrefix + roomID + ":" + sortKey)
}

func roomKey(roomID string) []byte {
	return []byte(keyRoomPrefix + roomID)
}

func memberKey(userID, roomID string) []byte {
	return []byte(keyMemberPrefix + userID + ":" + roomID)
}
