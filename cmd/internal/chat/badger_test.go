package chat

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openBadger(t *testing.T) *badger.DB {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestBadgerStorePageNewestFirst(t *testing.T) {
	t.Parallel()

	db := openBadger(t)
	store, err := NewBadgerStore(db)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	appended := appendN(t, store, "room-1", "u1", 12, base)

	page, err := store.Page(context.Background(), "room-1", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 12)
	require.False(t, page.HasMore)

	for i, m := range page.Messages {
		require.Equal(t, appended[len(appended)-1-i].ID, m.ID)
	}
}

func TestBadgerStorePaginationEquivalence(t *testing.T) {
	t.Parallel()

	db := openBadger(t)
	store, err := NewBadgerStore(db)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	appended := appendN(t, store, "room-1", "u1", 41, base)

	for _, limit := range []int{1, 4, 20, 41, 200} {
		all := drain(t, store, "room-1", limit)
		require.Len(t, all, len(appended), "limit=%d", limit)
		for i, m := range all {
			require.Equal(t, appended[len(appended)-1-i].ID, m.ID, "limit=%d", limit)
		}
	}
}

func TestBadgerStoreAttachmentsRoundTrip(t *testing.T) {
	t.Parallel()

	db := openBadger(t)
	store, err := NewBadgerStore(db)
	require.NoError(t, err)

	att := Attachment{
		ID:          "att-1",
		Filename:    "cat.png",
		URL:         "https://files.example.com/cat.png",
		ContentType: "image/png",
		Size:        2048,
	}
	msg, err := store.Append(context.Background(), AppendInput{
		RoomID:      "room-1",
		SenderID:    "u1",
		Content:     "look at this",
		Type:        MessageImage,
		Attachments: []Attachment{att},
	})
	require.NoError(t, err)

	page, err := store.Page(context.Background(), "room-1", 1, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, msg.ID, page.Messages[0].ID)
	require.Equal(t, MessageImage, page.Messages[0].Type)
	require.Equal(t, []Attachment{att}, page.Messages[0].Attachments)
}

func TestBadgerStoreRoomsAreIsolated(t *testing.T) {
	t.Parallel()

	db := openBadger(t)
	store, err := NewBadgerStore(db)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	appendN(t, store, "room-a", "u1", 6, base)
	appendN(t, store, "room-ab", "u1", 4, base)

	// "room-a" is a prefix of "room-ab"; the key scheme's separator must
	// keep their ranges apart.
	pageA, err := store.Page(context.Background(), "room-a", 50, "")
	require.NoError(t, err)
	require.Len(t, pageA.Messages, 6)

	pageAB, err := store.Page(context.Background(), "room-ab", 50, "")
	require.NoError(t, err)
	require.Len(t, pageAB.Messages, 4)
}

func TestBadgerStoreStaleTimestampCannotRegressKeys(t *testing.T) {
	t.Parallel()

	db := openBadger(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store, err := NewBadgerStore(db)
	require.NoError(t, err)

	first, err := store.Append(ctx, AppendInput{
		RoomID: "room-1", SenderID: "u1", Content: "first", Now: base.Add(5 * time.Millisecond),
	})
	require.NoError(t, err)
	second, err := store.Append(ctx, AppendInput{
		RoomID: "room-1", SenderID: "u2", Content: "second", Now: base,
	})
	require.NoError(t, err)
	require.Greater(t, second.SortKey(), first.SortKey())

	// A fresh store over the same database seeds its clamp from the stored
	// keys, so a stale timestamp after a restart cannot regress either.
	store2, err := NewBadgerStore(db)
	require.NoError(t, err)
	third, err := store2.Append(ctx, AppendInput{
		RoomID: "room-1", SenderID: "u3", Content: "third", Now: base,
	})
	require.NoError(t, err)
	require.Greater(t, third.SortKey(), second.SortKey())

	all := drain(t, store, "room-1", 1)
	require.Len(t, all, 3)
	require.Equal(t, third.ID, all[0].ID)
	require.Equal(t, second.ID, all[1].ID)
	require.Equal(t, first.ID, all[2].ID)
}

func TestBadgerDirectoryCreateGetAddMember(t *testing.T) {
	t.Parallel()

	db := openBadger(t)
	dir, err := NewBadgerDirectory(db)
	require.NoError(t, err)
	ctx := context.Background()

	room, err := dir.Create(ctx, CreateRoomInput{Name: "General", CreatorID: "u1"})
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, room.Members)

	got, err := dir.Get(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, room.ID, got.ID)

	joined, err := dir.AddMember(ctx, room.ID, "u2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2"}, joined.Members)

	again, err := dir.AddMember(ctx, room.ID, "u2")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2"}, again.Members)

	_, err = dir.Get(ctx, "missing")
	require.True(t, IsNotFound(err))
}

func TestBadgerDirectoryListForUser(t *testing.T) {
	t.Parallel()

	db := openBadger(t)
	dir, err := NewBadgerDirectory(db)
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := dir.Create(ctx, CreateRoomInput{Name: "One", CreatorID: "u1", Now: base})
	require.NoError(t, err)
	second, err := dir.Create(ctx, CreateRoomInput{Name: "Two", CreatorID: "u2", Now: base.Add(time.Minute)})
	require.NoError(t, err)

	_, err = dir.AddMember(ctx, second.ID, "u1")
	require.NoError(t, err)

	rooms, err := dir.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	require.Equal(t, first.ID, rooms[0].ID)
	require.Equal(t, second.ID, rooms[1].ID)

	none, err := dir.ListForUser(ctx, "u3")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestBadgerSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := t.TempDir()

	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	require.NoError(t, err)

	store, err := NewBadgerStore(db)
	require.NoError(t, err)
	dir, err := NewBadgerDirectory(db)
	require.NoError(t, err)
	ctx := context.Background()

	room, err := dir.Create(ctx, CreateRoomInput{Name: "General", CreatorID: "u1"})
	require.NoError(t, err)
	msg, err := store.Append(ctx, AppendInput{RoomID: room.ID, SenderID: "u1", Content: "persist me"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	require.NoError(t, err)
	defer func() { require.NoError(t, db2.Close()) }()

	store2, err := NewBadgerStore(db2)
	require.NoError(t, err)
	dir2, err := NewBadgerDirectory(db2)
	require.NoError(t, err)

	got, err := dir2.Get(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, room.Name, got.Name)

	page, err := store2.Page(ctx, room.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, msg.ID, page.Messages[0].ID)
	require.Equal(t, "persist me", page.Messages[0].Content)
}
