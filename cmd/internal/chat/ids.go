package chat

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a monotonic ULID for a message.
//
// Monotonic entropy makes ids minted in the same millisecond strictly
// increasing, so the (createdAt, id) sort key always reflects insertion
// order.
func NewMessageID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewRoomID returns a random UUID for a room.
func NewRoomID() string {
	return uuid.NewString()
}
