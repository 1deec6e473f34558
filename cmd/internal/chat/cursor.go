package chat

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// A cursor is the URL-safe encoding of the trailing message sort key of a
// page. Clients treat it as opaque; round-tripping one reproduces the exact
// next page with no duplicates and no gaps, because appends only ever sort
// after every key already handed out.

const sortKeySep = "#"

// sortKey builds the lexicographic per-room ordering key for a message:
// zero-padded millisecond timestamp, then the ULID as tie-break.
func sortKey(at time.Time, id string) string {
	return fmt.Sprintf("%013d%s%s", at.UTC().UnixMilli(), sortKeySep, id)
}

// sortKeyTime extracts the millisecond timestamp from a sort key. A key
// that does not parse yields the zero time.
func sortKeyTime(key string) time.Time {
	ts, _, ok := strings.Cut(key, sortKeySep)
	if !ok || len(ts) != 13 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// EncodeCursor wraps a message sort key into an opaque pagination token.
func EncodeCursor(key string) string {
	if key == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeCursor unwraps a pagination token back into a sort key. A malformed
// token is rejected as invalid input rather than silently restarting the
// page walk.
func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", ValidationError{Op: "chat.DecodeCursor", Field: "cursor", Msg: "not base64url"}
	}

	key := string(raw)
	ts, id, ok := strings.Cut(key, sortKeySep)
	if !ok || len(ts) != 13 || id == "" {
		return "", ValidationError{Op: "chat.DecodeCursor", Field: "cursor", Msg: "malformed key"}
	}
	for _, r := range ts {
		if r < '0' || r > '9' {
			return "", ValidationError{Op: "chat.DecodeCursor", Field: "cursor", Msg: "malformed key"}
		}
	}
	return key, nil
}
