package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := sortKey(at, NewMessageID(at))

	cur := EncodeCursor(key)
	require.NotEmpty(t, cur)
	require.NotEqual(t, key, cur)

	got, err := DecodeCursor(cur)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestDecodeCursorEmpty(t *testing.T) {
	t.Parallel()

	got, err := DecodeCursor("")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecodeCursorRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		cursor string
	}{
		{name: "not base64url", cursor: "!!!not-base64!!!"},
		{name: "no separator", cursor: EncodeCursor("0000000000000")},
		{name: "short timestamp", cursor: EncodeCursor("123#01ABC")},
		{name: "non-digit timestamp", cursor: EncodeCursor("00000000000xy#01ABC")},
		{name: "empty id", cursor: EncodeCursor("0000000000000#")},
		{name: "garbage", cursor: EncodeCursor("hello world")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeCursor(tc.cursor)
			require.Error(t, err)
			require.True(t, IsInvalidInput(err))
		})
	}
}

func TestSortKeyOrdering(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Later timestamps sort later.
	k1 := sortKey(base, NewMessageID(base))
	k2 := sortKey(base.Add(time.Millisecond), NewMessageID(base.Add(time.Millisecond)))
	require.Less(t, k1, k2)

	// Same-millisecond ids tie-break in mint order.
	a := sortKey(base, NewMessageID(base))
	b := sortKey(base, NewMessageID(base))
	require.Less(t, a, b)
}
