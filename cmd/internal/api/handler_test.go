package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay/cmd/internal/auth"
	"relay/cmd/internal/chat"
	"relay/cmd/internal/realtime"
	v1 "relay/contracts/chat/v1"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiFixture struct {
	srv   http.Handler
	rooms chat.RoomDirectory
	store chat.MessageStore
	reg   *realtime.Registry
	token map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	rooms := chat.NewMemoryDirectory()
	store := chat.NewMemoryStore()
	reg := realtime.NewRegistry()
	engine := realtime.NewEngine(log, reg)

	v, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	tokens := make(map[string]string)
	for _, uid := range []string{"u1", "u2", "u3"} {
		tok, err := v.Sign(uid, time.Minute)
		require.NoError(t, err)
		tokens[uid] = tok
	}

	h := NewHandler(log, rooms, store, engine)
	mux := http.NewServeMux()
	h.Register(mux)

	return &apiFixture{
		srv:   auth.Middleware(log, v)(mux),
		rooms: rooms,
		store: store,
		reg:   reg,
		token: tokens,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		r.Header.Set("Authorization", "Bearer "+f.token[user])
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, into any) envelope {
	t.Helper()

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if into != nil {
		require.NotNil(t, env.Data)
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
	return env
}

func TestHandlerRequiresAuth(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	w := f.do(t, "GET", "/rooms", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	env := decodeEnvelope(t, w, nil)
	require.False(t, env.Success)
	require.Equal(t, "unauthorized", env.Error.Code)
}

func TestHandlerRoomLifecycle(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	w := f.do(t, "POST", "/rooms", "u1", `{"name":"General","description":"all hands","type":"group"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created roomResponse
	env := decodeEnvelope(t, w, &created)
	require.True(t, env.Success)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "General", created.Name)
	require.Equal(t, "group", created.Type)
	require.Equal(t, "u1", created.CreatedBy)
	require.Equal(t, []string{"u1"}, created.Members)

	// The creator sees the room in their listing.
	w = f.do(t, "GET", "/rooms", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listing roomListResponse
	decodeEnvelope(t, w, &listing)
	require.Len(t, listing.Rooms, 1)
	require.Equal(t, created.ID, listing.Rooms[0].ID)

	// Another user does not, until they join.
	w = f.do(t, "GET", "/rooms", "u2", "")
	decodeEnvelope(t, w, &listing)
	require.Empty(t, listing.Rooms)

	w = f.do(t, "POST", "/rooms/"+created.ID+"/join", "u2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var joined roomResponse
	decodeEnvelope(t, w, &joined)
	require.ElementsMatch(t, []string{"u1", "u2"}, joined.Members)

	w = f.do(t, "GET", "/rooms/"+created.ID, "u2", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "GET", "/rooms", "u2", "")
	decodeEnvelope(t, w, &listing)
	require.Len(t, listing.Rooms, 1)
}

func TestHandlerCreateRoomValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "missing name", body: `{"description":"x"}`, code: "invalid_input"},
		{name: "name too long", body: fmt.Sprintf(`{"name":%q}`, strings.Repeat("a", 101)), code: "invalid_input"},
		{name: "bad type", body: `{"name":"x","type":"broadcast"}`, code: "invalid_input"},
		{name: "not json", body: `{"name":`, code: "bad_json"},
		{name: "unknown field", body: `{"name":"x","owner":"u1"}`, code: "bad_json"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w := f.do(t, "POST", "/rooms", "u1", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			env := decodeEnvelope(t, w, nil)
			require.False(t, env.Success)
			require.Equal(t, tc.code, env.Error.Code)
		})
	}
}

func TestHandlerUnknownRoomIs404(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	for _, req := range []struct{ method, path, body string }{
		{"GET", "/rooms/nope", ""},
		{"POST", "/rooms/nope/join", ""},
		{"GET", "/rooms/nope/messages", ""},
		{"POST", "/rooms/nope/messages", `{"content":"hi"}`},
	} {
		w := f.do(t, req.method, req.path, "u1", req.body)
		require.Equal(t, http.StatusNotFound, w.Code, "%s %s", req.method, req.path)
		env := decodeEnvelope(t, w, nil)
		require.Equal(t, "not_found", env.Error.Code)
	}
}

func TestHandlerJoinFullDirectRoomConflicts(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	w := f.do(t, "POST", "/rooms", "u1", `{"name":"u1-u2","type":"direct"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var room roomResponse
	decodeEnvelope(t, w, &room)

	w = f.do(t, "POST", "/rooms/"+room.ID+"/join", "u2", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "POST", "/rooms/"+room.ID+"/join", "u3", "")
	require.Equal(t, http.StatusConflict, w.Code)
	env := decodeEnvelope(t, w, nil)
	require.Equal(t, "conflict", env.Error.Code)
}

func TestHandlerPostAndPageMessages(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	w := f.do(t, "POST", "/rooms", "u1", `{"name":"General"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var room roomResponse
	decodeEnvelope(t, w, &room)

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"content":"message %d"}`, i)
		w = f.do(t, "POST", "/rooms/"+room.ID+"/messages", "u1", body)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	// Attachment message.
	w = f.do(t, "POST", "/rooms/"+room.ID+"/messages", "u1",
		`{"content":"see file","messageType":"file","attachments":[{"id":"a1","filename":"deck.pdf","url":"https://cdn.example.com/deck.pdf","type":"application/pdf","size":1024}]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// First page, newest first.
	w = f.do(t, "GET", "/rooms/"+room.ID+"/messages?limit=4", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page messagePageResponse
	decodeEnvelope(t, w, &page)
	require.Len(t, page.Messages, 4)
	require.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)
	require.Equal(t, "see file", page.Messages[0].Content)
	require.Len(t, page.Messages[0].Attachments, 1)
	require.Equal(t, "deck.pdf", page.Messages[0].Attachments[0].Filename)

	// Second page picks up exactly the remainder.
	w = f.do(t, "GET", "/rooms/"+room.ID+"/messages?limit=4&cursor="+page.NextCursor, "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	// Reset before decoding: nextCursor is omitempty, so an absent field
	// would otherwise leave the first page's value behind.
	page = messagePageResponse{}
	decodeEnvelope(t, w, &page)
	require.Len(t, page.Messages, 2)
	require.False(t, page.HasMore)
	require.Empty(t, page.NextCursor)
	require.Equal(t, "message 0", page.Messages[1].Content)
}

func TestHandlerPostMessagePushesToSubscribers(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	w := f.do(t, "POST", "/rooms", "u1", `{"name":"General"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var room roomResponse
	decodeEnvelope(t, w, &room)

	c := realtime.NewClient("conn-1", 8)
	require.NoError(t, f.reg.Register(c))
	require.NoError(t, f.reg.Subscribe("conn-1", room.ID))

	w = f.do(t, "POST", "/rooms/"+room.ID+"/messages", "u1", `{"content":"hi"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// A REST post fans out the same frame shape as a websocket send:
	// versioned, typed, with an envelope id and timestamp.
	select {
	case env := <-c.Send:
		require.Equal(t, v1.Version, env.V)
		require.Equal(t, v1.TypeMessage, env.Type)
		require.NotEmpty(t, env.ID)
		require.False(t, env.TS.IsZero())

		var push v1.MessagePushPayload
		require.NoError(t, json.Unmarshal(env.Payload, &push))
		require.Equal(t, "hi", push.Data.Content)
		require.Equal(t, "u1", push.Data.UserID)
		require.Equal(t, room.ID, push.Data.RoomID)
	default:
		t.Fatal("subscriber received no push")
	}
}

func TestHandlerMessageValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	w := f.do(t, "POST", "/rooms", "u1", `{"name":"General"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var room roomResponse
	decodeEnvelope(t, w, &room)

	w = f.do(t, "POST", "/rooms/"+room.ID+"/messages", "u1", `{"content":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	long := strings.Repeat("x", 4001)
	w = f.do(t, "POST", "/rooms/"+room.ID+"/messages", "u1", fmt.Sprintf(`{"content":%q}`, long))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/rooms/"+room.ID+"/messages?limit=abc", "u1", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/rooms/"+room.ID+"/messages?cursor=!!not-a-cursor", "u1", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
