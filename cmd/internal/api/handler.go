package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"relay/cmd/internal/auth"
	"relay/cmd/internal/chat"
	"relay/cmd/internal/realtime"
	v1 "relay/contracts/chat/v1"
)

const maxBodyBytes = 256 << 10 // 256 KiB

// Handler wires the chat core onto HTTP. All routes require an authenticated
// user id in the request context (auth.Middleware runs in front).
type Handler struct {
	log      *slog.Logger
	rooms    chat.RoomDirectory
	store    chat.MessageStore
	engine   *realtime.Engine
	validate *validator.Validate
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, rooms chat.RoomDirectory, store chat.MessageStore, engine *realtime.Engine) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		rooms:    rooms,
		store:    store,
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rooms", h.handleListRooms)
	mux.HandleFunc("POST /rooms", h.handleCreateRoom)
	mux.HandleFunc("GET /rooms/{roomId}", h.handleGetRoom)
	mux.HandleFunc("POST /rooms/{roomId}/join", h.handleJoinRoom)
	mux.HandleFunc("GET /rooms/{roomId}/messages", h.handleListMessages)
	mux.HandleFunc("POST /rooms/{roomId}/messages", h.handlePostMessage)
}

// ---- handlers ----

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity")
		return
	}

	rooms, err := h.rooms.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, roomListResponse{
		Rooms: lo.Map(rooms, func(room chat.Room, _ int) roomResponse {
			return roomToResponse(room)
		}),
	})
}

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity")
		return
	}

	var req createRoomRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return
	}

	room, err := h.rooms.Create(r.Context(), chat.CreateRoomInput{
		Name:        req.Name,
		Description: req.Description,
		Type:        chat.RoomType(req.Type),
		CreatorID:   userID,
	})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, roomToResponse(room))
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Get(r.Context(), r.PathValue("roomId"))
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, roomToResponse(room))
}

func (h *Handler) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity")
		return
	}

	room, err := h.rooms.AddMember(r.Context(), r.PathValue("roomId"), userID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, roomToResponse(room))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")

	// Room existence is checked explicitly so an unknown room is a 404, not
	// an empty page.
	if _, err := h.rooms.Get(r.Context(), roomID); err != nil {
		h.writeChatError(w, r, err)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	page, err := h.store.Page(r.Context(), roomID, limit, strings.TrimSpace(r.URL.Query().Get("cursor")))
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	writeData(w, http.StatusOK, messagePageResponse{
		Messages: lo.Map(page.Messages, func(m chat.Message, _ int) v1.MessageData {
			return realtime.MessageToWire(m)
		}),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	})
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity")
		return
	}
	roomID := r.PathValue("roomId")

	var req postMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return
	}

	if _, err := h.rooms.Get(r.Context(), roomID); err != nil {
		h.writeChatError(w, r, err)
		return
	}

	msg, err := h.store.Append(r.Context(), chat.AppendInput{
		RoomID:   roomID,
		SenderID: userID,
		Content:  req.Content,
		Type:     chat.MessageType(req.MessageType),
		Attachments: lo.Map(req.Attachments, func(a attachmentRequest, _ int) chat.Attachment {
			return chat.Attachment{
				ID:          a.ID,
				Filename:    a.Filename,
				URL:         a.URL,
				ContentType: a.ContentType,
				Size:        a.Size,
			}
		}),
	})
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	// Fan the stored message out to live room subscribers. REST posts and
	// websocket sends share one delivery path and one frame shape.
	if h.engine != nil {
		h.engine.Publish(r.Context(), roomID, realtime.MessagePush(msg))
	}

	writeData(w, http.StatusCreated, realtime.MessageToWire(msg))
}

// ---- error mapping ----

func (h *Handler) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case chat.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case chat.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.log.Error("api.internal", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
			return fe.Field()
		})
		return "invalid fields: " + strings.Join(fields, ", ")
	}
	return err.Error()
}

func roomToResponse(room chat.Room) roomResponse {
	return roomResponse{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		Type:        string(room.Type),
		CreatedBy:   room.CreatedBy,
		Members:     room.Members,
		CreatedAt:   room.CreatedAt,
	}
}
