package realtime

import (
	"context"
	"log/slog"
	"time"

	"relay/cmd/internal/chat"
)

// Controller drives the session lifecycle: a connection is registered in the
// connecting state, becomes active once an identity is bound, joins and
// leaves rooms while active, and ends in the terminal closed state.
//
// The controller owns the ordering rules; the gateway owns the socket.
type Controller struct {
	log   *slog.Logger
	reg   *Registry
	rooms chat.RoomDirectory

	sendQueueSize int
}

// NewController constructs a session controller.
func NewController(log *slog.Logger, reg *Registry, rooms chat.RoomDirectory, sendQueueSize int) *Controller {
	return &Controller{
		log:           log,
		reg:           reg,
		rooms:         rooms,
		sendQueueSize: sendQueueSize,
	}
}

// Registry exposes the underlying registry for broadcast wiring.
func (s *Controller) Registry() *Registry { return s.reg }

// Connect registers a fresh connection in the connecting state and returns
// its client handle.
func (s *Controller) Connect(now time.Time) (*Client, error) {
	c := NewClient(NewConnID(now), s.sendQueueSize)
	if err := s.reg.Register(c); err != nil {
		return nil, err
	}
	s.log.Info("session.connect", "conn_id", c.ConnID)
	return c, nil
}

// Authenticate binds a verified identity to the connection, activating it.
func (s *Controller) Authenticate(connID, userID string) error {
	if err := s.reg.BindIdentity(connID, userID); err != nil {
		return err
	}
	s.log.Info("session.active", "conn_id", connID, "user_id", userID)
	return nil
}

// Join subscribes an active connection to an existing room.
func (s *Controller) Join(ctx context.Context, connID, roomID string) error {
	c, err := s.reg.Get(connID)
	if err != nil {
		return err
	}
	if c.State() != StateActive {
		return ErrNotAuthenticated
	}

	// Subscribing to a room that does not exist would silently blackhole
	// the session; fail loudly instead.
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return err
	}

	if err := s.reg.Subscribe(connID, roomID); err != nil {
		return err
	}
	s.log.Info("session.join", "conn_id", connID, "room_id", roomID)
	return nil
}

// Leave drops the connection's subscription to a room. Leaving a room that
// was never joined is a no-op success.
func (s *Controller) Leave(connID, roomID string) error {
	if err := s.reg.Unsubscribe(connID, roomID); err != nil {
		return err
	}
	s.log.Info("session.leave", "conn_id", connID, "room_id", roomID)
	return nil
}

// Subscribed reports whether the connection currently subscribes to the room.
func (s *Controller) Subscribed(connID, roomID string) bool {
	return s.reg.Subscribed(connID, roomID)
}

// Disconnect removes the connection from the registry and every room it
// joined, then closes it. Safe to call more than once.
func (s *Controller) Disconnect(connID string) {
	c, err := s.reg.Deregister(connID)
	if err != nil {
		return
	}
	c.Close()
	s.log.Info("session.closed", "conn_id", connID, "user_id", c.UserID())
}

// Shutdown force-disconnects every remaining session. Used on graceful
// server stop after in-flight deliveries drained.
func (s *Controller) Shutdown() int {
	clients := s.reg.All()
	for _, c := range clients {
		s.Disconnect(c.ConnID)
	}
	if len(clients) > 0 {
		s.log.Info("session.shutdown", "disconnected", len(clients))
	}
	return len(clients)
}
