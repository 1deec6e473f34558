package realtime

import (
	"sync"
	"sync/atomic"

	v1 "relay/contracts/chat/v1"
)

// SessionState is the lifecycle phase of one websocket connection.
//
// Transitions are one-way: Connecting -> Active -> Closed. Closed is
// terminal; a closed connection id is never reused.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

// String implements fmt.Stringer for logs.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent and marks the session closed.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	state atomic.Int32
	user  atomic.Pointer[string]

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client in the connecting state with a bounded send
// queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() SessionState {
	return SessionState(c.state.Load())
}

// UserID returns the bound identity, or "" while still connecting.
func (c *Client) UserID() string {
	if u := c.user.Load(); u != nil {
		return *u
	}
	return ""
}

// bind attaches an identity and moves the session to Active. Binding the same
// identity twice is a no-op success.
func (c *Client) bind(userID string) error {
	if c.State() == StateClosed {
		return ErrSessionClosed
	}
	if !c.user.CompareAndSwap(nil, &userID) {
		if c.UserID() != userID {
			return ErrIdentityMismatch
		}
		return nil
	}
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
	return nil
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}
