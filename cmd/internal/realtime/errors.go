package realtime

import "errors"

// Sentinel errors for connection lifecycle misuse. The gateway maps these
// onto protocol error frames; the API layer maps them onto HTTP statuses.
var (
	// ErrNotRegistered means the connection id is unknown to the registry,
	// usually because it was already deregistered.
	ErrNotRegistered = errors.New("connection not registered")

	// ErrAlreadyRegistered means a connection id was registered twice.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrIdentityMismatch means a connection tried to authenticate as a
	// second, different user.
	ErrIdentityMismatch = errors.New("connection already bound to another user")

	// ErrNotAuthenticated means an operation that requires a bound identity
	// ran on a connection still in the connecting state.
	ErrNotAuthenticated = errors.New("connection not authenticated")

	// ErrSessionClosed means the session already reached its terminal state.
	ErrSessionClosed = errors.New("session closed")
)
