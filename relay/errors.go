package relay

import "errors"

// Failure taxonomy. Everything here is converted to a client-visible ERROR
// frame; only transport-level failures tear the connection down.
var (
	// ErrNotAuthenticated is a protocol-order violation: a room operation
	// arrived before AUTH succeeded. Recoverable, the connection stays open.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAlreadyAuthenticated rejects a second AUTH on a live connection.
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrRoomNotFound rejects operations against rooms the store does not know.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomRequired rejects room operations missing a room id.
	ErrRoomRequired = errors.New("room id is required")

	// ErrEmptyContent rejects sends with no content.
	ErrEmptyContent = errors.New("message content is required")

	// ErrStoreUnavailable wraps store failures surfaced to the client.
	ErrStoreUnavailable = errors.New("store unavailable")
)
