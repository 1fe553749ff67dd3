package relay

// Transport abstracts the persistent bidirectional link to one client. The
// production implementation is a websocket; tests substitute an in-memory
// fake. Frame payloads are single JSON objects.
type Transport interface {
	// ReadFrame blocks until the next inbound frame or a transport error.
	// After Close it must return an error promptly.
	ReadFrame() ([]byte, error)

	// WriteFrame writes one outbound frame. The relay calls it from a
	// single writer goroutine per connection; implementations need not
	// support concurrent writers.
	WriteFrame(p []byte) error

	// Ping emits a liveness probe. Receipt of the peer's acknowledgement
	// is reported through the handler registered with SetPongHandler.
	// Safe to call concurrently with WriteFrame.
	Ping() error

	// SetPongHandler registers fn to run on every liveness acknowledgement.
	SetPongHandler(fn func())

	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string

	// Close tears the link down. Close is idempotent.
	Close() error
}
