// Package broker defines the fan-out contract between the relay and the
// message broker. One process shares a single broker connection; every room
// maps to a routing topic on it. Implementations must be safe for concurrent
// use by all connections in the process.
package broker

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the broker connection is down. Callers should
// surface the failure to the client rather than block; the implementation's
// own reconnect loop is the only retry mechanism at this layer.
var ErrUnavailable = errors.New("broker unavailable")

// Handler consumes one inbound broker payload for a subscription. A nil
// return acknowledges the message; a non-nil return leaves it to the
// backend's redelivery policy. Handlers run concurrently with the
// subscribing connection's own send path and must not assume otherwise.
type Handler func(ctx context.Context, payload []byte) error

// Broker wraps a single shared broker connection multiplexed across all
// rooms and all client connections.
type Broker interface {
	// Ensure idempotently declares the routing topology for a room.
	// Safe to call repeatedly for the same room.
	Ensure(ctx context.Context, roomID string) error

	// Publish sends payload to every current subscriber of the room,
	// asking the broker to retain it until consumed. Delivery to live
	// subscribers is best-effort; durability lives in the store.
	Publish(ctx context.Context, roomID string, payload []byte) error

	// Subscribe attaches h to the room's topic. Each subscription receives
	// its own copy of every payload published after it is established.
	// The returned Subscription is owned by exactly one (connection, room)
	// pair and must be cancelled when that pairing ends.
	Subscribe(ctx context.Context, roomID string, h Handler) (Subscription, error)

	// Close tears down the shared connection. Active subscriptions are
	// reaped by the broker once the connection is gone.
	Close() error
}

// Subscription is an opaque handle to one active broker-level consumer.
type Subscription interface {
	// Cancel detaches the consumer. Cancel is idempotent.
	Cancel() error
}
