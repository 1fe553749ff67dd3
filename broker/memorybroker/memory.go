// Package memorybroker provides an in-process implementation of the
// broker.Broker interface using Go channels for delivery. It is suitable for
// tests and single-node development; state is local to the process.
package memorybroker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chatrelay/chatrelay/broker"
)

// Broker implements broker.Broker with a per-room subscriber set. Every
// subscription owns a buffered channel drained by its own dispatch
// goroutine, so one slow handler never blocks publishers or other rooms.
type Broker struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type room struct {
	subs map[*subscription]struct{}
}

type subscription struct {
	broker *Broker
	roomID string
	ch     chan []byte
	done   chan struct{}
	closed atomic.Bool
}

// New creates an in-process broker.
func New() *Broker {
	return &Broker{rooms: make(map[string]*room)}
}

// Ensure implements broker.Broker. Topology is implicit in memory, so this
// only materializes the room entry.
func (b *Broker) Ensure(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrUnavailable
	}
	b.roomLocked(roomID)
	return nil
}

// Publish implements broker.Broker. Subscribers with a full buffer are
// skipped; the durable store, not the live path, is the delivery of record.
func (b *Broker) Publish(ctx context.Context, roomID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Copy so callers can reuse their buffer.
	p := make([]byte, len(payload))
	copy(p, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrUnavailable
	}
	rm := b.roomLocked(roomID)
	for sub := range rm.subs {
		select {
		case sub.ch <- p:
		default:
		}
	}
	return nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, roomID string, h broker.Handler) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrUnavailable
	}
	rm := b.roomLocked(roomID)
	sub := &subscription{
		broker: b,
		roomID: roomID,
		ch:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	rm.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.dispatch(h)
	return sub, nil
}

// Close implements broker.Broker. All active subscriptions are cancelled.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, rm := range b.rooms {
		for sub := range rm.subs {
			subs = append(subs, sub)
		}
	}
	b.rooms = make(map[string]*room)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (b *Broker) roomLocked(roomID string) *room {
	rm, ok := b.rooms[roomID]
	if !ok {
		rm = &room{subs: make(map[*subscription]struct{})}
		b.rooms[roomID] = rm
	}
	return rm
}

func (s *subscription) dispatch(h broker.Handler) {
	for {
		select {
		case payload := <-s.ch:
			// Handler errors are redelivery territory in durable
			// backends; in memory the payload is simply dropped.
			_ = h(context.Background(), payload)
		case <-s.done:
			return
		}
	}
}

// Cancel implements broker.Subscription.
func (s *subscription) Cancel() error {
	s.stop()
	return nil
}

func (s *subscription) stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.broker.mu.Lock()
	if rm, ok := s.broker.rooms[s.roomID]; ok {
		delete(rm.subs, s)
	}
	s.broker.mu.Unlock()
	close(s.done)
}

// Compile-time interface checks
var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
