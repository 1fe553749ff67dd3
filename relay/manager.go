package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatrelay/chatrelay/broker"
	"github.com/chatrelay/chatrelay/store"
)

// Manager binds live connections to broker-level room subscriptions. It
// performs the history backfill on join, persists and republishes outgoing
// messages, and guarantees cleanup on leave and disconnect.
type Manager struct {
	store        store.Store
	broker       broker.Broker
	log          *slog.Logger
	historyLimit int
	opTimeout    time.Duration
}

// NewManager wires a subscription manager. historyLimit bounds the backfill
// window; opTimeout bounds every store/broker call a client frame triggers.
func NewManager(st store.Store, br broker.Broker, historyLimit int, opTimeout time.Duration, log *slog.Logger) *Manager {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:        st,
		broker:       br,
		log:          log,
		historyLimit: historyLimit,
		opTimeout:    opTimeout,
	}
}

// Join subscribes the connection to a room's fan-out and backfills recent
// history. Joining a room the connection is already in re-sends the
// acknowledgement and history but never creates a second consumer.
//
// Ordering: the broker subscription is registered before the history read so
// no message falls in the gap, but live deliveries for the room are held
// behind a gate until the MESSAGE_HISTORY frame has been queued. A message
// may still appear in both history and live fan-out; clients deduplicate by
// message ID.
//
// A join either fully succeeds (JOIN_SUCCESS + MESSAGE_HISTORY) or fully
// fails (ERROR, no subscription left behind); the history read happens
// before any frame is sent so a backfill failure aborts cleanly.
func (m *Manager) Join(ctx context.Context, c *Conn, roomID string) error {
	if roomID == "" {
		return ErrRoomRequired
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	room, err := m.store.FindRoom(opCtx, roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	if c.hasSub(roomID) {
		msgs, err := m.history(opCtx, roomID)
		if err != nil {
			// The pre-existing subscription predates this frame and stays.
			return err
		}
		c.send(joinSuccessFrame{Type: FrameJoinSuccess, RoomID: roomID, RoomName: room.Name})
		c.send(historyFrame{Type: FrameMessageHistory, RoomID: roomID, Messages: msgs})
		return nil
	}

	gate := make(chan struct{})
	abort := make(chan struct{})
	sub, err := m.broker.Subscribe(opCtx, roomID, func(_ context.Context, payload []byte) error {
		select {
		case <-gate:
		case <-abort:
			// The join was rolled back; drop deliveries already in flight.
			return nil
		case <-c.closed:
			// Recipient is gone; drop without error. Redelivery is the
			// broker's policy, not this layer's.
			return nil
		}
		m.deliver(c, roomID, payload)
		return nil
	})
	if err != nil {
		return err
	}

	if !c.addSub(roomID, sub) {
		// Lost an idempotence race; the existing consumer wins.
		close(abort)
		if cerr := sub.Cancel(); cerr != nil {
			m.log.Warn("cancel redundant subscription",
				slog.String("room", roomID), slog.String("err", cerr.Error()))
		}
		msgs, err := m.history(opCtx, roomID)
		if err != nil {
			return err
		}
		c.send(joinSuccessFrame{Type: FrameJoinSuccess, RoomID: roomID, RoomName: room.Name})
		c.send(historyFrame{Type: FrameMessageHistory, RoomID: roomID, Messages: msgs})
		return nil
	}

	msgs, err := m.history(opCtx, roomID)
	if err != nil {
		// Roll the whole join back: no JOIN_SUCCESS was sent, no
		// subscription may survive, and deliveries already blocked on the
		// gate are discarded rather than surfacing for a failed join.
		if stale, ok := c.removeSub(roomID); ok {
			if cerr := stale.Cancel(); cerr != nil {
				m.log.Warn("cancel subscription after failed backfill",
					slog.String("room", roomID), slog.String("err", cerr.Error()))
			}
		}
		close(abort)
		return err
	}

	c.send(joinSuccessFrame{Type: FrameJoinSuccess, RoomID: roomID, RoomName: room.Name})
	c.send(historyFrame{Type: FrameMessageHistory, RoomID: roomID, Messages: msgs})
	// Live deliveries flow only after the history frame is queued.
	close(gate)
	return nil
}

// history reads the most recent window of the room's log and re-orders it
// ascending by timestamp for the MESSAGE_HISTORY frame.
func (m *Manager) history(ctx context.Context, roomID string) ([]store.Message, error) {
	msgs, err := m.store.RecentMessages(ctx, roomID, m.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// Newest-first from the store; clients render oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// deliver forwards one broker payload to the connection as a NEW_MESSAGE
// frame. Malformed payloads are dropped with a log line rather than poisoning
// the consumer.
func (m *Manager) deliver(c *Conn, roomID string, payload []byte) {
	var frame MessageFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		m.log.Warn("dropping malformed broker payload",
			slog.String("room", roomID), slog.String("err", err.Error()))
		return
	}
	if frame.Type == "" {
		frame.Type = FrameNewMessage
	}
	c.send(frame)
}

// Leave cancels the connection's subscription for a room. Leaving a room the
// connection is not in is a no-op, not an error.
func (m *Manager) Leave(c *Conn, roomID string) error {
	if roomID == "" {
		return ErrRoomRequired
	}
	if sub, ok := c.removeSub(roomID); ok {
		if err := sub.Cancel(); err != nil {
			m.log.Warn("cancel subscription",
				slog.String("room", roomID), slog.String("err", err.Error()))
		}
	}
	c.send(leaveSuccessFrame{Type: FrameLeaveSuccess, RoomID: roomID})
	return nil
}

// Send persists a message, then publishes it to the room's topic. The sender
// sees its own message only through the fan-out, so every subscriber
// observes one consistent delivery order.
//
// Persist-then-publish: a persistence failure aborts the send with no
// phantom live message; a publish failure after persistence leaves the
// message durable but not fanned out, where it surfaces to future joiners
// via backfill.
func (m *Manager) Send(ctx context.Context, c *Conn, roomID, content string) error {
	if roomID == "" {
		return ErrRoomRequired
	}
	if content == "" {
		return ErrEmptyContent
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	msg, err := m.store.AppendMessage(opCtx, roomID, c.Username(), content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	payload, err := json.Marshal(NewMessageFrame(msg))
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}
	if err := m.broker.Publish(opCtx, roomID, payload); err != nil {
		m.log.Error("publish after persist failed; message will surface via backfill only",
			slog.String("room", roomID), slog.String("message_id", msg.ID),
			slog.String("err", err.Error()))
		return err
	}
	return nil
}

// Cleanup cancels every subscription the connection holds. Idempotent and
// unconditional; cancellation failures are logged, not retried, because the
// broker reaps consumers with the channel anyway.
func (m *Manager) Cleanup(c *Conn) {
	for roomID, sub := range c.takeSubs() {
		if err := sub.Cancel(); err != nil {
			m.log.Warn("cancel subscription during cleanup",
				slog.String("room", roomID), slog.String("err", err.Error()))
		}
	}
}
