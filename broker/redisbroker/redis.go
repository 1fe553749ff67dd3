// Package redisbroker implements broker.Broker over Redis Streams. Every
// room is a stream; each subscription runs its own XREAD loop from the tail
// of the stream, advancing its cursor only after the handler accepts the
// payload, which gives at-least-once delivery per subscriber without
// consumer groups.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatrelay/chatrelay/broker"
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to all stream keys. ENV: BROKER_KEY_PREFIX
	KeyPrefix string `env:"BROKER_KEY_PREFIX,default=chat:room:"`
	// Client overrides RedisAddr when set; the caller keeps ownership.
	Client redis.UniversalClient
}

// Broker is the Redis Streams-backed implementation of broker.Broker.
type Broker struct {
	client     redis.UniversalClient
	keyPrefix  string
	ownsClient bool
	closed     atomic.Bool
}

// New creates a Redis-backed broker and verifies connectivity.
func New(cfg Config) (*Broker, error) {
	client := cfg.Client
	owns := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		owns = true
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		if owns {
			client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chat:room:"
	}
	return &Broker{client: client, keyPrefix: prefix, ownsClient: owns}, nil
}

func (b *Broker) streamKey(roomID string) string { return b.keyPrefix + roomID }

// Ensure implements broker.Broker. Streams materialize on first XADD, so
// this only verifies the connection is usable.
func (b *Broker) Ensure(ctx context.Context, roomID string) error {
	if b.closed.Load() {
		return broker.ErrUnavailable
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, roomID string, payload []byte) error {
	if b.closed.Load() {
		return broker.ErrUnavailable
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(roomID),
		Values: map[string]any{"d": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", b.streamKey(roomID), err)
	}
	return nil
}

// Subscribe implements broker.Broker. The read loop starts at the stream
// tail as of this call: only payloads published after the subscription is
// established are delivered, matching the live fan-out contract.
func (b *Broker) Subscribe(ctx context.Context, roomID string, h broker.Handler) (broker.Subscription, error) {
	if b.closed.Load() {
		return nil, broker.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Resolve the stream tail before returning so a publish that lands
	// right after Subscribe is never skipped. "$" would anchor only when
	// the read loop gets around to its first XREAD.
	streamKey := b.streamKey(roomID)
	cursor := "0-0"
	last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	if len(last) > 0 {
		cursor = last[0].ID
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel}
	go b.readLoop(loopCtx, streamKey, cursor, h)
	return sub, nil
}

func (b *Broker) readLoop(ctx context.Context, streamKey, cursor string, h broker.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, cursor},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Transient read failure; back off briefly and retry from
			// the same cursor so nothing is skipped.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

	deliver:
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				data, ok := msg.Values["d"].(string)
				if !ok {
					cursor = msg.ID
					continue
				}
				if err := h(ctx, []byte(data)); err != nil {
					// Cursor stays put: this entry and everything
					// after it is redelivered on the next read.
					break deliver
				}
				cursor = msg.ID
			}
		}
	}
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

type subscription struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Cancel implements broker.Subscription.
func (s *subscription) Cancel() error {
	if s.cancelled.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}

// Compile-time interface checks
var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
