// Package brokertest provides a conformance suite that every broker.Broker
// implementation must pass. Backend packages run it from their own tests.
package brokertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/broker"
)

// Factory creates a fresh broker instance for one test.
type Factory func(t *testing.T) broker.Broker

// Run executes the complete conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		testPublishReachesSubscriber(t, factory)
	})
	t.Run("EverySubscriberGetsACopy", func(t *testing.T) {
		testEverySubscriberGetsACopy(t, factory)
	})
	t.Run("RoomIsolation", func(t *testing.T) {
		testRoomIsolation(t, factory)
	})
	t.Run("NoDeliveryBeforeSubscribe", func(t *testing.T) {
		testNoDeliveryBeforeSubscribe(t, factory)
	})
	t.Run("CancelStopsDelivery", func(t *testing.T) {
		testCancelStopsDelivery(t, factory)
	})
	t.Run("CancelIsIdempotent", func(t *testing.T) {
		testCancelIsIdempotent(t, factory)
	})
	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		testEnsureIsIdempotent(t, factory)
	})
}

// collector accumulates delivered payloads behind a channel for test
// synchronization.
type collector struct {
	mu       sync.Mutex
	payloads [][]byte
	notify   chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handler(_ context.Context, payload []byte) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *collector) await(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		got := len(c.payloads)
		c.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("expected %d deliveries, got %d after %s", n, got, timeout)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func testPublishReachesSubscriber(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	col := newCollector()
	sub, err := b.Subscribe(ctx, "room-a", col.handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	// Give slower backends time to establish the consumer.
	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(ctx, "room-a", []byte(`{"content":"hello"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	col.await(t, 1, 3*time.Second)
	col.mu.Lock()
	defer col.mu.Unlock()
	if string(col.payloads[0]) != `{"content":"hello"}` {
		t.Fatalf("unexpected payload: %s", col.payloads[0])
	}
}

func testEverySubscriberGetsACopy(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, second := newCollector(), newCollector()
	sub1, err := b.Subscribe(ctx, "room-a", first.handler)
	if err != nil {
		t.Fatalf("Subscribe first: %v", err)
	}
	defer sub1.Cancel()
	sub2, err := b.Subscribe(ctx, "room-a", second.handler)
	if err != nil {
		t.Fatalf("Subscribe second: %v", err)
	}
	defer sub2.Cancel()

	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(ctx, "room-a", []byte(`fan-out`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	first.await(t, 1, 3*time.Second)
	second.await(t, 1, 3*time.Second)
}

func testRoomIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	other := newCollector()
	sub, err := b.Subscribe(ctx, "room-b", other.handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(ctx, "room-a", []byte(`wrong room`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := other.count(); n != 0 {
		t.Fatalf("subscriber of room-b received %d payloads published to room-a", n)
	}
}

func testNoDeliveryBeforeSubscribe(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Publish(ctx, "room-a", []byte(`before`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	col := newCollector()
	sub, err := b.Subscribe(ctx, "room-a", col.handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(ctx, "room-a", []byte(`after`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	col.await(t, 1, 3*time.Second)
	col.mu.Lock()
	defer col.mu.Unlock()
	for _, p := range col.payloads {
		if string(p) == "before" {
			t.Fatal("received a payload published before the subscription existed")
		}
	}
}

func testCancelStopsDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	col := newCollector()
	sub, err := b.Subscribe(ctx, "room-a", col.handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := sub.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(ctx, "room-a", []byte(`late`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := col.count(); n != 0 {
		t.Fatalf("cancelled subscription received %d payloads", n)
	}
}

func testCancelIsIdempotent(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := b.Subscribe(ctx, "room-a", newCollector().handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func testEnsureIsIdempotent(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := b.Ensure(ctx, "room-a"); err != nil {
			t.Fatalf("Ensure #%d: %v", i+1, err)
		}
	}
}
