package memorybroker

import (
	"context"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/broker"
	"github.com/chatrelay/chatrelay/broker/brokertest"
)

func TestConformance(t *testing.T) {
	brokertest.Run(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := b.Publish(context.Background(), "room-a", []byte(`x`))
	if err != broker.ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCloseCancelsSubscriptions(t *testing.T) {
	b := New()
	received := make(chan struct{}, 1)
	_, err := b.Subscribe(context.Background(), "room-a", func(ctx context.Context, payload []byte) error {
		received <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Publishing on a closed broker fails and nothing is delivered.
	_ = b.Publish(context.Background(), "room-a", []byte(`x`))
	select {
	case <-received:
		t.Fatal("subscription delivered after Close")
	case <-time.After(200 * time.Millisecond):
	}
}
