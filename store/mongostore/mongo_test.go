package mongostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chatrelay/chatrelay/store"
	"github.com/chatrelay/chatrelay/store/storetest"
)

const testURI = "mongodb://localhost:27017"

func TestMongoStore(t *testing.T) {
	// Skip if MongoDB is not available
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	probe, err := mongo.Connect(ctx, options.Client().ApplyURI(testURI))
	if err != nil || probe.Ping(ctx, nil) != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	_ = probe.Disconnect(ctx)

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := New(ctx, Config{
			URI: testURI,
			// Fresh database per test so state doesn't bleed between runs.
			Database: fmt.Sprintf("chatrelay_test_%d", time.Now().UnixNano()),
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}
