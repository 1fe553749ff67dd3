// Package storetest provides a conformance suite that every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/store"
)

// Factory creates a fresh, empty store instance for one test.
type Factory func(t *testing.T) store.Store

// Run executes the complete conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("FindRoomMissing", func(t *testing.T) { testFindRoomMissing(t, factory) })
	t.Run("CreateAndFindRoom", func(t *testing.T) { testCreateAndFindRoom(t, factory) })
	t.Run("DuplicateRoomRejected", func(t *testing.T) { testDuplicateRoomRejected(t, factory) })
	t.Run("ListRoomsNewestFirst", func(t *testing.T) { testListRoomsNewestFirst(t, factory) })
	t.Run("AppendAssignsUniqueIDs", func(t *testing.T) { testAppendAssignsUniqueIDs(t, factory) })
	t.Run("RecentMessagesNewestFirstLimited", func(t *testing.T) { testRecentMessagesNewestFirstLimited(t, factory) })
	t.Run("RecentMessagesRoomScoped", func(t *testing.T) { testRecentMessagesRoomScoped(t, factory) })
	t.Run("RecentMessagesEqualTimestampsByInsertion", func(t *testing.T) { testRecentMessagesEqualTimestampsByInsertion(t, factory) })
}

func testFindRoomMissing(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())

	room, err := s.FindRoom(context.Background(), "room-nope")
	if err != nil {
		t.Fatalf("FindRoom: %v", err)
	}
	if room != nil {
		t.Fatalf("expected nil room, got %+v", room)
	}
}

func testCreateAndFindRoom(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())
	ctx := context.Background()

	want := store.Room{
		ID:          "room-1",
		Name:        "general",
		Description: "everything else",
		CreatedBy:   "alice",
		CreatedAt:   time.Now().Truncate(time.Millisecond),
	}
	if err := s.CreateRoom(ctx, want); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	got, err := s.FindRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("FindRoom: %v", err)
	}
	if got == nil {
		t.Fatal("expected room, got nil")
	}
	if got.ID != want.ID || got.Name != want.Name || got.CreatedBy != want.CreatedBy {
		t.Fatalf("room mismatch: got %+v want %+v", got, want)
	}
}

func testDuplicateRoomRejected(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())
	ctx := context.Background()

	room := store.Room{ID: "room-1", Name: "general", CreatedAt: time.Now()}
	if err := s.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := s.CreateRoom(ctx, room); err != store.ErrDuplicateRoom {
		t.Fatalf("expected ErrDuplicateRoom, got %v", err)
	}
}

func testListRoomsNewestFirst(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		room := store.Room{
			ID:        fmt.Sprintf("room-%d", i),
			Name:      fmt.Sprintf("room %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom %d: %v", i, err)
		}
	}

	rooms, err := s.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "room-2" || rooms[2].ID != "room-0" {
		t.Fatalf("rooms not newest-first: %v, %v, %v", rooms[0].ID, rooms[1].ID, rooms[2].ID)
	}
}

func testAppendAssignsUniqueIDs(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())
	ctx := context.Background()

	seen := map[string]struct{}{}
	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage(ctx, "room-1", "alice", fmt.Sprintf("msg %d", i), time.Now())
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if msg.ID == "" {
			t.Fatal("expected assigned message ID")
		}
		if _, dup := seen[msg.ID]; dup {
			t.Fatalf("duplicate message ID %s", msg.ID)
		}
		seen[msg.ID] = struct{}{}
	}
}

func testRecentMessagesNewestFirstLimited(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		_, err := s.AppendMessage(ctx, "room-1", "alice", fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	msgs, err := s.RecentMessages(ctx, "room-1", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "msg 4" || msgs[2].Content != "msg 2" {
		t.Fatalf("messages not newest-first: %v, %v, %v", msgs[0].Content, msgs[1].Content, msgs[2].Content)
	}
}

func testRecentMessagesEqualTimestampsByInsertion(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())
	ctx := context.Background()

	// A burst within one timestamp tick must still read back in a
	// deterministic order: newest insertion first, so a caller reversing
	// to ascending reproduces the append order exactly.
	ts := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, "room-1", "alice", fmt.Sprintf("burst %d", i), ts); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	msgs, err := s.RecentMessages(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "burst 2" || msgs[1].Content != "burst 1" || msgs[2].Content != "burst 0" {
		t.Fatalf("equal-timestamp messages not in reverse insertion order: %v, %v, %v",
			msgs[0].Content, msgs[1].Content, msgs[2].Content)
	}
}

func testRecentMessagesRoomScoped(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close(context.Background())
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "room-1", "alice", "in one", time.Now()); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "room-2", "bob", "in two", time.Now()); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.RecentMessages(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "in one" {
		t.Fatalf("expected only room-1's message, got %+v", msgs)
	}
}
