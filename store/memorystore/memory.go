// Package memorystore provides an in-process implementation of store.Store
// for tests and single-node development.
package memorystore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/store"
)

// Store implements store.Store with plain maps. Message IDs are a process-
// local counter; like the durable backends they are monotonic but carry no
// cross-room ordering guarantee.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]store.Room
	messages map[string][]store.Message // roomID -> append order
	nextID   int64
}

// New creates an empty in-process store.
func New() *Store {
	return &Store{
		rooms:    make(map[string]store.Room),
		messages: make(map[string][]store.Message),
	}
}

// FindRoom implements store.Store.
func (s *Store) FindRoom(ctx context.Context, roomID string) (*store.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return &room, nil
}

// CreateRoom implements store.Store.
func (s *Store) CreateRoom(ctx context.Context, room store.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[room.ID]; exists {
		return store.ErrDuplicateRoom
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	s.rooms[room.ID] = room
	return nil
}

// ListRooms implements store.Store.
func (s *Store) ListRooms(ctx context.Context) ([]store.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]store.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// AppendMessage implements store.Store.
func (s *Store) AppendMessage(ctx context.Context, roomID, sender, content string, ts time.Time) (*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg := store.Message{
		ID:        strconv.FormatInt(s.nextID, 10),
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	return &msg, nil
}

// RecentMessages implements store.Store.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[roomID]

	// Newest first by timestamp; equal timestamps break the tie on the
	// monotonic ID so the caller's ascending reversal reproduces append
	// order exactly.
	ordered := make([]store.Message, len(log))
	copy(ordered, log)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.After(ordered[j].Timestamp)
		}
		return seq(ordered[i].ID) > seq(ordered[j].ID)
	})
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

func seq(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

// Close implements store.Store.
func (s *Store) Close(ctx context.Context) error { return nil }

var _ store.Store = (*Store)(nil)
