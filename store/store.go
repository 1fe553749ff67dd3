// Package store defines the durable room and message contract consumed by
// the relay. Rooms are read-mostly records; messages form an append-only,
// room-indexed log. Nothing in this subsystem mutates or deletes a persisted
// message.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateRoom indicates a CreateRoom collision on room ID.
var ErrDuplicateRoom = errors.New("room id already exists")

// Room is a durable named channel that messages are scoped to.
type Room struct {
	ID          string    `json:"roomId" bson:"roomId"`
	Name        string    `json:"name" bson:"name"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty" bson:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
}

// Message is one persisted chat message. ID is assigned by the store on
// append and is unique across rooms; clients deduplicate deliveries by it.
type Message struct {
	ID        string    `json:"id" bson:"-"`
	RoomID    string    `json:"roomId" bson:"roomId"`
	Sender    string    `json:"sender" bson:"sender"`
	Content   string    `json:"content" bson:"content"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Store is the durable room/message backend.
type Store interface {
	// FindRoom returns the room or (nil, nil) when no such room exists.
	FindRoom(ctx context.Context, roomID string) (*Room, error)

	// CreateRoom persists a new room record. The caller assigns the ID;
	// IDs are never reused.
	CreateRoom(ctx context.Context, room Room) error

	// ListRooms returns all rooms, newest first.
	ListRooms(ctx context.Context) ([]Room, error)

	// AppendMessage persists a message and returns it with the
	// store-assigned ID.
	AppendMessage(ctx context.Context, roomID, sender, content string, ts time.Time) (*Message, error)

	// RecentMessages returns up to limit messages for the room, newest
	// first. Callers wanting chronological order reverse the slice.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)

	// Close releases the backend connection.
	Close(ctx context.Context) error
}
