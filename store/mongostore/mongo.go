// Package mongostore implements store.Store on MongoDB. Rooms live in a
// "rooms" collection with a unique index on roomId; messages live in an
// append-only "messages" collection indexed on (roomId, timestamp desc) so
// the history backfill read is a single covered scan.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chatrelay/chatrelay/store"
)

// Config for the MongoDB store. Defaults can be loaded via envdecode.
type Config struct {
	// URI like "mongodb://localhost:27017". ENV: MONGODB_URI
	URI string `env:"MONGODB_URI,default=mongodb://localhost:27017"`
	// Database name. ENV: MONGODB_DATABASE
	Database string `env:"MONGODB_DATABASE,default=chat_app"`
}

// Store is the MongoDB-backed implementation of store.Store.
type Store struct {
	client   *mongo.Client
	rooms    *mongo.Collection
	messages *mongo.Collection
}

type messageDoc struct {
	OID       primitive.ObjectID `bson:"_id,omitempty"`
	RoomID    string             `bson:"roomId"`
	Sender    string             `bson:"sender"`
	Content   string             `bson:"content"`
	Timestamp time.Time          `bson:"timestamp"`
}

func (d messageDoc) toMessage() store.Message {
	return store.Message{
		ID:        d.OID.Hex(),
		RoomID:    d.RoomID,
		Sender:    d.Sender,
		Content:   d.Content,
		Timestamp: d.Timestamp,
	}
}

// New connects to MongoDB and ensures the collection indexes.
func New(ctx context.Context, cfg Config) (*Store, error) {
	uri := cfg.URI
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "chat_app"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:   client,
		rooms:    db.Collection("rooms"),
		messages: db.Collection("messages"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.rooms.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "roomId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("rooms index: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("messages index: %w", err)
	}
	return nil
}

// FindRoom implements store.Store.
func (s *Store) FindRoom(ctx context.Context, roomID string) (*store.Room, error) {
	var room store.Room
	err := s.rooms.FindOne(ctx, bson.M{"roomId": roomID}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find room %s: %w", roomID, err)
	}
	return &room, nil
}

// CreateRoom implements store.Store.
func (s *Store) CreateRoom(ctx context.Context, room store.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	_, err := s.rooms.InsertOne(ctx, room)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicateRoom
	}
	if err != nil {
		return fmt.Errorf("create room %s: %w", room.ID, err)
	}
	return nil
}

// ListRooms implements store.Store.
func (s *Store) ListRooms(ctx context.Context) ([]store.Room, error) {
	cur, err := s.rooms.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer cur.Close(ctx)

	var rooms []store.Room
	if err := cur.All(ctx, &rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return rooms, nil
}

// AppendMessage implements store.Store.
func (s *Store) AppendMessage(ctx context.Context, roomID, sender, content string, ts time.Time) (*store.Message, error) {
	doc := messageDoc{
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	}
	res, err := s.messages.InsertOne(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return nil, fmt.Errorf("append message: unexpected inserted id type %T", res.InsertedID)
	}
	doc.OID = oid
	msg := doc.toMessage()
	return &msg, nil
}

// RecentMessages implements store.Store.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	// _id breaks timestamp ties (millisecond precision) so backfill order
	// stays deterministic and matches insertion order once reversed.
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.messages.Find(ctx, bson.M{"roomId": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("recent messages %s: %w", roomID, err)
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]store.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toMessage())
	}
	return msgs, nil
}

// Close implements store.Store.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ store.Store = (*Store)(nil)
