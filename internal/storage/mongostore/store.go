// Package mongostore implements storage.Backend on MongoDB for deployments
// that keep chat history in a document store.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"roomcast/internal/chat"
	"roomcast/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// Store keeps messages, rooms, users and files in four collections.
type Store struct {
	client   *mongo.Client
	messages *mongo.Collection
	rooms    *mongo.Collection
	users    *mongo.Collection
	files    *mongo.Collection
}

// Open connects to uri and binds the collections of database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = "roomcast"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	return &Store{
		client:   client,
		messages: db.Collection("messages"),
		rooms:    db.Collection("rooms"),
		users:    db.Collection("users"),
		files:    db.Collection("files"),
	}, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Migrate creates the indexes history and room lookups depend on.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return fmt.Errorf("messages index: %w", err)
	}
	if _, err := s.rooms.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("rooms index: %w", err)
	}
	return nil
}

// BulkInsert writes the batch unordered. Duplicate ids from a retried batch
// are ignored.
func (s *Store) BulkInsert(ctx context.Context, msgs []chat.Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	docs := make([]any, len(msgs))
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		docs[i] = msg
		ids[i] = msg.ID
	}
	_, err := s.messages.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicates(err) {
		return nil, err
	}
	return ids, nil
}

func onlyDuplicates(err error) bool {
	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) {
		return mongo.IsDuplicateKeyError(err)
	}
	if bulkErr.WriteConcernError != nil {
		return false
	}
	for _, we := range bulkErr.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

// RangeQuery returns up to limit live messages strictly older than before,
// newest first.
func (s *Store) RangeQuery(ctx context.Context, roomID string, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return []chat.Message{}, nil
	}
	filter := bson.M{"room_id": roomID, "deleted": false}
	if !before.IsZero() {
		filter["timestamp"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	msgs := []chat.Message{}
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		normalize(&msgs[i])
	}
	return msgs, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	var msg chat.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, err
	}
	normalize(&msg)
	return msg, nil
}

// SoftDeleteMessage hides a message. Only its sender may delete it.
func (s *Store) SoftDeleteMessage(ctx context.Context, id, userID string) (chat.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return chat.Message{}, err
	}
	if msg.Deleted {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	if msg.SenderID != userID {
		return chat.Message{}, fmt.Errorf("message %s belongs to another user: %w", id, chat.ErrForbidden)
	}
	if _, err := s.messages.UpdateByID(ctx, id, bson.M{"$set": bson.M{"deleted": true}}); err != nil {
		return chat.Message{}, err
	}
	msg.Deleted = true
	return msg, nil
}

// MarkRead appends userID to the readers of each live message that does not
// already list them.
func (s *Store) MarkRead(ctx context.Context, ids []string, userID string, at time.Time) (int, error) {
	updated := 0
	for _, id := range ids {
		res, err := s.messages.UpdateOne(ctx,
			bson.M{"_id": id, "deleted": false, "readers.user_id": bson.M{"$ne": userID}},
			bson.M{"$push": bson.M{"readers": chat.Reader{UserID: userID, ReadAt: at}}},
		)
		if err != nil {
			return updated, err
		}
		updated += int(res.ModifiedCount)
	}
	return updated, nil
}

// AddReaction adds userID under emoji and returns the full reaction map.
func (s *Store) AddReaction(ctx context.Context, messageID, emoji, userID string) (map[string][]string, error) {
	return s.updateReaction(ctx, messageID, bson.M{"$addToSet": bson.M{reactionField(emoji): userID}})
}

// RemoveReaction removes userID from emoji and returns the full reaction map.
func (s *Store) RemoveReaction(ctx context.Context, messageID, emoji, userID string) (map[string][]string, error) {
	return s.updateReaction(ctx, messageID, bson.M{"$pull": bson.M{reactionField(emoji): userID}})
}

func (s *Store) updateReaction(ctx context.Context, messageID string, update bson.M) (map[string][]string, error) {
	var msg chat.Message
	err := s.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "deleted": false},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	normalize(&msg)
	if msg.Reactions == nil {
		return map[string][]string{}, nil
	}
	return msg.Reactions, nil
}

// field paths cannot contain dots or a leading dollar sign
func reactionField(emoji string) string {
	emoji = strings.ReplaceAll(emoji, ".", "_")
	return "reactions." + strings.TrimPrefix(emoji, "$")
}

// CreateRoom inserts a room; names are unique.
func (s *Store) CreateRoom(ctx context.Context, name, creatorID, password string) (chat.Room, error) {
	room := chat.Room{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(name),
		CreatorID:    creatorID,
		Participants: []string{},
		CreatedAt:    chat.Now(),
	}
	if room.Name == "" {
		return chat.Room{}, fmt.Errorf("%w: room name is required", chat.ErrValidation)
	}
	hash, err := storage.HashRoomPassword(password)
	if err != nil {
		return chat.Room{}, err
	}
	room.PasswordHash = hash
	if _, err := s.rooms.InsertOne(ctx, room); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chat.Room{}, storage.ErrRoomExists
		}
		return chat.Room{}, err
	}
	return room, nil
}

// GetRoom fetches a room by id.
func (s *Store) GetRoom(ctx context.Context, id string) (chat.Room, error) {
	var room chat.Room
	err := s.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Room{}, fmt.Errorf("room %s: %w", id, chat.ErrNotFound)
	}
	if room.Participants == nil {
		room.Participants = []string{}
	}
	return room, err
}

// ListRooms returns every room ordered by creation time.
func (s *Store) ListRooms(ctx context.Context) ([]chat.Room, error) {
	cur, err := s.rooms.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var rooms []chat.Room
	if err := cur.All(ctx, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// UpdateParticipants adds or removes userID and returns the updated room.
func (s *Store) UpdateParticipants(ctx context.Context, roomID string, op chat.ParticipantOp, userID string) (chat.Room, error) {
	var update bson.M
	switch op {
	case chat.ParticipantAdd:
		update = bson.M{"$addToSet": bson.M{"participants": userID}}
	case chat.ParticipantRemove:
		update = bson.M{"$pull": bson.M{"participants": userID}}
	default:
		return chat.Room{}, fmt.Errorf("%w: unknown participant op %q", chat.ErrValidation, op)
	}
	var room chat.Room
	err := s.rooms.FindOneAndUpdate(ctx, bson.M{"_id": roomID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Room{}, fmt.Errorf("room %s: %w", roomID, chat.ErrNotFound)
	}
	if room.Participants == nil {
		room.Participants = []string{}
	}
	return room, err
}

// UpsertUser records or refreshes a user's public profile.
func (s *Store) UpsertUser(ctx context.Context, user chat.UserSummary) error {
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": user.ID}, user, options.Replace().SetUpsert(true))
	return err
}

// GetUserSummary fetches a user's public profile.
func (s *Store) GetUserSummary(ctx context.Context, id string) (chat.UserSummary, error) {
	var user chat.UserSummary
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.UserSummary{}, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
	}
	return user, err
}

type fileDoc struct {
	chat.FileSummary `bson:",inline"`
	UploaderID       string    `bson:"uploader_id"`
	CreatedAt        time.Time `bson:"created_at"`
}

// CreateFile stores file metadata produced by the upload collaborator.
func (s *Store) CreateFile(ctx context.Context, file chat.FileSummary, uploaderID string) error {
	_, err := s.files.InsertOne(ctx, fileDoc{FileSummary: file, UploaderID: uploaderID, CreatedAt: chat.Now()})
	return err
}

// GetFileSummary fetches file metadata by id.
func (s *Store) GetFileSummary(ctx context.Context, id string) (chat.FileSummary, error) {
	var doc fileDoc
	err := s.files.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.FileSummary{}, fmt.Errorf("file %s: %w", id, chat.ErrNotFound)
	}
	return doc.FileSummary, err
}

func normalize(msg *chat.Message) {
	msg.Timestamp = chat.Millis(msg.Timestamp)
	for emoji, users := range msg.Reactions {
		if len(users) == 0 {
			delete(msg.Reactions, emoji)
		}
	}
	if len(msg.Reactions) == 0 {
		msg.Reactions = nil
	}
}
