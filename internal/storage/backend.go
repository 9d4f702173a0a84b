// Package storage is the durable store for rooms, users, files and message
// history.
package storage

import (
	"context"
	"time"

	"roomcast/internal/chat"
)

// Backend is the durable store consumed by the message pipeline and the
// connection layer. Store (SQLite) and mongostore.Store implement it.
type Backend interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	BulkInsert(ctx context.Context, msgs []chat.Message) ([]string, error)
	RangeQuery(ctx context.Context, roomID string, before time.Time, limit int) ([]chat.Message, error)
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	SoftDeleteMessage(ctx context.Context, id, userID string) (chat.Message, error)
	MarkRead(ctx context.Context, ids []string, userID string, at time.Time) (int, error)
	AddReaction(ctx context.Context, messageID, emoji, userID string) (map[string][]string, error)
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) (map[string][]string, error)

	CreateRoom(ctx context.Context, name, creatorID, password string) (chat.Room, error)
	GetRoom(ctx context.Context, id string) (chat.Room, error)
	ListRooms(ctx context.Context) ([]chat.Room, error)
	UpdateParticipants(ctx context.Context, roomID string, op chat.ParticipantOp, userID string) (chat.Room, error)

	UpsertUser(ctx context.Context, user chat.UserSummary) error
	GetUserSummary(ctx context.Context, id string) (chat.UserSummary, error)
	CreateFile(ctx context.Context, file chat.FileSummary, uploaderID string) error
	GetFileSummary(ctx context.Context, id string) (chat.FileSummary, error)
}
