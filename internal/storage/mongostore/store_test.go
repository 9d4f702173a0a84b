package mongostore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/chat"
	"roomcast/internal/storage"
)

// newTestStore connects to ROOMCAST_MONGO_URI and isolates each test in its
// own database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("ROOMCAST_MONGO_URI")
	if uri == "" {
		t.Skip("ROOMCAST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name := "roomcast_test_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := Open(ctx, uri, name)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() {
		_ = store.messages.Database().Drop(context.Background())
		_ = store.Close()
	})
	return store
}

func TestMongoHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := chat.Millis(time.Now().Add(-time.Hour))
	msgs := make([]chat.Message, 6)
	for i := range msgs {
		msgs[i] = chat.Message{
			ID:        fmt.Sprintf("m%d", i),
			RoomID:    "r1",
			SenderID:  "u1",
			Type:      chat.TypeText,
			Content:   "hello",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	_, err := store.BulkInsert(ctx, msgs)
	require.NoError(t, err)
	_, err = store.BulkInsert(ctx, msgs)
	require.NoError(t, err, "retried batch must be accepted")

	page, err := store.RangeQuery(ctx, "r1", time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "m5", page[0].ID)

	next, err := store.RangeQuery(ctx, "r1", page[2].Timestamp, 10)
	require.NoError(t, err)
	assert.Len(t, next, 3)

	n, err := store.MarkRead(ctx, []string{"m0", "m1"}, "u2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.MarkRead(ctx, []string{"m0"}, "u2", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	reactions, err := store.AddReaction(ctx, "m0", "🎉", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, reactions["🎉"])
	reactions, err = store.RemoveReaction(ctx, "m0", "🎉", "u2")
	require.NoError(t, err)
	assert.Empty(t, reactions)
	_, err = store.AddReaction(ctx, "nope", "🎉", "u2")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestMongoRooms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room, err := store.CreateRoom(ctx, "general", "u1", "pw")
	require.NoError(t, err)
	_, err = store.CreateRoom(ctx, "general", "u1", "")
	assert.ErrorIs(t, err, storage.ErrRoomExists)

	room, err = store.UpdateParticipants(ctx, room.ID, chat.ParticipantAdd, "u1")
	require.NoError(t, err)
	room, err = store.UpdateParticipants(ctx, room.ID, chat.ParticipantAdd, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, room.Participants)
	require.NoError(t, storage.CheckRoomPassword(room, "pw"))
}
