package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomcast/internal/cache"
	"roomcast/internal/chat"
)

type fakeStore struct {
	mu       sync.Mutex
	msgs     []chat.Message // ascending
	failures int
	calls    atomic.Int32
	users    map[string]chat.UserSummary
	files    map[string]chat.FileSummary
	lookups  atomic.Int32
}

func (s *fakeStore) RangeQuery(_ context.Context, roomID string, before time.Time, limit int) ([]chat.Message, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("store unreachable")
	}
	var out []chat.Message
	for i := len(s.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.msgs[i]
		if m.RoomID != roomID || (!before.IsZero() && !m.Timestamp.Before(before)) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) GetUserSummary(_ context.Context, id string) (chat.UserSummary, error) {
	s.lookups.Add(1)
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return chat.UserSummary{}, fmt.Errorf("user %s: %w", id, chat.ErrNotFound)
}

func (s *fakeStore) GetFileSummary(_ context.Context, id string) (chat.FileSummary, error) {
	s.lookups.Add(1)
	if f, ok := s.files[id]; ok {
		return f, nil
	}
	return chat.FileSummary{}, fmt.Errorf("file %s: %w", id, chat.ErrNotFound)
}

func seed(room string, n int) []chat.Message {
	base := chat.Now().Add(-time.Hour)
	msgs := make([]chat.Message, n)
	for i := range msgs {
		msgs[i] = chat.Message{
			ID:        fmt.Sprintf("%s-%02d", room, i),
			RoomID:    room,
			SenderID:  "u1",
			Type:      chat.TypeText,
			Content:   fmt.Sprintf("hello %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	return msgs
}

func newCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb, cache.Options{}), mr
}

func TestLoadMessagesPaginates(t *testing.T) {
	store := &fakeStore{msgs: seed("r1", 12)}
	loader := NewLoader(store, nil, nil, Options{Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	page, err := loader.LoadMessages(ctx, "r1", time.Time{}, 5)
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)
	assert.True(t, page.HasMore)
	assert.Equal(t, "r1-07", page.Messages[0].ID, "oldest first")
	assert.Equal(t, "r1-11", page.Messages[4].ID)
	require.NotNil(t, page.OldestTimestamp)
	assert.Equal(t, page.Messages[0].Timestamp, *page.OldestTimestamp)

	page, err = loader.LoadMessages(ctx, "r1", *page.OldestTimestamp, 5)
	require.NoError(t, err)
	assert.Equal(t, "r1-02", page.Messages[0].ID)
	assert.True(t, page.HasMore)

	page, err = loader.LoadMessages(ctx, "r1", *page.OldestTimestamp, 5)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.False(t, page.HasMore)

	page, err = loader.LoadMessages(ctx, "r1", *page.OldestTimestamp, 5)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.OldestTimestamp)
}

func TestLoadMessagesExactLimitHasNoMore(t *testing.T) {
	store := &fakeStore{msgs: seed("r1", 5)}
	loader := NewLoader(store, nil, nil, Options{})
	page, err := loader.LoadMessages(context.Background(), "r1", time.Time{}, 5)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 5)
	assert.False(t, page.HasMore)
}

func TestLoadMessagesRepopulatesCache(t *testing.T) {
	c, _ := newCache(t)
	store := &fakeStore{msgs: seed("r1", 10)}
	loader := NewLoader(store, c, nil, Options{Logger: zaptest.NewLogger(t)})
	ctx := context.Background()

	first, err := loader.LoadMessages(ctx, "r1", time.Time{}, 4)
	require.NoError(t, err)
	loader.Wait()
	require.EqualValues(t, 1, store.calls.Load())

	second, err := loader.LoadMessages(ctx, "r1", time.Time{}, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.calls.Load(), "second load must be served from cache")
	assert.Equal(t, first.HasMore, second.HasMore)
	require.Len(t, second.Messages, 4)
	for i := range first.Messages {
		assert.Equal(t, first.Messages[i].ID, second.Messages[i].ID)
	}
}

func TestLoadMessagesPartialCacheFallsBack(t *testing.T) {
	c, _ := newCache(t)
	msgs := seed("r1", 10)
	require.NoError(t, c.Append(context.Background(), msgs[8:]...))
	store := &fakeStore{msgs: msgs}
	loader := NewLoader(store, c, nil, Options{})

	page, err := loader.LoadMessages(context.Background(), "r1", time.Time{}, 4)
	require.NoError(t, err)
	loader.Wait()
	assert.EqualValues(t, 1, store.calls.Load())
	assert.Len(t, page.Messages, 4)
	assert.True(t, page.HasMore)
}

func TestLoadMessagesRetriesStore(t *testing.T) {
	store := &fakeStore{msgs: seed("r1", 3), failures: 2}
	loader := NewLoader(store, nil, nil, Options{RetryAttempts: 3, RetryDeadline: 5 * time.Second})
	page, err := loader.LoadMessages(context.Background(), "r1", time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
	assert.EqualValues(t, 3, store.calls.Load())
}

func TestLoadMessagesGivesUpAfterAttempts(t *testing.T) {
	store := &fakeStore{msgs: seed("r1", 3), failures: 10}
	loader := NewLoader(store, nil, nil, Options{RetryAttempts: 2, RetryDeadline: 5 * time.Second})
	_, err := loader.LoadMessages(context.Background(), "r1", time.Time{}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrTransient)
	assert.True(t, chat.IsRetryable(err))
	assert.EqualValues(t, 2, store.calls.Load())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 1, ClampLimit(1))
	assert.Equal(t, MaxLimit, ClampLimit(1000))
}

func TestEnrichment(t *testing.T) {
	c, _ := newCache(t)
	msgs := seed("r1", 4)
	msgs[1].SenderID = "ghost"
	msgs[2].Type = chat.TypeFile
	msgs[2].Content = ""
	msgs[2].FileID = "f1"
	msgs[3].Type = chat.TypeSystem
	msgs[3].SenderID = ""
	store := &fakeStore{
		msgs:  msgs,
		users: map[string]chat.UserSummary{"u1": {ID: "u1", Name: "Alice"}},
		files: map[string]chat.FileSummary{"f1": {ID: "f1", Filename: "a.txt", Size: 3}},
	}
	resolver := NewCachedResolver(store, c, zaptest.NewLogger(t))
	loader := NewLoader(store, nil, resolver, Options{})

	page, err := loader.LoadMessages(context.Background(), "r1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 4)
	require.NotNil(t, page.Messages[0].Sender)
	assert.Equal(t, "Alice", page.Messages[0].Sender.Name)
	assert.Nil(t, page.Messages[1].Sender, "unresolvable sender keeps the raw id")
	assert.Equal(t, "ghost", page.Messages[1].SenderID)
	require.NotNil(t, page.Messages[2].File)
	assert.Equal(t, "a.txt", page.Messages[2].File.Filename)
	assert.Nil(t, page.Messages[3].Sender)

	// user and file summaries are now cached
	before := store.lookups.Load()
	_, err = resolver.Resolve(context.Background(), KindUser, "u1")
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), KindFile, "f1")
	require.NoError(t, err)
	assert.Equal(t, before, store.lookups.Load())
}

func TestResolverUnknownKind(t *testing.T) {
	resolver := NewCachedResolver(&fakeStore{}, nil, nil)
	_, err := resolver.Resolve(context.Background(), "planet", "p1")
	assert.ErrorIs(t, err, chat.ErrValidation)
}

func TestResolverFuncIsPluggable(t *testing.T) {
	store := &fakeStore{msgs: seed("r1", 2)}
	resolver := ResolverFunc(func(_ context.Context, kind, id string) (any, error) {
		if kind == KindUser {
			return chat.UserSummary{ID: id, Name: "bot-" + id}, nil
		}
		return nil, chat.ErrNotFound
	})
	page, err := NewLoader(store, nil, resolver, Options{}).LoadMessages(context.Background(), "r1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "bot-u1", page.Messages[0].Sender.Name)
}

func TestEnrichmentWithManySenders(t *testing.T) {
	msgs := seed("r1", 100)
	for i := range msgs {
		msgs[i].SenderID = fmt.Sprintf("u%03d", i)
		if i%10 == 0 {
			msgs[i].Type = chat.TypeFile
			msgs[i].FileID = fmt.Sprintf("f%03d", i)
		}
	}
	store := &fakeStore{msgs: msgs}
	resolver := ResolverFunc(func(_ context.Context, kind, id string) (any, error) {
		switch kind {
		case KindUser:
			return chat.UserSummary{ID: id, Name: "name-" + id}, nil
		case KindFile:
			return chat.FileSummary{ID: id, Filename: id + ".bin"}, nil
		}
		return nil, chat.ErrNotFound
	})
	loader := NewLoader(store, nil, resolver, Options{Concurrency: 2})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := loader.LoadMessages(context.Background(), "r1", time.Time{}, MaxLimit)
			assert.NoError(t, err)
			assert.Len(t, page.Messages, 100)
			for _, msg := range page.Messages {
				if assert.NotNil(t, msg.Sender, msg.ID) {
					assert.Equal(t, "name-"+msg.SenderID, msg.Sender.Name)
				}
				if msg.FileID != "" && assert.NotNil(t, msg.File, msg.ID) {
					assert.Equal(t, msg.FileID+".bin", msg.File.Filename)
				}
			}
		}()
	}
	wg.Wait()
}
