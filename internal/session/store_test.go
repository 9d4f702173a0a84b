package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/chat"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl), mr
}

func TestCreateAndValidate(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := store.Create(ctx, "u1", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)

	v, err := store.Validate(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	v, err = store.Validate(ctx, "u1", "stale")
	require.NoError(t, err)
	assert.Equal(t, Validation{Reason: ReasonMismatch}, v)

	v, err = store.Validate(ctx, "nobody", sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, Validation{Reason: ReasonNotFound}, v)

	got, ok, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Payload["name"])
}

func TestSessionExpiresAndRefreshes(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	sess, err := store.Create(ctx, "u1", nil)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, store.RefreshActivity(ctx, "u1"))
	mr.FastForward(50 * time.Second)

	v, err := store.Validate(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.True(t, v.Valid, "activity must extend the session")

	mr.FastForward(2 * time.Minute)
	v, err = store.Validate(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, v.Reason)
	assert.ErrorIs(t, store.RefreshActivity(ctx, "u1"), chat.ErrUnauthorized)
}

func TestNewLoginReplacesOldSession(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	first, err := store.Create(ctx, "u1", nil)
	require.NoError(t, err)
	second, err := store.Create(ctx, "u1", nil)
	require.NoError(t, err)

	ok, err := store.Invalidate(ctx, "u1", first.SessionID)
	require.NoError(t, err)
	assert.False(t, ok, "stale session id must not delete the newer session")

	v, err := store.Validate(ctx, "u1", second.SessionID)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	ok, err = store.Invalidate(ctx, "u1", second.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimConnection(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	a := Holder{ConnID: "c1", InstanceID: "node-a"}
	b := Holder{ConnID: "c2", InstanceID: "node-b"}

	prev, err := store.ClaimConnection(ctx, "u1", a)
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = store.ClaimConnection(ctx, "u1", b)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, a, *prev)

	released, err := store.ReleaseConnection(ctx, "u1", a)
	require.NoError(t, err)
	assert.False(t, released, "replaced holder must not clear the record")

	released, err = store.ReleaseConnection(ctx, "u1", b)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestValidateLeavesExpiryAlone(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	sess, err := store.Create(ctx, "u1", nil)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	v, err := store.Validate(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	mr.FastForward(20 * time.Second)
	v, err = store.Validate(ctx, "u1", sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, v.Reason)
}
