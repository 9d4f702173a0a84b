// Package session keeps the one-session-per-user records in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"roomcast/internal/chat"
)

// Key prefixes.
const (
	KeySession = "session:" // session hash per user
	KeyConn    = "conn:"    // active socket holder per user
)

// Validation failure reasons.
const (
	ReasonNotFound = "session_not_found"
	ReasonMismatch = "session_mismatch"
)

const DefaultTTL = 24 * time.Hour

// Session is the server-side record of a user's current login.
type Session struct {
	UserID       string         `json:"userId"`
	SessionID    string         `json:"sessionId"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Validation is the outcome of Validate.
type Validation struct {
	Valid  bool
	Reason string
}

// Holder identifies the connection currently owning a user's socket.
type Holder struct {
	ConnID     string
	InstanceID string
}

func (h Holder) encode() string { return h.InstanceID + "|" + h.ConnID }

func decodeHolder(raw string) Holder {
	instance, conn, _ := strings.Cut(raw, "|")
	return Holder{ConnID: conn, InstanceID: instance}
}

var compareAndDelete = redis.NewScript(`
if redis.call("HGET", KEYS[1], "sid") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var releaseIfHeld = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is the Redis session store.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// New builds a Store. ttl <= 0 uses DefaultTTL.
func New(rdb redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

// Create starts a new session for userID, replacing any previous one.
func (s *Store) Create(ctx context.Context, userID string, payload map[string]any) (Session, error) {
	now := chat.Millis(s.now())
	sess := Session{
		UserID:       userID,
		SessionID:    uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		Payload:      payload,
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return Session{}, fmt.Errorf("encode session payload: %w", err)
	}
	key := KeySession + userID
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"sid", sess.SessionID,
			"created", now.UnixMilli(),
			"last", now.UnixMilli(),
			"payload", string(rawPayload),
		)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", transient(err))
	}
	return sess, nil
}

// Get returns the stored session of userID, if any.
func (s *Store) Get(ctx context.Context, userID string) (Session, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, KeySession+userID).Result()
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", transient(err))
	}
	if len(fields) == 0 || fields["sid"] == "" {
		return Session{}, false, nil
	}
	sess := Session{
		UserID:       userID,
		SessionID:    fields["sid"],
		CreatedAt:    parseMillis(fields["created"]),
		LastActivity: parseMillis(fields["last"]),
	}
	if raw := fields["payload"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &sess.Payload); err != nil {
			return Session{}, false, fmt.Errorf("decode session payload: %w", err)
		}
	}
	return sess, true, nil
}

// Validate checks that sessionID is the current session of userID. It does
// not touch the expiry; RefreshActivity does.
func (s *Store) Validate(ctx context.Context, userID, sessionID string) (Validation, error) {
	sess, ok, err := s.Get(ctx, userID)
	if err != nil {
		return Validation{}, err
	}
	if !ok {
		return Validation{Reason: ReasonNotFound}, nil
	}
	if sess.SessionID != sessionID {
		return Validation{Reason: ReasonMismatch}, nil
	}
	return Validation{Valid: true}, nil
}

// RefreshActivity bumps the last-activity time and expiry of userID's session.
func (s *Store) RefreshActivity(ctx context.Context, userID string) error {
	exists, err := s.rdb.Exists(ctx, KeySession+userID).Result()
	if err != nil {
		return fmt.Errorf("refresh session: %w", transient(err))
	}
	if exists == 0 {
		return fmt.Errorf("refresh session of %s: %w", userID, chat.ErrUnauthorized)
	}
	return s.touch(ctx, userID)
}

func (s *Store) touch(ctx context.Context, userID string) error {
	key := KeySession + userID
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "last", s.now().UnixMilli())
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch session: %w", transient(err))
	}
	return nil
}

// Invalidate deletes userID's session only if it is still sessionID, so a
// stale holder cannot remove a newer login.
func (s *Store) Invalidate(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.rdb, []string{KeySession + userID}, sessionID).Int()
	if err != nil {
		return false, fmt.Errorf("invalidate session: %w", transient(err))
	}
	return n == 1, nil
}

// ClaimConnection records holder as the active socket of userID and returns
// the previous holder, if any.
func (s *Store) ClaimConnection(ctx context.Context, userID string, holder Holder) (*Holder, error) {
	key := KeyConn + userID
	var prev *redis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		prev = p.GetSet(ctx, key, holder.encode())
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim connection: %w", transient(err))
	}
	raw, err := prev.Result()
	if errors.Is(err, redis.Nil) || raw == "" {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim connection: %w", transient(err))
	}
	old := decodeHolder(raw)
	if old == holder {
		return nil, nil
	}
	return &old, nil
}

// ReleaseConnection clears the holder record if holder still owns it.
func (s *Store) ReleaseConnection(ctx context.Context, userID string, holder Holder) (bool, error) {
	n, err := releaseIfHeld.Run(ctx, s.rdb, []string{KeyConn + userID}, holder.encode()).Int()
	if err != nil {
		return false, fmt.Errorf("release connection: %w", transient(err))
	}
	return n == 1, nil
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", chat.ErrTransient, err)
}
