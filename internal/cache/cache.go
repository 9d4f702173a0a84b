// Package cache mirrors recent room history and user/file summaries in Redis
// so the history read path can skip the durable store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"roomcast/internal/chat"
)

const (
	DefaultMessageTTL = 24 * time.Hour
	DefaultSummaryTTL = time.Hour
	DefaultIndexSize  = 500
)

// Options tune expiry and how many ids each room index keeps.
type Options struct {
	MessageTTL time.Duration
	SummaryTTL time.Duration
	IndexSize  int64
}

// Cache is the Redis message cache.
type Cache struct {
	rdb  redis.UniversalClient
	opts Options
}

// New builds a Cache, filling zero options with defaults.
func New(rdb redis.UniversalClient, opts Options) *Cache {
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = DefaultSummaryTTL
	}
	if opts.IndexSize <= 0 {
		opts.IndexSize = DefaultIndexSize
	}
	return &Cache{rdb: rdb, opts: opts}
}

func indexKey(roomID string) string { return "room:" + roomID + ":messages" }
func messageKey(id string) string   { return "message:" + id }
func userKey(id string) string      { return "user:" + id }
func fileKey(id string) string      { return "file:" + id }

// Append mirrors persisted messages: one payload per message plus the room's
// time-ordered id index, trimmed to the newest IndexSize entries.
func (c *Cache) Append(ctx context.Context, msgs ...chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rooms := make(map[string]struct{})
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, msg := range msgs {
			payload, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode message %s: %w", msg.ID, err)
			}
			p.Set(ctx, messageKey(msg.ID), payload, c.opts.MessageTTL)
			p.ZAdd(ctx, indexKey(msg.RoomID), redis.Z{Score: float64(msg.Timestamp.UnixMilli()), Member: msg.ID})
			rooms[msg.RoomID] = struct{}{}
		}
		for room := range rooms {
			p.ZRemRangeByRank(ctx, indexKey(room), 0, -(c.opts.IndexSize + 1))
			p.Expire(ctx, indexKey(room), c.opts.MessageTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache append: %w", err)
	}
	return nil
}

// Range returns up to n messages of roomID strictly older than before, newest
// first. ok is false on any miss: fewer than n indexed ids or any expired
// payload. A zero before starts from the newest message.
func (c *Cache) Range(ctx context.Context, roomID string, before time.Time, n int) ([]chat.Message, bool, error) {
	if n <= 0 {
		return nil, false, nil
	}
	max := "+inf"
	if !before.IsZero() {
		max = "(" + strconv.FormatInt(before.UnixMilli(), 10)
	}
	ids, err := c.rdb.ZRevRangeByScore(ctx, indexKey(roomID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache index: %w", err)
	}
	if len(ids) < n {
		return nil, false, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache payloads: %w", err)
	}
	msgs := make([]chat.Message, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, false, nil
		}
		var msg chat.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, false, nil
		}
		if msg.Deleted {
			return nil, false, nil
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

// Invalidate drops cached payloads so the next read falls back to the store.
func (c *Cache) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Remove drops a message from its room index and payload cache.
func (c *Cache) Remove(ctx context.Context, roomID, id string) error {
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, indexKey(roomID), id)
		p.Del(ctx, messageKey(id))
		return nil
	})
	return err
}

// GetUser returns a cached user summary.
func (c *Cache) GetUser(ctx context.Context, id string) (chat.UserSummary, bool, error) {
	var user chat.UserSummary
	ok, err := c.getJSON(ctx, userKey(id), &user)
	return user, ok, err
}

// SetUser caches a user summary.
func (c *Cache) SetUser(ctx context.Context, user chat.UserSummary) error {
	return c.setJSON(ctx, userKey(user.ID), user)
}

// GetFile returns a cached file summary.
func (c *Cache) GetFile(ctx context.Context, id string) (chat.FileSummary, bool, error) {
	var file chat.FileSummary
	ok, err := c.getJSON(ctx, fileKey(id), &file)
	return file, ok, err
}

// SetFile caches a file summary.
func (c *Cache) SetFile(ctx context.Context, file chat.FileSummary) error {
	return c.setJSON(ctx, fileKey(file.ID), file)
}

func (c *Cache) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, c.opts.SummaryTTL).Err()
}
