package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport carries the bus over Redis pub/sub. It works with a single
// node, a sentinel-managed failover group or a cluster through
// redis.UniversalClient.
type RedisTransport struct {
	rdb    redis.UniversalClient
	logger *zap.Logger

	mu     sync.Mutex
	ps     *redis.PubSub
	out    chan Delivery
	pumps  sync.WaitGroup
	closed bool
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport opens a pub/sub connection on rdb.
func NewRedisTransport(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &RedisTransport{
		rdb:    rdb,
		logger: logger.Named("redis-transport"),
		out:    make(chan Delivery, 4096),
	}
	t.ps = rdb.Subscribe(ctx)
	t.startPump(t.ps)
	return t
}

func (t *RedisTransport) startPump(ps *redis.PubSub) {
	t.pumps.Add(1)
	go func() {
		defer t.pumps.Done()
		for msg := range ps.Channel() {
			t.out <- Delivery{Topic: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topics ...string) error {
	t.mu.Lock()
	ps := t.ps
	t.mu.Unlock()
	return ps.Subscribe(ctx, topics...)
}

func (t *RedisTransport) Unsubscribe(ctx context.Context, topics ...string) error {
	t.mu.Lock()
	ps := t.ps
	t.mu.Unlock()
	return ps.Unsubscribe(ctx, topics...)
}

// Resubscribe swaps in a fresh pub/sub connection holding exactly topics, so
// a promoted master after failover receives every subscription again.
func (t *RedisTransport) Resubscribe(ctx context.Context, topics []string) error {
	fresh := t.rdb.Subscribe(ctx)
	if len(topics) > 0 {
		if err := fresh.Subscribe(ctx, topics...); err != nil {
			_ = fresh.Close()
			return err
		}
	}
	t.mu.Lock()
	old := t.ps
	t.ps = fresh
	t.startPump(fresh)
	t.mu.Unlock()
	if err := old.Close(); err != nil {
		t.logger.Debug("close previous pubsub", zap.Error(err))
	}
	return nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.rdb.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Deliveries() <-chan Delivery { return t.out }

// Reconnects returns nil: go-redis reconnects pub/sub connections itself and
// the bus health check covers the rest.
func (t *RedisTransport) Reconnects() <-chan struct{} { return nil }

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ps := t.ps
	t.mu.Unlock()
	err := ps.Close()
	// a pump blocked on a full channel would keep Close waiting forever
	go func() {
		for range t.out {
		}
	}()
	t.pumps.Wait()
	close(t.out)
	return err
}
