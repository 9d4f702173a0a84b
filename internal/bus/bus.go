// Package bus distributes chat events between server processes. Each process
// holds one refcounted subscription per room it has local members in, plus
// two permanent coarse topics: the room list and session control.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"roomcast/internal/chat"
)

// Fixed topics every process is subscribed to for its whole lifetime.
const (
	TopicRooms   = "rooms"
	TopicControl = "control"
	roomPrefix   = "room:"
)

const (
	DefaultSubscribeTimeout = 3 * time.Second
	DefaultHealthInterval   = 5 * time.Second
	DefaultMaxTopics        = 10000
)

var (
	// ErrTimeout is returned when a subscription change did not complete in
	// time. Callers log it and continue.
	ErrTimeout = errors.New("bus: operation timed out")
	ErrClosed  = errors.New("bus: closed")
)

// RoomTopic is the topic carrying the events of one room.
func RoomTopic(roomID string) string { return roomPrefix + roomID }

// RoomID extracts the room id from a room topic.
func RoomID(topic string) (string, bool) {
	if !strings.HasPrefix(topic, roomPrefix) {
		return "", false
	}
	return topic[len(roomPrefix):], true
}

// Scope labels a topic for metrics: room fan-out is accounted apart from
// global fan-out.
func Scope(topic string) string {
	switch topic {
	case TopicRooms:
		return "global"
	case TopicControl:
		return "control"
	default:
		return "room"
	}
}

// Envelope is what travels over the transport.
type Envelope struct {
	Origin string     `json:"origin"`
	Topic  string     `json:"topic"`
	Event  chat.Event `json:"event"`
}

// Handler receives every envelope delivered on a topic this process holds.
// It runs on the bus goroutine and must not block.
type Handler func(env Envelope)

// Options tune a Bus.
type Options struct {
	InstanceID       string
	SubscribeTimeout time.Duration
	HealthInterval   time.Duration
	MaxTopics        int
	Logger           *zap.Logger
	Metrics          *Metrics
}

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdResubscribe
	cmdTopics
	cmdCount
)

type command struct {
	kind  commandKind
	topic string
	reply chan result
}

type result struct {
	err    error
	topics []string
	count  int
}

// Bus owns the process's subscription refcounts. All changes to them go
// through a single goroutine, so concurrent joins and leaves never race.
type Bus struct {
	transport Transport
	handler   Handler
	opts      Options
	logger    *zap.Logger
	metrics   *Metrics

	cmds       chan command
	healthy    atomic.Bool
	needResync atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// New builds a Bus over transport. Call Start before use.
func New(transport Transport, handler Handler, opts Options) *Bus {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.MaxTopics <= 0 {
		opts.MaxTopics = DefaultMaxTopics
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = func(Envelope) {}
	}
	b := &Bus{
		transport: transport,
		handler:   handler,
		opts:      opts,
		logger:    logger.Named("bus"),
		metrics:   opts.Metrics,
		cmds:      make(chan command, 1024),
		done:      make(chan struct{}),
	}
	b.healthy.Store(true)
	b.metrics.setHealthy(true)
	return b
}

// InstanceID identifies this process in envelopes.
func (b *Bus) InstanceID() string { return b.opts.InstanceID }

// Healthy reports whether the last transport health check succeeded.
func (b *Bus) Healthy() bool { return b.healthy.Load() }

// Start launches the bus goroutines and subscribes the fixed topics.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
	go func() {
		defer b.wg.Done()
		b.watch(ctx)
	}()
	for _, topic := range []string{TopicRooms, TopicControl} {
		if err := b.Subscribe(ctx, topic); err != nil {
			b.logger.Warn("fixed topic subscribe failed; health check will resync",
				zap.String("topic", topic), zap.Error(err))
			b.needResync.Store(true)
		}
	}
}

// Close stops the bus and closes the transport.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.transport.Close()
	})
	return err
}

// Subscribe increments the refcount of topic, subscribing the transport on
// the first reference. It is bounded by the subscribe timeout.
func (b *Bus) Subscribe(ctx context.Context, topic string) error {
	return b.do(ctx, command{kind: cmdSubscribe, topic: topic}).err
}

// Unsubscribe decrements the refcount of topic, unsubscribing the transport
// when it reaches zero. Unsubscribing an unheld topic is a no-op; the fixed
// topics are never released.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	if topic == TopicRooms || topic == TopicControl {
		return nil
	}
	return b.do(ctx, command{kind: cmdUnsubscribe, topic: topic}).err
}

// Held reports whether a Subscribe that returned err holds a reference the
// caller must release. A transport failure keeps the reference so the next
// resync picks the topic up; every other error leaves nothing held.
func Held(err error) bool {
	return err == nil || errors.Is(err, chat.ErrTransient)
}

// SubscribeRoom subscribes the topic of roomID.
func (b *Bus) SubscribeRoom(ctx context.Context, roomID string) error {
	return b.Subscribe(ctx, RoomTopic(roomID))
}

// UnsubscribeRoom releases one reference on the topic of roomID.
func (b *Bus) UnsubscribeRoom(ctx context.Context, roomID string) error {
	return b.Unsubscribe(ctx, RoomTopic(roomID))
}

// Topics returns the topics currently held, sorted.
func (b *Bus) Topics(ctx context.Context) ([]string, error) {
	r := b.do(ctx, command{kind: cmdTopics})
	return r.topics, r.err
}

// RefCount returns the refcount of topic.
func (b *Bus) RefCount(ctx context.Context, topic string) (int, error) {
	r := b.do(ctx, command{kind: cmdCount, topic: topic})
	return r.count, r.err
}

// Resubscribe re-establishes every held topic on the transport from the
// current refcounts.
func (b *Bus) Resubscribe(ctx context.Context) error {
	return b.do(ctx, command{kind: cmdResubscribe}).err
}

// Publish sends ev to every process subscribed to topic, including this one.
// Events published while the transport is down are lost.
func (b *Bus) Publish(ctx context.Context, topic string, ev chat.Event) error {
	payload, err := json.Marshal(Envelope{Origin: b.opts.InstanceID, Topic: topic, Event: ev})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	err = b.transport.Publish(ctx, topic, payload)
	b.metrics.recordPublish(topic, err)
	if err != nil {
		b.logger.Warn("publish failed, event lost",
			zap.String("topic", topic), zap.String("event", ev.Name), zap.Error(err))
		return fmt.Errorf("%w: publish %s: %v", chat.ErrTransient, topic, err)
	}
	return nil
}

// PublishRoom publishes ev on the topic of roomID.
func (b *Bus) PublishRoom(ctx context.Context, roomID string, ev chat.Event) error {
	return b.Publish(ctx, RoomTopic(roomID), ev)
}

func (b *Bus) do(ctx context.Context, cmd command) result {
	cmd.reply = make(chan result, 1)
	timer := time.NewTimer(b.opts.SubscribeTimeout)
	defer timer.Stop()
	select {
	case b.cmds <- cmd:
	case <-timer.C:
		return result{err: ErrTimeout}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	case <-b.done:
		return result{err: ErrClosed}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-timer.C:
		b.abandon(cmd)
		return result{err: ErrTimeout}
	case <-ctx.Done():
		b.abandon(cmd)
		return result{err: ctx.Err()}
	case <-b.done:
		return result{err: ErrClosed}
	}
}

// abandon undoes a queued subscribe whose caller stopped waiting, so a failed
// Subscribe never leaves a reference behind.
func (b *Bus) abandon(cmd command) {
	if cmd.kind != cmdSubscribe {
		return
	}
	go func() {
		select {
		case r := <-cmd.reply:
			if Held(r.err) {
				_ = b.Unsubscribe(context.Background(), cmd.topic)
			}
		case <-b.done:
		}
	}()
}

func (b *Bus) run() {
	refs := make(map[string]int)
	deliveries := b.transport.Deliveries()
	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.cmds:
			cmd.reply <- b.apply(refs, cmd)
		case d, ok := <-deliveries:
			if !ok {
				deliveries = nil
				continue
			}
			b.dispatch(refs, d)
		}
	}
}

func (b *Bus) apply(refs map[string]int, cmd command) result {
	switch cmd.kind {
	case cmdSubscribe:
		if refs[cmd.topic] > 0 {
			refs[cmd.topic]++
			return result{}
		}
		if len(refs) >= b.opts.MaxTopics {
			return result{err: fmt.Errorf("%w: subscription limit %d reached", chat.ErrOverloaded, b.opts.MaxTopics)}
		}
		refs[cmd.topic] = 1
		b.metrics.setTopics(len(refs))
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.SubscribeTimeout)
		defer cancel()
		if err := b.transport.Subscribe(ctx, cmd.topic); err != nil {
			// the reference stays so the next resync picks the topic up
			b.needResync.Store(true)
			b.logger.Warn("transport subscribe failed", zap.String("topic", cmd.topic), zap.Error(err))
			return result{err: fmt.Errorf("%w: subscribe %s: %v", chat.ErrTransient, cmd.topic, err)}
		}
		return result{}
	case cmdUnsubscribe:
		n := refs[cmd.topic]
		switch {
		case n == 0:
			return result{}
		case n > 1:
			refs[cmd.topic] = n - 1
			return result{}
		}
		delete(refs, cmd.topic)
		b.metrics.setTopics(len(refs))
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.SubscribeTimeout)
		defer cancel()
		if err := b.transport.Unsubscribe(ctx, cmd.topic); err != nil {
			b.logger.Warn("transport unsubscribe failed", zap.String("topic", cmd.topic), zap.Error(err))
			return result{err: fmt.Errorf("%w: unsubscribe %s: %v", chat.ErrTransient, cmd.topic, err)}
		}
		return result{}
	case cmdResubscribe:
		topics := sortedTopics(refs)
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.SubscribeTimeout)
		defer cancel()
		if err := b.transport.Resubscribe(ctx, topics); err != nil {
			return result{err: err}
		}
		return result{topics: topics}
	case cmdTopics:
		return result{topics: sortedTopics(refs)}
	case cmdCount:
		return result{count: refs[cmd.topic]}
	}
	return result{err: fmt.Errorf("unknown bus command %d", cmd.kind)}
}

func (b *Bus) dispatch(refs map[string]int, d Delivery) {
	if refs[d.Topic] == 0 {
		b.metrics.recordDrop()
		return
	}
	var env Envelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		b.metrics.recordDrop()
		b.logger.Warn("malformed envelope", zap.String("topic", d.Topic), zap.Error(err))
		return
	}
	env.Topic = d.Topic
	b.metrics.recordDelivery(d.Topic)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panic", zap.String("topic", d.Topic), zap.Any("panic", r))
		}
	}()
	b.handler(env)
}

func (b *Bus) watch(ctx context.Context) {
	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()
	reconnects := b.transport.Reconnects()
	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				continue
			}
			b.recover(ctx, "reconnect")
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, b.opts.SubscribeTimeout)
			err := b.transport.Ping(pingCtx)
			cancel()
			if err != nil {
				if b.healthy.Swap(false) {
					b.logger.Warn("bus transport unhealthy", zap.Error(err))
				}
				b.metrics.setHealthy(false)
				continue
			}
			if !b.healthy.Load() || b.needResync.Load() {
				b.recover(ctx, "health")
			}
		}
	}
}

func (b *Bus) recover(ctx context.Context, reason string) {
	b.needResync.Store(false)
	var topics int
	op := func() error {
		r := b.do(ctx, command{kind: cmdResubscribe})
		if errors.Is(r.err, ErrClosed) {
			return backoff.Permanent(r.err)
		}
		topics = len(r.topics)
		return r.err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(op, policy)
	b.metrics.recordResubscribe(err)
	if err != nil {
		b.needResync.Store(true)
		b.logger.Error("resubscribe failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	b.healthy.Store(true)
	b.metrics.setHealthy(true)
	b.logger.Info("resubscribed", zap.String("reason", reason), zap.Int("topics", topics))
}

func sortedTopics(refs map[string]int) []string {
	topics := make([]string, 0, len(refs))
	for topic := range refs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
