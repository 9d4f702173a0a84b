package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const natsSubjectPrefix = "roomcast."

// NATSTransport carries the bus over core NATS subjects.
type NATSTransport struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu         sync.Mutex
	subs       map[string]*nats.Subscription
	out        chan Delivery
	reconnects chan struct{}
	closed     bool
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport connects to url with unlimited reconnects.
func NewNATSTransport(url, name string, logger *zap.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &NATSTransport{
		logger:     logger.Named("nats-transport"),
		subs:       make(map[string]*nats.Subscription),
		out:        make(chan Delivery, 4096),
		reconnects: make(chan struct{}, 1),
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			select {
			case t.reconnects <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	t.nc = nc
	return t, nil
}

func subject(topic string) string {
	return natsSubjectPrefix + strings.ReplaceAll(topic, ":", ".")
}

func (t *NATSTransport) Subscribe(_ context.Context, topics ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		if _, ok := t.subs[topic]; ok {
			continue
		}
		sub, err := t.nc.Subscribe(subject(topic), t.receiver(topic))
		if err != nil {
			return err
		}
		t.subs[topic] = sub
	}
	return t.nc.Flush()
}

func (t *NATSTransport) receiver(topic string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return
		}
		select {
		case t.out <- Delivery{Topic: topic, Payload: msg.Data}:
		default:
			t.logger.Warn("delivery buffer full, dropping", zap.String("topic", topic))
		}
	}
}

func (t *NATSTransport) Unsubscribe(_ context.Context, topics ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		sub, ok := t.subs[topic]
		if !ok {
			continue
		}
		delete(t.subs, topic)
		if err := sub.Unsubscribe(); err != nil {
			return err
		}
	}
	return nil
}

func (t *NATSTransport) Resubscribe(ctx context.Context, topics []string) error {
	t.mu.Lock()
	for topic, sub := range t.subs {
		_ = sub.Unsubscribe()
		delete(t.subs, topic)
	}
	t.mu.Unlock()
	return t.Subscribe(ctx, topics...)
}

func (t *NATSTransport) Publish(_ context.Context, topic string, payload []byte) error {
	return t.nc.Publish(subject(topic), payload)
}

func (t *NATSTransport) Deliveries() <-chan Delivery { return t.out }

func (t *NATSTransport) Reconnects() <-chan struct{} { return t.reconnects }

func (t *NATSTransport) Ping(ctx context.Context) error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("nats status %s", t.nc.Status())
	}
	return t.nc.FlushWithContext(ctx)
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.out)
	t.mu.Unlock()
	t.nc.Close()
	return nil
}
