package bus

import "context"

// Delivery is one payload received on a topic.
type Delivery struct {
	Topic   string
	Payload []byte
}

// Transport is the cross-process pub/sub link under the Bus. Implementations
// must deliver a process's own publishes back to it when it is subscribed.
type Transport interface {
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	// Resubscribe replaces the whole subscription set, typically on a fresh
	// connection after a failover.
	Resubscribe(ctx context.Context, topics []string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Deliveries() <-chan Delivery
	// Reconnects signals that the transport re-established its link. It may
	// return nil when the transport has no such notification.
	Reconnects() <-chan struct{}
	Ping(ctx context.Context) error
	Close() error
}
