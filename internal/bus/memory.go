package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrNetworkDown is returned by memory transports while their network is down.
var ErrNetworkDown = errors.New("bus: network down")

// Network connects in-process MemoryTransports, standing in for a broker so
// several server instances can share one process in tests and local runs.
type Network struct {
	mu      sync.Mutex
	members map[*MemoryTransport]struct{}
	down    bool
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{members: make(map[*MemoryTransport]struct{})}
}

// Transport attaches a new transport to the network.
func (n *Network) Transport() *MemoryTransport {
	t := &MemoryTransport{
		net:        n,
		topics:     make(map[string]bool),
		out:        make(chan Delivery, 4096),
		reconnects: make(chan struct{}, 1),
	}
	n.mu.Lock()
	n.members[t] = struct{}{}
	n.mu.Unlock()
	return t
}

// SetDown makes every operation fail until called again with false.
func (n *Network) SetDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

// Failover drops every subscription, as a newly promoted broker would, and
// notifies each transport that it reconnected.
func (n *Network) Failover() {
	n.mu.Lock()
	members := make([]*MemoryTransport, 0, len(n.members))
	for t := range n.members {
		members = append(members, t)
	}
	n.mu.Unlock()
	for _, t := range members {
		t.mu.Lock()
		t.topics = make(map[string]bool)
		t.mu.Unlock()
		select {
		case t.reconnects <- struct{}{}:
		default:
		}
	}
}

func (n *Network) isDown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.down
}

// MemoryTransport is a Transport on a Network.
type MemoryTransport struct {
	net        *Network
	mu         sync.Mutex
	topics     map[string]bool
	out        chan Delivery
	reconnects chan struct{}
	closed     bool
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Subscribe(_ context.Context, topics ...string) error {
	if t.net.isDown() {
		return ErrNetworkDown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		t.topics[topic] = true
	}
	return nil
}

func (t *MemoryTransport) Unsubscribe(_ context.Context, topics ...string) error {
	if t.net.isDown() {
		return ErrNetworkDown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		delete(t.topics, topic)
	}
	return nil
}

func (t *MemoryTransport) Resubscribe(_ context.Context, topics []string) error {
	if t.net.isDown() {
		return ErrNetworkDown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics = make(map[string]bool, len(topics))
	for _, topic := range topics {
		t.topics[topic] = true
	}
	return nil
}

// Subscribed reports whether the transport currently holds topic.
func (t *MemoryTransport) Subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topics[topic]
}

func (t *MemoryTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if t.net.isDown() {
		return ErrNetworkDown
	}
	t.net.mu.Lock()
	members := make([]*MemoryTransport, 0, len(t.net.members))
	for m := range t.net.members {
		members = append(members, m)
	}
	t.net.mu.Unlock()
	for _, m := range members {
		m.deliver(topic, payload)
	}
	return nil
}

func (t *MemoryTransport) deliver(topic string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.topics[topic] {
		return
	}
	select {
	case t.out <- Delivery{Topic: topic, Payload: payload}:
	default:
	}
}

func (t *MemoryTransport) Deliveries() <-chan Delivery { return t.out }

func (t *MemoryTransport) Reconnects() <-chan struct{} { return t.reconnects }

func (t *MemoryTransport) Ping(context.Context) error {
	if t.net.isDown() {
		return ErrNetworkDown
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	t.net.mu.Lock()
	delete(t.net.members, t)
	t.net.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
	return nil
}
