package internal

import "sync"

// PresenceTracker maps each user to its single active local connection.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]*Client
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]*Client)}
}

// Claim makes client the active connection of its user and returns the one
// it replaces, if any.
func (p *PresenceTracker) Claim(client *Client) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.online[client.userID()]
	p.online[client.userID()] = client
	if prev == client {
		return nil
	}
	return prev
}

// Release forgets client if it is still the active connection of its user.
func (p *PresenceTracker) Release(client *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[client.userID()] != client {
		return false
	}
	delete(p.online, client.userID())
	return true
}

// Lookup returns the active local connection of userID.
func (p *PresenceTracker) Lookup(userID string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

// All returns a snapshot of the active connections.
func (p *PresenceTracker) All() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Client, 0, len(p.online))
	for _, c := range p.online {
		out = append(out, c)
	}
	return out
}
