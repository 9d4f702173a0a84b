package internal

import "sync"

// Hub tracks the rooms that have local members. A room's goroutine lives
// exactly as long as it has at least one member on this process.
type Hub struct {
	mutex   sync.Mutex
	rooms   map[string]*Room
	members map[string]int
	metrics *Metrics
}

// builds an empty hub ready to serve websocket requests
func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string]*Room),
		members: make(map[string]int),
		metrics: metrics,
	}
}

// Exists reports whether any local connection is in the room.
func (hub *Hub) Exists(key string) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	_, ok := hub.rooms[key]
	return ok
}

// acquire returns the live Room for key, starting it if needed, and counts
// one more member.
func (hub *Hub) acquire(key string) *Room {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		room = newRoom(key, hub.metrics)
		hub.rooms[key] = room
		go room.run()
		hub.metrics.SetRooms(len(hub.rooms))
	}
	hub.members[key]++
	return room
}

// release drops one member and stops the room when it was the last.
func (hub *Hub) release(key string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		return
	}
	hub.members[key]--
	if hub.members[key] > 0 {
		return
	}
	delete(hub.members, key)
	delete(hub.rooms, key)
	close(room.stop)
	hub.metrics.SetRooms(len(hub.rooms))
}

// deliver fans payload out to the room's local members. It reports false
// when the room has no local members.
func (hub *Hub) deliver(key string, payload []byte) bool {
	hub.mutex.Lock()
	room, exists := hub.rooms[key]
	hub.mutex.Unlock()
	if !exists {
		return false
	}
	room.deliver(payload)
	return true
}

func (hub *Hub) size() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.rooms)
}
