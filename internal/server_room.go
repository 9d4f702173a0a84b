package internal

import "sync/atomic"

// Room tracks the local connections that joined it. Membership changes are
// serialized by run, which publishes each new member list as an immutable
// snapshot; delivery reads the snapshot and never waits on the room.
type Room struct {
	key        string
	clients    map[*Client]bool
	members    atomic.Pointer[[]*Client]
	register   chan membership
	unregister chan membership
	stop       chan struct{}
	metrics    *Metrics
}

// membership is a change request; done is closed once the new member list is
// visible to deliver.
type membership struct {
	client *Client
	done   chan struct{}
}

func newRoom(key string, metrics *Metrics) *Room {
	room := &Room{
		key:        key,
		clients:    make(map[*Client]bool),
		register:   make(chan membership),
		unregister: make(chan membership),
		stop:       make(chan struct{}),
		metrics:    metrics,
	}
	room.members.Store(&[]*Client{})
	return room
}

func (room *Room) run() {
	for {
		select {
		case m := <-room.register:
			room.clients[m.client] = true
			room.publish()
			close(m.done)
		case m := <-room.unregister:
			delete(room.clients, m.client)
			room.publish()
			close(m.done)
		case <-room.stop:
			return
		}
	}
}

// add makes client a member and returns once deliveries reach it.
func (room *Room) add(client *Client) {
	m := membership{client: client, done: make(chan struct{})}
	room.register <- m
	<-m.done
}

// remove stops deliveries to client.
func (room *Room) remove(client *Client) {
	m := membership{client: client, done: make(chan struct{})}
	room.unregister <- m
	<-m.done
}

func (room *Room) publish() {
	members := make([]*Client, 0, len(room.clients))
	for client := range room.clients {
		members = append(members, client)
	}
	room.members.Store(&members)
}

// deliver queues payload on every member's send queue. A member that can't
// keep up is terminated by enqueue; its own cleanup unregisters it.
func (room *Room) deliver(payload []byte) int {
	delivered := 0
	for _, client := range *room.members.Load() {
		if client.enqueue(payload) {
			delivered++
		}
	}
	room.metrics.Fanout("room", delivered)
	return delivered
}
