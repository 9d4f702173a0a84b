package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomcast/internal/auth"
	"roomcast/internal/bus"
	"roomcast/internal/cache"
	"roomcast/internal/chat"
	"roomcast/internal/session"
	"roomcast/internal/storage"
)

const (
	testSecret = "e2e-secret"
	testIssuer = "roomcast-test"
	waitFor    = 5 * time.Second
)

// cluster is several server processes sharing one store, one Redis and one
// bus network.
type cluster struct {
	t        *testing.T
	network  *bus.Network
	store    *storage.Store
	rdb      *redis.Client
	sessions *session.Store
	issuer   *auth.Issuer
}

type node struct {
	srv  *Server
	http *httptest.Server
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := storage.NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	return &cluster{
		t:        t,
		network:  bus.NewNetwork(),
		store:    store,
		rdb:      rdb,
		sessions: session.New(rdb, time.Hour),
		issuer:   auth.NewIssuer([]byte(testSecret), testIssuer),
	}
}

func (c *cluster) node(id string, mutate func(*Config, *Deps)) *node {
	c.t.Helper()
	cfg := Config{
		InstanceID:     id,
		HandoffGrace:   300 * time.Millisecond,
		AuthTimeout:    2 * time.Second,
		SessionRefresh: time.Hour,
		FlushInterval:  10 * time.Millisecond,
		HealthInterval: time.Second,
	}
	deps := Deps{
		Store:     c.store,
		Cache:     cache.New(c.rdb, cache.Options{}),
		Sessions:  c.sessions,
		Auth:      auth.NewAuthenticator(auth.NewHMACVerifier([]byte(testSecret), testIssuer), c.sessions, time.Second),
		Transport: c.network.Transport(),
		Logger:    zaptest.NewLogger(c.t).Named(id),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	srv, err := NewServer(cfg, deps)
	require.NoError(c.t, err)
	srv.Start(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.ServeWS)
	mux.HandleFunc("/healthz", srv.HandleHealth)
	mux.HandleFunc("/rooms", srv.HandleRooms)
	mux.Handle("/metrics", srv.MetricsHandler())
	ts := httptest.NewServer(mux)

	c.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &node{srv: srv, http: ts}
}

// login creates a fresh session for userID and signs a credential for it.
func (c *cluster) login(userID, name string) string {
	c.t.Helper()
	sess, err := c.sessions.Create(context.Background(), userID, map[string]any{"name": name})
	require.NoError(c.t, err)
	token, err := c.issuer.Issue(auth.Identity{UserID: userID, SessionID: sess.SessionID, Name: name}, time.Hour)
	require.NoError(c.t, err)
	return token
}

func (c *cluster) room(name, password string) chat.Room {
	c.t.Helper()
	room, err := c.store.CreateRoom(context.Background(), name, "admin", password)
	require.NoError(c.t, err)
	return room
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	mu     sync.Mutex
	events chan chat.Event
	done   chan struct{}
	err    error
}

func dial(t *testing.T, n *node, token string) *wsClient {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(n.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	c := &wsClient{t: t, conn: conn, events: make(chan chat.Event, 512), done: make(chan struct{})}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		defer close(c.done)
		for {
			var ev chat.Event
			if err := conn.ReadJSON(&ev); err != nil {
				c.err = err
				return
			}
			c.events <- ev
		}
	}()
	return c
}

// connect dials and waits for the connected event.
func connect(t *testing.T, n *node, token string) *wsClient {
	t.Helper()
	c := dial(t, n, token)
	c.expect(chat.EventConnected)
	return c
}

func (c *wsClient) send(action string, payload any) {
	c.t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(c.t, c.conn.WriteJSON(chat.NewEvent(action, "", payload)))
}

// expectWhere skips events until one named name satisfies match.
func (c *wsClient) expectWhere(name string, match func(chat.Event) bool) chat.Event {
	c.t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-c.events:
			if ev.Name == name && (match == nil || match(ev)) {
				return ev
			}
		case <-c.done:
			// drain what was read before the connection ended
			for {
				select {
				case ev := <-c.events:
					if ev.Name == name && (match == nil || match(ev)) {
						return ev
					}
				default:
					c.t.Fatalf("connection closed while waiting for %s: %v", name, c.err)
					return chat.Event{}
				}
			}
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s", name)
			return chat.Event{}
		}
	}
}

func (c *wsClient) expect(name string) chat.Event {
	c.t.Helper()
	return c.expectWhere(name, nil)
}

// expectNone fails if an event named name satisfying match arrives within d.
func (c *wsClient) expectNone(name string, d time.Duration, match func(chat.Event) bool) {
	c.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case ev := <-c.events:
			if ev.Name == name && (match == nil || match(ev)) {
				c.t.Fatalf("unexpected %s event: %s", name, ev.Data)
			}
		case <-timeout:
			return
		}
	}
}

// closeCode waits for the server to end the connection and returns its code.
func (c *wsClient) closeCode() int {
	c.t.Helper()
	select {
	case <-c.done:
	case <-time.After(waitFor):
		c.t.Fatalf("connection still open")
	}
	var closeErr *websocket.CloseError
	if errors.As(c.err, &closeErr) {
		return closeErr.Code
	}
	return -1
}

func messageWith(content string) func(chat.Event) bool {
	return func(ev chat.Event) bool {
		var msg chat.Message
		return ev.Decode(&msg) == nil && msg.Content == content
	}
}

func presenceOf(userID string) func(chat.Event) bool {
	return func(ev chat.Event) bool {
		var p chat.PresencePayload
		return ev.Decode(&p) == nil && p.UserID == userID
	}
}

func errorCode(ev chat.Event) string {
	var p chat.ErrorPayload
	_ = ev.Decode(&p)
	return p.Code
}

func join(t *testing.T, c *wsClient, roomID string) chat.JoinedPayload {
	t.Helper()
	c.send(chat.ActionJoinRoom, chat.JoinRequest{RoomID: roomID})
	var joined chat.JoinedPayload
	require.NoError(t, c.expect(chat.EventJoined).Decode(&joined))
	require.Equal(t, roomID, joined.Room.ID)
	return joined
}

func TestMessageFanOutAcrossProcesses(t *testing.T) {
	c := newCluster(t)
	a, b := c.node("node-a", nil), c.node("node-b", nil)
	room := c.room("general", "")

	alice := connect(t, a, c.login("alice", "Alice"))
	bob := connect(t, b, c.login("bob", "Bob"))
	join(t, alice, room.ID)
	join(t, bob, room.ID)
	alice.expectWhere(chat.EventMessage, messageWith("Bob joined"))

	alice.send(chat.ActionMessage, chat.SendRequest{TempID: "t1", Content: "hello"})
	var ack chat.AckPayload
	require.NoError(t, alice.expect(chat.EventMessageSentAck).Decode(&ack))
	assert.Equal(t, "t1", ack.TempID)
	assert.NotEmpty(t, ack.ID)

	var got chat.Message
	require.NoError(t, bob.expectWhere(chat.EventMessage, messageWith("hello")).Decode(&got))
	assert.Equal(t, ack.ID, got.ID)
	assert.Equal(t, "alice", got.SenderID)
	require.NotNil(t, got.Sender)
	assert.Equal(t, "Alice", got.Sender.Name)
	alice.expectWhere(chat.EventMessage, messageWith("hello"))

	stored, err := c.store.GetMessage(context.Background(), ack.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)

	// a third user outside the room never sees room traffic
	carol := connect(t, a, c.login("carol", "Carol"))
	bob.send(chat.ActionMessage, chat.SendRequest{Content: "room only"})
	alice.expectWhere(chat.EventMessage, messageWith("room only"))
	carol.expectNone(chat.EventMessage, 200*time.Millisecond, nil)
}

func TestRoomUpdatesReachEveryConnection(t *testing.T) {
	c := newCluster(t)
	a, b := c.node("node-a", nil), c.node("node-b", nil)
	alice := connect(t, a, c.login("alice", "Alice"))
	bob := connect(t, b, c.login("bob", "Bob"))

	alice.send(chat.ActionCreateRoom, chat.CreateRoomRequest{Name: "lobby", Password: "pw"})
	var update chat.RoomUpdatedPayload
	require.NoError(t, bob.expect(chat.EventRoomUpdated).Decode(&update))
	assert.Equal(t, "lobby", update.Room.Name)
	assert.Equal(t, "alice", update.Room.CreatorID)

	bob.send(chat.ActionJoinRoom, chat.JoinRequest{RoomID: update.Room.ID, Password: "wrong"})
	assert.Equal(t, "forbidden", errorCode(bob.expect(chat.EventError)))
	bob.send(chat.ActionJoinRoom, chat.JoinRequest{RoomID: update.Room.ID, Password: "pw"})
	bob.expect(chat.EventJoined)

	alice.send(chat.ActionCreateRoom, chat.CreateRoomRequest{Name: "lobby"})
	assert.Equal(t, "validation", errorCode(alice.expect(chat.EventError)))
}

func TestDuplicateLoginAcrossProcesses(t *testing.T) {
	c := newCluster(t)
	a, b := c.node("node-a", nil), c.node("node-b", nil)
	room := c.room("general", "")

	token := c.login("alice", "Alice")
	first := connect(t, a, token)
	bob := connect(t, b, c.login("bob", "Bob"))
	join(t, first, room.ID)
	join(t, bob, room.ID)

	second := connect(t, b, token)

	var warning chat.DuplicateLoginPayload
	require.NoError(t, first.expect(chat.EventDuplicateLoginWarning).Decode(&warning))
	assert.Equal(t, int64(300), warning.GraceMs)

	var ended chat.SessionEndedPayload
	require.NoError(t, first.expect(chat.EventSessionEnded).Decode(&ended))
	assert.Equal(t, chat.ReasonDuplicateLogin, ended.Reason)
	assert.Equal(t, CloseDuplicateLogin, first.closeCode())

	// the takeover is silent for the rest of the room
	bob.expectNone(chat.EventDisconnected, 300*time.Millisecond, presenceOf("alice"))
	bob.expectNone(chat.EventLeft, 10*time.Millisecond, presenceOf("alice"))

	stored, err := c.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasParticipant("alice"), "takeover keeps room membership")

	// the new connection resumes without a second "joined" announcement
	rejoined := join(t, second, room.ID)
	assert.Len(t, rejoined.Participants, 2)
	second.send(chat.ActionMessage, chat.SendRequest{Content: "back"})
	bob.expectWhere(chat.EventMessage, messageWith("back"))
	bob.expectNone(chat.EventMessage, 100*time.Millisecond, messageWith("Alice joined"))
}

func TestDuplicateLoginSameProcess(t *testing.T) {
	c := newCluster(t)
	a := c.node("node-a", nil)
	token := c.login("alice", "Alice")

	first := connect(t, a, token)
	second := connect(t, a, token)

	first.expect(chat.EventDuplicateLoginWarning)
	first.expect(chat.EventSessionEnded)
	assert.Equal(t, CloseDuplicateLogin, first.closeCode())

	second.send(chat.ActionPing, nil)
	second.expect(chat.EventPong)
	assert.Eventually(t, func() bool { return a.srv.presence.ActiveCount() == 1 }, waitFor, 10*time.Millisecond)
	current := a.srv.presence.Lookup("alice")
	require.NotNil(t, current)
	assert.Equal(t, StateActive, current.State())
}

func TestLeaveAndDisconnectAreDistinct(t *testing.T) {
	c := newCluster(t)
	a, b := c.node("node-a", nil), c.node("node-b", nil)
	room := c.room("general", "")

	alice := connect(t, a, c.login("alice", "Alice"))
	bobToken := c.login("bob", "Bob")
	bob := connect(t, b, bobToken)
	join(t, alice, room.ID)
	join(t, bob, room.ID)

	bob.send(chat.ActionLeaveRoom, chat.LeaveRequest{RoomID: room.ID})
	bob.expectWhere(chat.EventLeft, presenceOf("bob"))
	alice.expectWhere(chat.EventLeft, presenceOf("bob"))
	alice.expectWhere(chat.EventMessage, messageWith("Bob left"))

	bob2 := connect(t, b, bobToken)
	join(t, bob2, room.ID)
	alice.expectWhere(chat.EventMessage, messageWith("Bob joined"))
	require.NoError(t, bob2.conn.Close())

	alice.expectWhere(chat.EventDisconnected, presenceOf("bob"))
	var participants chat.ParticipantsPayload
	require.NoError(t, alice.expectWhere(chat.EventParticipantsUpdated, func(ev chat.Event) bool {
		var p chat.ParticipantsPayload
		return ev.Decode(&p) == nil && len(p.Participants) == 1
	}).Decode(&participants))
	assert.Equal(t, "alice", participants.Participants[0].ID)
	alice.expectWhere(chat.EventMessage, messageWith("Bob disconnected"))

	stored, err := c.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasParticipant("bob"))
}

func TestHistoryFetch(t *testing.T) {
	c := newCluster(t)
	a := c.node("node-a", nil)
	room := c.room("general", "")

	base := time.Now().Add(-time.Hour)
	seeded := make([]chat.Message, 35)
	for i := range seeded {
		seeded[i] = chat.Message{
			ID:        fmt.Sprintf("seed-%02d", i),
			RoomID:    room.ID,
			SenderID:  "alice",
			Type:      chat.TypeText,
			Content:   "old",
			Timestamp: chat.Millis(base.Add(time.Duration(i) * time.Second)),
		}
	}
	_, err := c.store.BulkInsert(context.Background(), seeded)
	require.NoError(t, err)

	alice := connect(t, a, c.login("alice", "Alice"))
	join(t, alice, room.ID)

	cursor := base.Add(time.Minute)
	alice.send(chat.ActionFetchPrevious, chat.FetchRequest{RoomID: room.ID, Before: cursor})
	var page chat.HistoryPayload
	require.NoError(t, alice.expect(chat.EventPreviousMessages).Decode(&page))
	require.Len(t, page.Messages, 30)
	assert.True(t, page.HasMore)
	assert.Equal(t, seeded[5].ID, page.Messages[0].ID, "oldest first")
	assert.Equal(t, seeded[34].ID, page.Messages[29].ID)
	require.NotNil(t, page.OldestTimestamp)
	assert.True(t, page.OldestTimestamp.Equal(seeded[5].Timestamp))
	require.NotNil(t, page.Messages[0].Sender)
	assert.Equal(t, "Alice", page.Messages[0].Sender.Name)

	alice.send(chat.ActionFetchPrevious, chat.FetchRequest{Before: *page.OldestTimestamp, Limit: 30})
	require.NoError(t, alice.expect(chat.EventPreviousMessages).Decode(&page))
	assert.Len(t, page.Messages, 5)
	assert.False(t, page.HasMore)

	other := c.room("private", "")
	alice.send(chat.ActionFetchPrevious, chat.FetchRequest{RoomID: other.ID})
	assert.Equal(t, "forbidden", errorCode(alice.expect(chat.EventError)))
}

type scriptedGenerator struct {
	chunks []string
}

func (g scriptedGenerator) Generate(ctx context.Context, kind, prompt string, onChunk func(string) error) error {
	for _, chunk := range g.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func TestAIStreamReachesEveryProcess(t *testing.T) {
	c := newCluster(t)
	gen := scriptedGenerator{chunks: []string{"Hel", "lo", " there"}}
	withAI := func(_ *Config, deps *Deps) { deps.Generator = gen }
	a, b := c.node("node-a", withAI), c.node("node-b", withAI)
	room := c.room("general", "")

	alice := connect(t, a, c.login("alice", "Alice"))
	bob := connect(t, b, c.login("bob", "Bob"))
	join(t, alice, room.ID)
	join(t, bob, room.ID)

	alice.send(chat.ActionMessage, chat.SendRequest{Content: "@assistant say hi"})

	var start chat.AIStartPayload
	require.NoError(t, bob.expect(chat.EventAIStart).Decode(&start))
	assert.Equal(t, "assistant", start.Kind)
	assert.Equal(t, room.ID, start.RoomID)

	var chunk chat.AIChunkPayload
	for _, want := range []string{"Hel", "Hello", "Hello there"} {
		require.NoError(t, bob.expect(chat.EventAIChunk).Decode(&chunk))
		assert.Equal(t, start.ID, chunk.ID)
		assert.Equal(t, want, chunk.Content)
	}
	var done chat.AICompletePayload
	require.NoError(t, bob.expect(chat.EventAIComplete).Decode(&done))
	assert.Equal(t, "Hello there", done.Content)

	var durable chat.Message
	require.NoError(t, bob.expectWhere(chat.EventMessage, messageWith("Hello there")).Decode(&durable))
	assert.Equal(t, start.ID, durable.ID)
	assert.Equal(t, chat.TypeAI, durable.Type)
	assert.Equal(t, "assistant", durable.AIKind)
}

func TestJoinRejectedAtSubscriptionLimit(t *testing.T) {
	c := newCluster(t)
	// the fixed topics take two of the three slots
	a := c.node("node-a", func(cfg *Config, _ *Deps) { cfg.MaxRoomsSubscribed = 3 })
	b := c.node("node-b", nil)
	r1, r2 := c.room("one", ""), c.room("two", "")
	ctx := context.Background()

	alice := connect(t, a, c.login("alice", "Alice"))
	bob := connect(t, a, c.login("bob", "Bob"))
	join(t, alice, r1.ID)

	bob.send(chat.ActionJoinRoom, chat.JoinRequest{RoomID: r2.ID})
	var payload chat.ErrorPayload
	require.NoError(t, bob.expect(chat.EventError).Decode(&payload))
	assert.Equal(t, "overloaded", payload.Code)
	assert.True(t, payload.Retryable)
	stored, err := c.store.GetRoom(ctx, r2.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasParticipant("bob"))

	// a rejected join keeps the client in its current room
	join(t, bob, r1.ID)
	bob.send(chat.ActionJoinRoom, chat.JoinRequest{RoomID: r2.ID})
	assert.Equal(t, "overloaded", errorCode(bob.expect(chat.EventError)))
	bob.send(chat.ActionMessage, chat.SendRequest{Content: "still here"})
	alice.expectWhere(chat.EventMessage, messageWith("still here"))

	alice.send(chat.ActionLeaveRoom, chat.LeaveRequest{RoomID: r1.ID})
	alice.expectWhere(chat.EventLeft, presenceOf("alice"))
	bob.send(chat.ActionLeaveRoom, chat.LeaveRequest{RoomID: r1.ID})
	bob.expectWhere(chat.EventLeft, presenceOf("bob"))

	carol := connect(t, a, c.login("carol", "Carol"))
	join(t, carol, r2.ID)
	n, err := a.srv.bus.RefCount(ctx, bus.RoomTopic(r2.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = a.srv.bus.RefCount(ctx, bus.RoomTopic(r1.ID))
	require.NoError(t, err)
	assert.Zero(t, n)

	dave := connect(t, b, c.login("dave", "Dave"))
	join(t, dave, r2.ID)
	dave.send(chat.ActionMessage, chat.SendRequest{Content: "anyone?"})
	carol.expectWhere(chat.EventMessage, messageWith("anyone?"))
}

func TestActionRateLimit(t *testing.T) {
	c := newCluster(t)
	a := c.node("node-a", func(cfg *Config, _ *Deps) {
		cfg.MessagesPerSecond = 0.01
		cfg.Burst = 2
	})
	alice := connect(t, a, c.login("alice", "Alice"))

	for i := 0; i < 3; i++ {
		alice.send(chat.ActionJoinRoom, chat.JoinRequest{RoomID: "missing"})
	}
	assert.Equal(t, "not_found", errorCode(alice.expect(chat.EventError)))
	assert.Equal(t, "not_found", errorCode(alice.expect(chat.EventError)))
	ev := alice.expect(chat.EventError)
	var payload chat.ErrorPayload
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "overloaded", payload.Code)
	assert.True(t, payload.Retryable)

	alice.send(chat.ActionPing, nil)
	alice.expect(chat.EventPong)
}

func TestAuthentication(t *testing.T) {
	c := newCluster(t)
	a := c.node("node-a", func(cfg *Config, _ *Deps) { cfg.AuthTimeout = 300 * time.Millisecond })

	bad := dial(t, a, "not-a-token")
	assert.Equal(t, "unauthorized", errorCode(bad.expect(chat.EventError)))
	assert.Equal(t, CloseUnauthorized, bad.closeCode())

	first := dial(t, a, "")
	first.send(chat.ActionAuth, chat.AuthRequest{Token: c.login("alice", "Alice")})
	var connected chat.ConnectedPayload
	require.NoError(t, first.expect(chat.EventConnected).Decode(&connected))
	assert.Equal(t, "alice", connected.UserID)
	assert.Equal(t, "node-a", connected.InstanceID)

	silent := dial(t, a, "")
	assert.Equal(t, CloseUnauthorized, silent.closeCode(), "connection without credentials is closed")
}

func TestSessionInvalidatedMidConnection(t *testing.T) {
	c := newCluster(t)
	a := c.node("node-a", func(cfg *Config, _ *Deps) { cfg.SessionRefresh = time.Millisecond })
	alice := connect(t, a, c.login("alice", "Alice"))

	// a newer login elsewhere replaces the session
	c.login("alice", "Alice")
	time.Sleep(5 * time.Millisecond)
	alice.send(chat.ActionPing, nil)

	var ended chat.SessionEndedPayload
	require.NoError(t, alice.expect(chat.EventSessionEnded).Decode(&ended))
	assert.Equal(t, chat.ReasonSessionInvalid, ended.Reason)
	assert.Equal(t, CloseUnauthorized, alice.closeCode())
}

func TestShutdownEndsSessionsSilently(t *testing.T) {
	c := newCluster(t)
	a, b := c.node("node-a", nil), c.node("node-b", nil)
	room := c.room("general", "")
	alice := connect(t, a, c.login("alice", "Alice"))
	bob := connect(t, b, c.login("bob", "Bob"))
	join(t, alice, room.ID)
	join(t, bob, room.ID)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.srv.Shutdown(ctx))

	var ended chat.SessionEndedPayload
	require.NoError(t, alice.expect(chat.EventSessionEnded).Decode(&ended))
	assert.Equal(t, chat.ReasonServerShutdown, ended.Reason)
	assert.Equal(t, websocket.CloseGoingAway, alice.closeCode())
	bob.expectNone(chat.EventDisconnected, 200*time.Millisecond, presenceOf("alice"))

	resp, err := http.Get(a.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPEndpoints(t *testing.T) {
	c := newCluster(t)
	a := c.node("node-a", nil)
	room := c.room("general", "secret")
	token := c.login("alice", "Alice")

	resp, err := http.Get(a.http.URL + "/healthz")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "node-a", health.InstanceID)
	assert.True(t, health.Bus)
	assert.True(t, health.Store)

	resp, err = http.Get(a.http.URL + "/rooms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, a.http.URL+"/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var rooms roomsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	resp.Body.Close()
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, room.ID, rooms.Rooms[0].ID)
	assert.True(t, rooms.Rooms[0].Protected)

	resp, err = http.Get(a.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
