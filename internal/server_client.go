package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roomcast/internal/auth"
	"roomcast/internal/chat"
	"roomcast/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
	sendBuffer   = 256
)

// Close codes sent with terminal frames.
const (
	CloseDuplicateLogin = 4001
	CloseUnauthorized   = 4003
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateActive
	StateDuplicatePending
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDuplicatePending:
		return "duplicate_pending"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Termination causes. They decide what the rest of the room sees.
const (
	causeNetwork  = "network"
	causeTakeover = "takeover"
	causeShutdown = "shutdown"
	causeSession  = "session_invalid"
	causeAuth     = "auth_failed"
	causeSlow     = "slow_consumer"
)

// Client wraps a single websocket connection and its bounded send queue.
type Client struct {
	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	id      string
	remote  string
	limiter *rate.Limiter
	loading atomic.Bool
	closed  atomic.Bool

	// set once before the client is published to the presence tracker
	identity auth.Identity

	mu          sync.Mutex
	state       State
	cause       string
	closeCode   int
	closeText   string
	room        *Room
	roomID      string
	busRef      bool
	handoff     *time.Timer
	lastRefresh time.Time
}

func newClient(server *Server, conn *websocket.Conn, remote string) *Client {
	return &Client{
		server:  server,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		id:      uuid.NewString(),
		remote:  remote,
		limiter: rate.NewLimiter(rate.Limit(server.cfg.MessagesPerSecond), server.cfg.Burst),
		state:   StateUnauthenticated,
	}
}

func (client *Client) userID() string { return client.identity.UserID }

func (client *Client) holder() session.Holder {
	return session.Holder{ConnID: client.id, InstanceID: client.server.cfg.InstanceID}
}

// State returns the current lifecycle state.
func (client *Client) State() State {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.state
}

func (client *Client) setState(s State) {
	client.mu.Lock()
	client.state = s
	client.mu.Unlock()
}

func (client *Client) currentRoom() string {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.roomID
}

// enqueue queues payload without blocking. A full queue terminates the
// connection.
func (client *Client) enqueue(payload []byte) bool {
	if client.closed.Load() {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		client.server.metrics.SlowDrop()
		client.terminate(causeSlow, websocket.CloseTryAgainLater, "send queue full", nil)
		return false
	}
}

func (client *Client) sendEvent(ev chat.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		client.server.logger.Error("encode event", zap.String("event", ev.Name), zap.Error(err))
		return false
	}
	return client.enqueue(payload)
}

func (client *Client) sendError(action string, err error) {
	client.sendEvent(chat.NewErrorEvent(action, err))
}

// terminate moves the connection to Terminated, queues final as the last
// event it will ever receive and lets writePump send the close frame. Only
// the first call has any effect.
func (client *Client) terminate(cause string, code int, text string, final *chat.Event) {
	client.mu.Lock()
	if client.state == StateTerminated {
		client.mu.Unlock()
		return
	}
	client.state = StateTerminated
	client.cause = cause
	client.closeCode = code
	client.closeText = text
	if client.handoff != nil {
		client.handoff.Stop()
	}
	client.mu.Unlock()

	if final != nil {
		if payload, err := json.Marshal(final); err == nil {
			select {
			case client.send <- payload:
			default:
			}
		}
	}
	client.closed.Store(true)
	close(client.done)
}

// beginHandoff warns an active connection that another one replaced it and
// ends it once the grace window has passed.
func (client *Client) beginHandoff(grace time.Duration) {
	client.mu.Lock()
	if client.state != StateActive {
		client.mu.Unlock()
		return
	}
	client.state = StateDuplicatePending
	client.handoff = time.AfterFunc(grace, func() {
		ended := chat.NewEvent(chat.EventSessionEnded, "", chat.SessionEndedPayload{
			Reason:  chat.ReasonDuplicateLogin,
			Message: "signed in from another location",
		})
		client.terminate(causeTakeover, CloseDuplicateLogin, chat.ReasonDuplicateLogin, &ended)
	})
	client.mu.Unlock()

	client.sendEvent(chat.NewEvent(chat.EventDuplicateLoginWarning, "", chat.DuplicateLoginPayload{
		Message: "this account signed in elsewhere; this connection will close",
		GraceMs: grace.Milliseconds(),
	}))
}

// finish records why the connection is over if nothing else did and
// returns the cause.
func (client *Client) finish() string {
	client.mu.Lock()
	state, cause := client.state, client.cause
	client.mu.Unlock()
	if state == StateTerminated {
		return cause
	}
	if state == StateDuplicatePending {
		cause = causeTakeover
	} else {
		cause = causeNetwork
	}
	client.terminate(cause, websocket.CloseNormalClosure, "", nil)
	return cause
}

func (client *Client) closeInfo() (int, string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.closeCode, client.closeText
}

func (client *Client) readPump(token string) {
	server := client.server
	defer client.cleanup()

	client.conn.SetReadLimit(maxFrameSize)
	if token == "" {
		token = client.awaitAuthFrame()
		if token == "" {
			return
		}
	}
	if !server.activate(client, token) {
		return
	}

	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		if client.State() == StateTerminated {
			continue
		}
		var ev chat.Event
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Name == "" {
			client.sendError("", fmt.Errorf("%w: malformed frame", chat.ErrValidation))
			continue
		}
		server.dispatch(client, ev)
	}
}

// awaitAuthFrame waits for the first frame to carry a credential.
func (client *Client) awaitAuthFrame() string {
	_ = client.conn.SetReadDeadline(time.Now().Add(client.server.cfg.AuthTimeout))
	_, payload, err := client.conn.ReadMessage()
	if err != nil {
		client.server.metrics.Connect("auth_timeout")
		client.terminate(causeAuth, CloseUnauthorized, "authentication timeout", nil)
		return ""
	}
	var ev chat.Event
	var req chat.AuthRequest
	if json.Unmarshal(payload, &ev) != nil || ev.Name != chat.ActionAuth || ev.Decode(&req) != nil || req.Token == "" {
		err := fmt.Errorf("%w: first frame must be auth", chat.ErrUnauthorized)
		final := chat.NewErrorEvent(chat.ActionAuth, err)
		client.server.metrics.Connect("rejected")
		client.terminate(causeAuth, CloseUnauthorized, "unauthorized", &final)
		return ""
	}
	return req.Token
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			client.drain()
			code, text := client.closeInfo()
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain writes what was queued before the connection ended.
func (client *Client) drain() {
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// cleanup runs once the read loop has ended, whatever the cause.
func (client *Client) cleanup() {
	server := client.server
	cause := client.finish()

	ctx, cancel := context.WithTimeout(context.Background(), server.cfg.AuthTimeout)
	defer cancel()

	if client.userID() != "" {
		server.streams.CancelOwner(client.id)
		kind := leaveDisconnect
		if cause == causeTakeover || cause == causeShutdown {
			kind = leaveSilent
		}
		server.leaveRoom(ctx, client, kind)
		if server.presence.Release(client) {
			if _, err := server.sessions.ReleaseConnection(ctx, client.userID(), client.holder()); err != nil {
				server.logger.Warn("release connection record", zap.String("user", client.userID()), zap.Error(err))
			}
		}
		server.metrics.SetUsers(server.presence.ActiveCount())
	}
	server.forget(client)
	server.metrics.Disconnect(cause)
	server.metrics.DecConn()
	server.logger.Debug("connection closed",
		zap.String("conn", client.id), zap.String("user", client.userID()), zap.String("cause", cause))

	// give writePump a moment to flush the final frame before the socket
	// is torn down underneath it
	time.AfterFunc(writeWait, func() { _ = client.conn.Close() })
}
