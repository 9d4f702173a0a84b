package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"roomcast/internal/auth"
	"roomcast/internal/bus"
	"roomcast/internal/chat"
	"roomcast/internal/history"
	"roomcast/internal/session"
	"roomcast/internal/storage"
	"roomcast/internal/stream"
	"roomcast/internal/writer"
)

// Config tunes the connection layer and the pipeline pieces it owns.
type Config struct {
	InstanceID         string
	HandoffGrace       time.Duration
	AuthTimeout        time.Duration
	SessionRefresh     time.Duration
	SubscribeTimeout   time.Duration
	HealthInterval     time.Duration
	MaxRoomsSubscribed int
	MessagesPerSecond  float64
	Burst              int
	ConnectsPerMinute  int
	MaxContent         int
	BatchSize          int
	FlushInterval      time.Duration
	MaxBuffer          int
	AIKinds            []string
	AIStaleAfter       time.Duration
	AISweepInterval    time.Duration
}

func (c *Config) setDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "roomcast"
	}
	if c.HandoffGrace <= 0 {
		c.HandoffGrace = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.SessionRefresh <= 0 {
		c.SessionRefresh = 30 * time.Second
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.ConnectsPerMinute <= 0 {
		c.ConnectsPerMinute = 60
	}
	if c.MaxContent <= 0 {
		c.MaxContent = chat.DefaultMaxContent
	}
	if len(c.AIKinds) == 0 {
		c.AIKinds = []string{"assistant"}
	}
}

// Authenticator turns a credential into an identity with a valid session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// SessionStore is the cluster-wide session and connection record.
type SessionStore interface {
	Validate(ctx context.Context, userID, sessionID string) (session.Validation, error)
	RefreshActivity(ctx context.Context, userID string) error
	ClaimConnection(ctx context.Context, userID string, holder session.Holder) (*session.Holder, error)
	ReleaseConnection(ctx context.Context, userID string, holder session.Holder) (bool, error)
}

// Cache is the Redis message and summary cache.
type Cache interface {
	writer.Cache
	history.MessageCache
	history.SummaryCache
	Invalidate(ctx context.Context, ids ...string) error
	Remove(ctx context.Context, roomID, id string) error
}

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store      storage.Backend
	Cache      Cache
	Sessions   SessionStore
	Auth       Authenticator
	Transport  bus.Transport
	Generator  stream.Generator
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Server coordinates client connections on one process.
type Server struct {
	cfg       Config
	logger    *zap.Logger
	metrics   *Metrics
	hub       *Hub
	presence  *PresenceTracker
	limiter   *RateLimiter
	store     storage.Backend
	cache     Cache
	sessions  SessionStore
	auth      Authenticator
	bus       *bus.Bus
	writer    *writer.Writer
	loader    *history.Loader
	resolver  history.Resolver
	streams   *stream.Manager
	generator stream.Generator

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	closing atomic.Bool

	mu      sync.Mutex
	clients map[*Client]struct{}
	conns   sync.WaitGroup
}

// NewServer wires the pipeline around deps. Call Start before serving.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Cache == nil || deps.Sessions == nil || deps.Auth == nil || deps.Transport == nil {
		return nil, errors.New("store, cache, sessions, auth and transport are required")
	}
	cfg.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		if g, ok := reg.(prometheus.Gatherer); ok {
			gatherer = g
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.Named("server"),
		metrics:   NewMetrics(reg, gatherer),
		presence:  NewPresenceTracker(),
		limiter:   NewRateLimiter(float64(cfg.ConnectsPerMinute)/60, cfg.ConnectsPerMinute, 10*time.Minute),
		store:     deps.Store,
		cache:     deps.Cache,
		sessions:  deps.Sessions,
		auth:      deps.Auth,
		generator: deps.Generator,
		clients:   make(map[*Client]struct{}),
	}
	s.hub = NewHub(s.metrics)
	s.bus = bus.New(deps.Transport, s.route, bus.Options{
		InstanceID:       cfg.InstanceID,
		SubscribeTimeout: cfg.SubscribeTimeout,
		HealthInterval:   cfg.HealthInterval,
		MaxTopics:        cfg.MaxRoomsSubscribed,
		Logger:           logger,
		Metrics:          bus.NewMetrics(reg),
	})
	s.writer = writer.New(deps.Store, deps.Cache, writer.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxBuffer:     cfg.MaxBuffer,
		MaxContent:    cfg.MaxContent,
		OnFlushed:     s.onFlushed,
		Logger:        logger,
		Metrics:       writer.NewMetrics(reg),
	})
	s.resolver = history.NewCachedResolver(deps.Store, deps.Cache, logger)
	s.loader = history.NewLoader(deps.Store, deps.Cache, s.resolver, history.Options{Logger: logger})
	s.streams = stream.NewManager(s.bus, s.writer, stream.Options{
		StaleAfter:    cfg.AIStaleAfter,
		SweepInterval: cfg.AISweepInterval,
		Logger:        logger,
	})
	return s, nil
}

// Start connects the bus and launches the writer and stream sweeper.
func (s *Server) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.bus.Start(ctx)
	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		s.writer.Run(s.ctx)
	}()
	go func() {
		defer s.workers.Done()
		s.streams.Run(s.ctx)
	}()
	s.logger.Info("server started", zap.String("instance", s.cfg.InstanceID))
}

// Shutdown ends every connection silently, flushes the writer and closes the
// bus. Participants keep their room membership so they can resume on
// another process.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	ended := chat.NewEvent(chat.EventSessionEnded, "", chat.SessionEndedPayload{
		Reason:  chat.ReasonServerShutdown,
		Message: "server is restarting, reconnect shortly",
	})
	s.mu.Lock()
	for client := range s.clients {
		client.terminate(causeShutdown, websocket.CloseGoingAway, chat.ReasonServerShutdown, &ended)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("connections still closing: %w", ctx.Err())
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.workers.Wait()
	s.loader.Wait()
	if cerr := s.bus.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.logger.Info("server stopped", zap.String("instance", s.cfg.InstanceID))
	return err
}

// Healthy reports whether the bus transport answered its last health check.
func (s *Server) Healthy() bool { return s.bus.Healthy() }

// InstanceID names this process on the bus.
func (s *Server) InstanceID() string { return s.cfg.InstanceID }

// MetricsHandler exposes the Prometheus collectors.
func (s *Server) MetricsHandler() *Metrics { return s.metrics }

func (s *Server) track(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.clients[client] = struct{}{}
	s.conns.Add(1)
	return true
}

func (s *Server) forget(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		s.conns.Done()
	}
}

// activate authenticates client and makes it the user's only active
// connection, handing off any previous one.
func (s *Server) activate(client *Client, token string) bool {
	client.setState(StateAuthenticating)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
	defer cancel()

	identity, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		s.metrics.Connect("rejected")
		final := chat.NewErrorEvent(chat.ActionAuth, err)
		client.terminate(causeAuth, CloseUnauthorized, "unauthorized", &final)
		s.logger.Info("authentication failed", zap.String("remote", client.remote), zap.Error(err))
		return false
	}
	client.identity = identity
	if err := s.store.UpsertUser(ctx, identity.Summary()); err != nil {
		s.logger.Warn("record user", zap.String("user", identity.UserID), zap.Error(err))
	}

	client.mu.Lock()
	client.state = StateActive
	client.lastRefresh = time.Now()
	client.mu.Unlock()

	if prev := s.presence.Claim(client); prev != nil {
		s.metrics.Handoff("local")
		s.logger.Info("duplicate login, handing off",
			zap.String("user", identity.UserID), zap.String("prior", prev.id), zap.String("conn", client.id))
		prev.beginHandoff(s.cfg.HandoffGrace)
	}
	prior, err := s.sessions.ClaimConnection(ctx, identity.UserID, client.holder())
	if err != nil {
		s.logger.Warn("claim connection record", zap.String("user", identity.UserID), zap.Error(err))
	}
	if prior != nil && prior.InstanceID != s.cfg.InstanceID {
		s.metrics.Handoff("remote")
		s.publishControl(ctx, takeoverNotice{
			UserID:     identity.UserID,
			ConnID:     prior.ConnID,
			InstanceID: prior.InstanceID,
			ByConnID:   client.id,
		})
	}
	s.metrics.Connect("ok")
	s.metrics.SetUsers(s.presence.ActiveCount())
	client.sendEvent(chat.NewEvent(chat.EventConnected, "", chat.ConnectedPayload{
		UserID:     identity.UserID,
		Name:       identity.Summary().Name,
		SessionID:  identity.SessionID,
		InstanceID: s.cfg.InstanceID,
	}))
	return true
}

const controlTakeover = "takeover"

// takeoverNotice asks the process holding ConnID to hand it off.
type takeoverNotice struct {
	UserID     string `json:"userId"`
	ConnID     string `json:"connId"`
	InstanceID string `json:"instanceId"`
	ByConnID   string `json:"byConnId"`
}

func (s *Server) publishControl(ctx context.Context, notice takeoverNotice) {
	ev := chat.NewEvent(controlTakeover, "", notice)
	if err := s.bus.Publish(ctx, bus.TopicControl, ev); err != nil {
		s.logger.Warn("takeover notice lost", zap.String("user", notice.UserID), zap.Error(err))
	}
}

// route runs on the bus goroutine and must not block.
func (s *Server) route(env bus.Envelope) {
	switch {
	case env.Topic == bus.TopicControl:
		s.handleControl(env)
	case env.Topic == bus.TopicRooms:
		payload, err := json.Marshal(env.Event)
		if err != nil {
			return
		}
		delivered := 0
		for _, client := range s.presence.All() {
			if client.enqueue(payload) {
				delivered++
			}
		}
		s.metrics.Fanout("global", delivered)
	default:
		roomID, ok := bus.RoomID(env.Topic)
		if !ok {
			return
		}
		payload, err := json.Marshal(env.Event)
		if err != nil {
			return
		}
		if !s.hub.deliver(roomID, payload) {
			s.logger.Debug("room event not delivered", zap.String("room", roomID), zap.String("event", env.Event.Name))
		}
	}
}

func (s *Server) handleControl(env bus.Envelope) {
	if env.Event.Name != controlTakeover {
		return
	}
	var notice takeoverNotice
	if err := env.Event.Decode(&notice); err != nil || notice.InstanceID != s.cfg.InstanceID {
		return
	}
	client := s.presence.Lookup(notice.UserID)
	if client == nil || client.id != notice.ConnID {
		return
	}
	s.logger.Info("duplicate login on another process, handing off",
		zap.String("user", notice.UserID), zap.String("conn", client.id), zap.String("origin", env.Origin))
	client.beginHandoff(s.cfg.HandoffGrace)
}

// onFlushed broadcasts messages once they are durable.
func (s *Server) onFlushed(ctx context.Context, msgs []chat.Message) {
	for _, msg := range msgs {
		if err := s.bus.PublishRoom(ctx, msg.RoomID, chat.NewEvent(chat.EventMessage, msg.RoomID, msg)); err != nil {
			s.logger.Warn("message broadcast lost", zap.String("room", msg.RoomID), zap.String("message", msg.ID), zap.Error(err))
		}
	}
}
