package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	intrnl "roomcast/internal"
	"roomcast/internal/auth"
	"roomcast/internal/bus"
	"roomcast/internal/cache"
	"roomcast/internal/session"
	"roomcast/internal/storage"
	"roomcast/internal/storage/mongostore"
	"roomcast/internal/stream"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	chat     *intrnl.Server
	store    storage.Backend
	rdb      redis.UniversalClient
	verifier *auth.Verifier
	logger   *zap.Logger
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
	err      error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop ends every websocket session, drains the write pipeline and then
// shuts the HTTP listener down, all within the ctx deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		if ctx == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		err := h.chat.Shutdown(ctx)
		if herr := h.server.Shutdown(ctx); herr != nil && err == nil {
			err = herr
		}
		h.stopErr = err
	})
	return h.stopErr
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the store, Redis and the bus transport, wires the chat
// server and starts serving in the background. Call Stop/Wait to manage its
// lifecycle; cancelling ctx also stops it.
func RunServer(ctx context.Context, cfg Config, logger *zap.Logger) (*ServerHandle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Path = NormalizePath(cfg.Path)

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rdb, err := OpenRedis(ctx, cfg.Redis)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cleanup := func() {
		_ = rdb.Close()
		_ = store.Close()
	}

	verifier, err := newVerifier(ctx, cfg.Auth, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	sessions := session.New(rdb, cfg.Session.TTL)

	var transport bus.Transport
	switch cfg.Bus.Transport {
	case "nats":
		transport, err = bus.NewNATSTransport(cfg.Bus.NATSURL, cfg.InstanceID, logger)
		if err != nil {
			verifier.Close()
			cleanup()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
	default:
		transport = bus.NewRedisTransport(ctx, rdb, logger)
	}

	var generator stream.Generator
	if cfg.AI.OllamaURL != "" {
		gen, err := stream.NewOllamaGenerator(cfg.AI.OllamaURL, cfg.AI.Model, &http.Client{})
		if err != nil {
			_ = transport.Close()
			verifier.Close()
			cleanup()
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		generator = gen
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	chatServer, err := intrnl.NewServer(serverConfig(cfg), intrnl.Deps{
		Store: store,
		Cache: cache.New(rdb, cache.Options{
			MessageTTL: cfg.Cache.MessageTTL,
			SummaryTTL: cfg.Cache.SummaryTTL,
			IndexSize:  cfg.Cache.IndexSize,
		}),
		Sessions:   sessions,
		Auth:       auth.NewAuthenticator(verifier, sessions, cfg.Session.ValidateTimeout),
		Transport:  transport,
		Generator:  generator,
		Registerer: registry,
		Gatherer:   registry,
		Logger:     logger,
	})
	if err != nil {
		_ = transport.Close()
		verifier.Close()
		cleanup()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = transport.Close()
		verifier.Close()
		cleanup()
		return nil, fmt.Errorf("listen: %w", err)
	}
	chatServer.Start(ctx)

	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Path, chatServer)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	handle := &ServerHandle{
		addr:     listener.Addr().String(),
		server:   httpServer,
		chat:     chatServer,
		store:    store,
		rdb:      rdb,
		verifier: verifier,
		logger:   logger,
		done:     make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	logger.Info("roomcast listening",
		zap.String("addr", handle.addr),
		zap.String("path", cfg.Path),
		zap.String("instance", cfg.InstanceID),
		zap.String("transport", cfg.Bus.Transport),
		zap.String("store", cfg.Store.Driver),
	)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	// Serve returns as soon as Shutdown starts; wait for the drain to finish
	// before the store goes away.
	if stopErr := h.Stop(context.Background()); stopErr != nil {
		h.logger.Warn("chat shutdown error", zap.Error(stopErr))
	}
	h.verifier.Close()
	if err := h.rdb.Close(); err != nil {
		h.logger.Warn("redis close error", zap.Error(err))
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close error", zap.Error(err))
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/healthz", server.HandleHealth)
	mux.HandleFunc("/rooms", server.HandleRooms)
	mux.Handle("/metrics", server.MetricsHandler())
}

func serverConfig(cfg Config) intrnl.Config {
	return intrnl.Config{
		InstanceID:         cfg.InstanceID,
		HandoffGrace:       cfg.Session.HandoffGrace,
		AuthTimeout:        cfg.Session.ValidateTimeout,
		SessionRefresh:     cfg.Session.RefreshInterval,
		SubscribeTimeout:   cfg.Bus.SubscribeTimeout,
		HealthInterval:     cfg.Bus.HealthInterval,
		MaxRoomsSubscribed: cfg.Limits.MaxRoomsSubscribed,
		MessagesPerSecond:  cfg.Limits.MessagesPerSecond,
		Burst:              cfg.Limits.Burst,
		ConnectsPerMinute:  cfg.Limits.ConnectsPerMinute,
		MaxContent:         cfg.Limits.MaxContentBytes,
		BatchSize:          cfg.Writer.BatchSize,
		FlushInterval:      cfg.Writer.FlushInterval,
		MaxBuffer:          cfg.Writer.MaxBuffer,
		AIKinds:            cfg.AI.Kinds,
		AIStaleAfter:       cfg.AI.StaleAfter,
		AISweepInterval:    cfg.AI.SweepInterval,
	}
}

// OpenStore opens and migrates the configured durable store.
func OpenStore(ctx context.Context, cfg StoreConfig) (storage.Backend, error) {
	var (
		store storage.Backend
		err   error
	)
	switch cfg.Driver {
	case "mongo":
		store, err = mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
	default:
		if isFilePath(cfg.DSN) {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o700); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		store, err = storage.NewStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func isFilePath(dsn string) bool {
	return dsn != "" && !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, "sqlite://") && !strings.HasPrefix(dsn, ":memory:")
}

// OpenRedis builds the shared Redis client and checks it answers.
func OpenRedis(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      cfg.Addrs,
		MasterName: cfg.MasterName,
		Password:   cfg.Password,
		DB:         cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %v: %w", cfg.Addrs, err)
	}
	return rdb, nil
}

func newVerifier(ctx context.Context, cfg AuthConfig, logger *zap.Logger) (*auth.Verifier, error) {
	if cfg.JWKSURL != "" {
		return auth.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.Issuer, logger)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret or auth.jwks_url is required")
	}
	return auth.NewHMACVerifier([]byte(cfg.JWTSecret), cfg.Issuer), nil
}

// IssueDevToken creates a session for userID and signs a credential naming
// it. It only works with a shared-secret verifier.
func IssueDevToken(ctx context.Context, cfg Config, userID, name, email string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is required to issue tokens")
	}
	if ttl <= 0 {
		ttl = cfg.Session.TTL
	}
	rdb, err := OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return "", err
	}
	defer rdb.Close()
	return issueToken(ctx, session.New(rdb, cfg.Session.TTL), cfg.Auth, userID, name, email, ttl)
}

func issueToken(ctx context.Context, sessions *session.Store, cfg AuthConfig, userID, name, email string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	sess, err := sessions.Create(ctx, userID, map[string]any{"name": name, "email": email})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return auth.NewIssuer([]byte(cfg.JWTSecret), cfg.Issuer).Issue(auth.Identity{
		UserID:    userID,
		SessionID: sess.SessionID,
		Name:      name,
		Email:     email,
	}, ttl)
}
