package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server process parameters.
type Config struct {
	Addr                string        `mapstructure:"addr"`
	Path                string        `mapstructure:"path"`
	InstanceID          string        `mapstructure:"instance_id"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Store               StoreConfig   `mapstructure:"store"`
	Redis               RedisConfig   `mapstructure:"redis"`
	Bus                 BusConfig     `mapstructure:"bus"`
	Writer              WriterConfig  `mapstructure:"writer"`
	Cache               CacheConfig   `mapstructure:"cache"`
	Session             SessionConfig `mapstructure:"session"`
	Auth                AuthConfig    `mapstructure:"auth"`
	AI                  AIConfig      `mapstructure:"ai"`
	Limits              LimitsConfig  `mapstructure:"limits"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// RedisConfig is shared by the session store, the cache and the redis bus.
type RedisConfig struct {
	Addrs      []string `mapstructure:"addrs"`
	MasterName string   `mapstructure:"master_name"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
}

type BusConfig struct {
	Transport        string        `mapstructure:"transport"`
	NATSURL          string        `mapstructure:"nats_url"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
}

type WriterConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBuffer     int           `mapstructure:"max_buffer"`
}

type CacheConfig struct {
	MessageTTL time.Duration `mapstructure:"message_ttl"`
	SummaryTTL time.Duration `mapstructure:"summary_ttl"`
	IndexSize  int64         `mapstructure:"index_size"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	HandoffGrace    time.Duration `mapstructure:"handoff_grace"`
	ValidateTimeout time.Duration `mapstructure:"validate_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// AuthConfig picks the credential verifier: a JWKS url wins over a shared secret.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWKSURL   string `mapstructure:"jwks_url"`
	Issuer    string `mapstructure:"issuer"`
}

// AIConfig enables streamed replies when OllamaURL is set.
type AIConfig struct {
	OllamaURL     string        `mapstructure:"ollama_url"`
	Model         string        `mapstructure:"model"`
	Kinds         []string      `mapstructure:"kinds"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LimitsConfig struct {
	MessagesPerSecond  float64 `mapstructure:"messages_per_second"`
	Burst              int     `mapstructure:"burst"`
	ConnectsPerMinute  int     `mapstructure:"connects_per_minute"`
	MaxContentBytes    int     `mapstructure:"max_content_bytes"`
	MaxRoomsSubscribed int     `mapstructure:"max_rooms_subscribed"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Token     string
	RoomID    string
	Password  string
}

const (
	defaultAddr                = ":8080"
	defaultPath                = "/ws"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultIssuer              = "roomcast"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with ROOMCAST_ and override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROOMCAST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("addr", defaultAddr)
	v.SetDefault("path", defaultPath)
	v.SetDefault("instance_id", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", DefaultDBPath())
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "roomcast")
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.master_name", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("bus.transport", "redis")
	v.SetDefault("bus.nats_url", "nats://localhost:4222")
	v.SetDefault("bus.subscribe_timeout", "3s")
	v.SetDefault("bus.health_interval", "5s")
	v.SetDefault("writer.batch_size", 100)
	v.SetDefault("writer.flush_interval", "100ms")
	v.SetDefault("writer.max_buffer", 10000)
	v.SetDefault("cache.message_ttl", "24h")
	v.SetDefault("cache.summary_ttl", "1h")
	v.SetDefault("cache.index_size", 500)
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.handoff_grace", "10s")
	v.SetDefault("session.validate_timeout", "5s")
	v.SetDefault("session.refresh_interval", "30s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.issuer", defaultIssuer)
	v.SetDefault("ai.ollama_url", "")
	v.SetDefault("ai.model", "llama3.2")
	v.SetDefault("ai.kinds", []string{"assistant", "summarize"})
	v.SetDefault("ai.stale_after", "2m")
	v.SetDefault("ai.sweep_interval", "30s")
	v.SetDefault("limits.messages_per_second", 5)
	v.SetDefault("limits.burst", 10)
	v.SetDefault("limits.connects_per_minute", 60)
	v.SetDefault("limits.max_content_bytes", 8192)
	v.SetDefault("limits.max_rooms_subscribed", 10000)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Path = NormalizePath(cfg.Path)
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = defaultShutdownGracePeriod
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = defaultIssuer
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "mongo":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or mongo, got %q", c.Store.Driver))
	}
	switch c.Bus.Transport {
	case "redis", "nats":
	default:
		errs = append(errs, fmt.Errorf("bus.transport must be redis or nats, got %q", c.Bus.Transport))
	}
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is required"))
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("one of auth.jwt_secret or auth.jwks_url is required"))
	}
	return errors.Join(errs...)
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomcast", "roomcast.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "roomcast", "roomcast.db")
	}
	return filepath.Join(".", ".roomcast", "roomcast.db")
}

// NormalizePath guarantees the websocket path starts with '/' and falls back
// to /ws when empty.
func NormalizePath(path string) string {
	if path == "" {
		return defaultPath
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "roomcast"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
