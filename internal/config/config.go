// Package config loads the chat server configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the complete server configuration.
type Config struct {
	ListenAddr        string
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TypingTimeout     time.Duration

	Storage     string // postgres or memory
	DatabaseURL string
	RedisAddr   string // empty disables Redis-backed features
	NATSURL     string // empty disables event publishing
	ServerName  string

	LogLevel         string
	LogJSON          bool
	RateLimitEnabled bool

	BlockedTerms []string // message keywords and phrases to reject
	SpamChecks   []string // url, phone, char_flood, word_flood
}

// Default returns the production defaults.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "chat-1"
	}
	return Config{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		OutboundQueueSize: 256,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		TypingTimeout:     8 * time.Second,
		Storage:           StoragePostgres,
		RedisAddr:         "localhost:6379",
		NATSURL:           "nats://localhost:4222",
		ServerName:        name,
		LogLevel:          "info",
		LogJSON:           true,
		RateLimitEnabled:  true,
	}
}

// Load reads files (default ".env") into the process environment without
// overriding variables already set, then parses the environment. A missing
// default .env is not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load env file: %w", err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from defaults overridden by lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("LISTEN_ADDR", &cfg.ListenAddr)
	p.positive("WORKER_POOL_SIZE", &cfg.WorkerPoolSize)
	p.positive("MAX_CONNECTIONS", &cfg.MaxConnections)
	p.duration("READ_TIMEOUT", &cfg.ReadTimeout)
	p.duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	p.positive("OUTBOUND_QUEUE_SIZE", &cfg.OutboundQueueSize)
	p.duration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	p.duration("HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	p.duration("TYPING_TIMEOUT", &cfg.TypingTimeout)

	p.str("STORAGE", &cfg.Storage)
	p.str("DATABASE_URL", &cfg.DatabaseURL)
	p.optional("REDIS_ADDR", &cfg.RedisAddr)
	p.optional("NATS_URL", &cfg.NATSURL)
	p.str("SERVER_NAME", &cfg.ServerName)

	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.boolean("LOG_JSON", &cfg.LogJSON)
	p.boolean("RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)
	p.list("BLOCKED_TERMS", &cfg.BlockedTerms)
	p.list("SPAM_CHECKS", &cfg.SpamChecks)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when STORAGE=postgres")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("config: unknown STORAGE %q (want postgres or memory)", c.Storage)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("config: heartbeat interval and timeout must be positive")
	}
	if c.RateLimitEnabled && c.RedisAddr == "" {
		return errors.New("config: RATE_LIMIT_ENABLED requires REDIS_ADDR")
	}
	return nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

// optional lets an explicitly empty variable clear the default.
func (p *parser) optional(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (p *parser) positive(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.errs = append(p.errs, fmt.Errorf("config: %s must be a positive integer, got %q", key, v))
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("config: %s must be a positive duration, got %q", key, v))
		return
	}
	*dst = d
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s must be a boolean, got %q", key, v))
		return
	}
	*dst = b
}

// list reads a comma-separated value, dropping blank entries.
func (p *parser) list(key string, dst *[]string) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
