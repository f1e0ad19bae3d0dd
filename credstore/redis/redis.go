// Package redis provides a Redis-backed vcs.CredentialStore so that several
// processes working against the same servers share one login.
//
// Secrets are stored as-is; deploy it only against a Redis instance that is
// trusted with them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/vcs-session-go/vcs"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis credential store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client
	// KeyPrefix is the prefix for all Redis keys. Default: "vcs:credentials:"
	KeyPrefix string
	// TTL expires stored credentials. Zero keeps them until forgotten.
	TTL time.Duration
	// Prompt answers InteractiveCredentials. Nil means every request is declined.
	Prompt vcs.CredentialPrompt
}

// envConfig holds the settings NewFromEnv reads from the environment.
type envConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: VCS_CREDENTIALS_KEY_PREFIX
	KeyPrefix string `env:"VCS_CREDENTIALS_KEY_PREFIX,default=vcs:credentials:"`
	// TTL for stored credentials. ENV: VCS_CREDENTIALS_TTL
	TTL time.Duration `env:"VCS_CREDENTIALS_TTL,default=12h"`
}

// Store implements vcs.CredentialStore using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	prompt    vcs.CredentialPrompt
}

var (
	_ vcs.CredentialStore     = (*Store)(nil)
	_ vcs.CredentialForgetter = (*Store)(nil)
)

// storedItem represents the structure stored in Redis.
type storedItem struct {
	Secret    []byte     `json:"secret"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-backed credential store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "vcs:credentials:"
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
		prompt:    config.Prompt,
	}, nil
}

// NewFromEnv connects to REDIS_ADDR and builds a Store from VCS_CREDENTIALS_* settings.
func NewFromEnv(prompt vcs.CredentialPrompt) (*Store, error) {
	var ec envConfig
	// Use envdecode; defaults are provided via struct tags.
	if err := envdecode.StrictDecode(&ec); err != nil {
		return nil, fmt.Errorf("decode credential store config from env: %w", err)
	}
	if ec.RedisAddr == "" {
		ec.RedisAddr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: ec.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: ec.KeyPrefix, TTL: ec.TTL, Prompt: prompt})
}

// CachedCredentials returns the stored credentials for id, or nil.
func (s *Store) CachedCredentials(ctx context.Context, id vcs.ServerIdentity) (*vcs.Credentials, error) {
	key := s.key(id)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored credentials: %w", err)
	}
	if item.ExpiresAt != nil && time.Now().After(*item.ExpiresAt) {
		s.client.Del(ctx, key)
		return nil, nil
	}
	return &vcs.Credentials{Secret: item.Secret}, nil
}

// InteractiveCredentials asks the configured prompt and stores a non-nil answer.
func (s *Store) InteractiveCredentials(ctx context.Context, id vcs.ServerIdentity) (*vcs.Credentials, error) {
	if s.prompt == nil {
		return nil, nil
	}
	creds, err := s.prompt(ctx, id)
	if err != nil || creds == nil {
		return nil, err
	}
	if err := s.Store(ctx, id, *creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// Store saves creds for id, replacing any previous value.
func (s *Store) Store(ctx context.Context, id vcs.ServerIdentity, creds vcs.Credentials) error {
	now := time.Now()
	item := storedItem{Secret: creds.Secret, CreatedAt: now}
	var redisTTL time.Duration
	if s.ttl > 0 {
		expiresAt := now.Add(s.ttl)
		item.ExpiresAt = &expiresAt
		redisTTL = s.ttl
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	key := s.key(id)
	if err := s.client.Set(ctx, key, data, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Forget deletes the stored credentials for id.
func (s *Store) Forget(ctx context.Context, id vcs.ServerIdentity) error {
	key := s.key(id)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id vcs.ServerIdentity) string {
	proto := id.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return s.keyPrefix + proto + ":" + id.Host + ":" + strconv.Itoa(id.Port) + ":" + string(id.AuthMethod) + ":" + id.Username
}
