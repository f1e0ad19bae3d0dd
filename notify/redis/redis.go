// Package redis relays connection events between processes over a Redis
// Stream. A Bus publishes the events of its own process and replays the
// events of every other process into a local vcs.Notifier.
//
// Relay must deliver into observers that do not themselves publish to the
// Bus, otherwise two processes would echo each other's events forever:
//
//	local := &notify.Fanout{}          // UI observers only
//	fan := &notify.Fanout{}
//	fan.Add(local)
//	fan.Add(bus)                       // outbound
//	go bus.Relay(ctx, local, "")       // inbound
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/vcs-session-go/notify"
	"github.com/ggoodman/vcs-session-go/vcs"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis event bus.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to the stream key. Defaults to "vcs:events:".
	KeyPrefix string
	// MaxLen approximately caps the stream length. Defaults to 1000.
	MaxLen int64
	Logger *slog.Logger
}

type envConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for the stream key. ENV: VCS_EVENTS_KEY_PREFIX
	KeyPrefix string `env:"VCS_EVENTS_KEY_PREFIX,default=vcs:events:"`
}

// Bus is a vcs.Notifier that publishes to a Redis Stream.
type Bus struct {
	client    redis.UniversalClient
	streamKey string
	origin    string
	maxLen    int64
	log       *slog.Logger
}

var (
	_ vcs.Notifier        = (*Bus)(nil)
	_ vcs.ProblemNotifier = (*Bus)(nil)
)

// New creates a new Redis-backed event bus.
func New(config Config) *Bus {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "vcs:events:"
	}
	maxLen := config.MaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		client:    client,
		streamKey: keyPrefix + "stream",
		origin:    uuid.NewString(),
		maxLen:    maxLen,
		log:       log,
	}
}

// NewFromEnv builds a Bus using envdecode and verifies the server is reachable.
func NewFromEnv() (*Bus, error) {
	var ec envConfig
	// Use envdecode; defaults are provided via struct tags.
	if err := envdecode.StrictDecode(&ec); err != nil {
		return nil, fmt.Errorf("decode event bus config from env: %w", err)
	}
	if ec.RedisAddr == "" {
		ec.RedisAddr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: ec.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: ec.KeyPrefix}), nil
}

// Origin identifies the events published by this Bus.
func (b *Bus) Origin() string { return b.origin }

// Close closes the Redis connection.
func (b *Bus) Close() error { return b.client.Close() }

// Publish appends e to the stream and returns its stream id.
func (b *Bus) Publish(ctx context.Context, e notify.Event) (string, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"origin": b.origin,
			"data":   data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event to stream %s: %w", b.streamKey, err)
	}
	return id, nil
}

func (b *Bus) publish(ctx context.Context, e notify.Event) {
	if _, err := b.Publish(ctx, e); err != nil {
		b.log.WarnContext(ctx, "event relay publish failed", slog.String("kind", string(e.Kind)), slog.String("err", err.Error()))
	}
}

func (b *Bus) OnConnected(ctx context.Context, id vcs.ServerIdentity) {
	b.publish(ctx, notify.Event{Kind: notify.KindConnected, Server: id})
}

func (b *Bus) OnDisconnected(ctx context.Context, id vcs.ServerIdentity) {
	b.publish(ctx, notify.Event{Kind: notify.KindDisconnected, Server: id})
}

func (b *Bus) OnBindingsReloaded(ctx context.Context, id vcs.ServerIdentity) {
	b.publish(ctx, notify.Event{Kind: notify.KindBindingsReloaded, Server: id})
}

func (b *Bus) OnConfigurationProblem(ctx context.Context, id vcs.ServerIdentity, problems []vcs.ConfigurationProblem) {
	b.publish(ctx, notify.Event{Kind: notify.KindProblem, Server: id, Problems: problems})
}

// Relay replays events published by other processes into local until ctx
// ends. If lastEventID is empty, relaying starts from the next published
// event; otherwise it resumes after that id ("0" replays the whole stream).
func (b *Bus) Relay(ctx context.Context, local vcs.Notifier, lastEventID string) error {
	startID := "$"
	if lastEventID != "" {
		startID = lastEventID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.streamKey, startID},
			Count:   16,
			Block:   time.Second, // Block for 1 second, then check context
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", b.streamKey, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID
				if origin, _ := msg.Values["origin"].(string); origin == b.origin {
					continue
				}
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				var e notify.Event
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					b.log.DebugContext(ctx, "skipping malformed relayed event", slog.String("id", msg.ID), slog.String("err", err.Error()))
					continue
				}
				notify.Dispatch(ctx, local, e)
			}
		}
	}
}
