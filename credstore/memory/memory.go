// Package memory provides an in-process vcs.CredentialStore backed by
// github.com/hashicorp/golang-lru/v2, with optional expiry of cached secrets.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/vcs-session-go/vcs"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config configures the in-memory store.
type Config struct {
	// MaxItems bounds the number of cached identities. Default: 128.
	MaxItems int
	// TTL expires cached credentials. Zero keeps them until evicted or forgotten.
	TTL time.Duration
	// Prompt answers InteractiveCredentials. Nil means every request is declined.
	Prompt vcs.CredentialPrompt
}

// Store caches credentials per server identity. Secrets are zeroed when they
// are evicted, expire or are forgotten; callers always receive a copy.
type Store struct {
	mu     sync.RWMutex
	cache  *lru.Cache[vcs.ServerIdentity, *item]
	ttl    time.Duration
	prompt vcs.CredentialPrompt
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type item struct {
	creds     *vcs.Credentials
	expiresAt time.Time
}

func (i *item) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

var (
	_ vcs.CredentialStore     = (*Store)(nil)
	_ vcs.CredentialForgetter = (*Store)(nil)
)

// New creates a new in-memory credential store.
func New(cfg Config) (*Store, error) {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 128
	}
	cache, err := lru.NewWithEvict(cfg.MaxItems, func(_ vcs.ServerIdentity, it *item) {
		it.creds.Clear()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Store{
		cache:  cache,
		ttl:    cfg.TTL,
		prompt: cfg.Prompt,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if s.ttl > 0 {
		go s.cleanupExpired(s.ttl)
	}
	return s, nil
}

// CachedCredentials returns a copy of the cached credentials for id, or nil.
func (s *Store) CachedCredentials(ctx context.Context, id vcs.ServerIdentity) (*vcs.Credentials, error) {
	s.mu.RLock()
	it, ok := s.cache.Get(id)
	if ok && !it.expired(s.now()) {
		out := it.creds.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	if ok {
		s.mu.Lock()
		// Re-check: a concurrent Store may have replaced the expired entry.
		if cur, found := s.cache.Peek(id); found && cur.expired(s.now()) {
			s.cache.Remove(id)
		}
		s.mu.Unlock()
	}
	return nil, nil
}

// InteractiveCredentials asks the configured prompt and caches a non-nil answer.
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

// Store caches a copy of creds for id.
func (s *Store) Store(ctx context.Context, id vcs.ServerIdentity, creds vcs.Credentials) error {
	it := &item{creds: creds.Clone()}
	if s.ttl > 0 {
		it.expiresAt = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.cache.Add(id, it)
	s.mu.Unlock()
	return nil
}

// Forget drops and zeroes the cached credentials for id.
func (s *Store) Forget(ctx context.Context, id vcs.ServerIdentity) error {
	s.mu.Lock()
	s.cache.Remove(id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of cached identities, including expired ones not yet swept.
func (s *Store) Len() int { return s.cache.Len() }

// Close stops the background sweeper and zeroes every cached secret.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range s.cache.Keys() {
		if it, ok := s.cache.Peek(id); ok && it.expired(now) {
			s.cache.Remove(id)
		}
	}
}

// cleanupExpired periodically removes expired entries until Close.
func (s *Store) cleanupExpired(every time.Duration) {
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
