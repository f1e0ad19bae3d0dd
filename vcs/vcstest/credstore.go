package vcstest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/vcs-session-go/vcs"
)

// CredentialCache is the surface shared by the credential store implementations.
type CredentialCache interface {
	vcs.CredentialStore
	vcs.CredentialForgetter
	Store(ctx context.Context, id vcs.ServerIdentity, creds vcs.Credentials) error
}

// CredentialCacheFactory creates a fresh, empty cache whose interactive
// lookups are answered by prompt.
type CredentialCacheFactory func(t *testing.T, prompt vcs.CredentialPrompt) CredentialCache

// RunCredentialStoreTests runs the complete credential store suite against the provided factory.
func RunCredentialStoreTests(t *testing.T, factory CredentialCacheFactory) {
	t.Run("Cached_MissReturnsNil", func(t *testing.T) { testCachedMiss(t, factory) })
	t.Run("Cached_StoreThenLoad", func(t *testing.T) { testStoreThenLoad(t, factory) })
	t.Run("Cached_IsolationBetweenIdentities", func(t *testing.T) { testIdentityIsolation(t, factory) })
	t.Run("Cached_ReturnedCopyIsIndependent", func(t *testing.T) { testReturnedCopyIndependent(t, factory) })
	t.Run("Forget_RemovesCachedCredentials", func(t *testing.T) { testForget(t, factory) })
	t.Run("Interactive_AcceptedIsCached", func(t *testing.T) { testInteractiveAccepted(t, factory) })
	t.Run("Interactive_DeclinedIsNotCached", func(t *testing.T) { testInteractiveDeclined(t, factory) })
}

var (
	identityA = vcs.ServerIdentity{Protocol: "tcp", Host: "perforce-a", Port: 1666, AuthMethod: vcs.AuthPassword, Username: "alice"}
	identityB = vcs.ServerIdentity{Protocol: "tcp", Host: "perforce-b", Port: 1666, AuthMethod: vcs.AuthPassword, Username: "alice"}
)

func declined(context.Context, vcs.ServerIdentity) (*vcs.Credentials, error) { return nil, nil }

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testCachedMiss(t *testing.T, factory CredentialCacheFactory) {
	c := factory(t, declined)
	got, err := c.CachedCredentials(testCtx(t), identityA)
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no credentials, got %q", got.Secret)
	}
}

func testStoreThenLoad(t *testing.T, factory CredentialCacheFactory) {
	ctx := testCtx(t)
	c := factory(t, declined)
	if err := c.Store(ctx, identityA, vcs.Credentials{Secret: []byte("hunter2")}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	got, err := c.CachedCredentials(ctx, identityA)
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if got == nil || string(got.Secret) != "hunter2" {
		t.Fatalf("expected stored secret, got %v", got)
	}
}

func testIdentityIsolation(t *testing.T, factory CredentialCacheFactory) {
	ctx := testCtx(t)
	c := factory(t, declined)
	if err := c.Store(ctx, identityA, vcs.Credentials{Secret: []byte("a-secret")}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	got, err := c.CachedCredentials(ctx, identityB)
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if got != nil {
		t.Fatalf("identity B must not see identity A's credentials")
	}
}

func testReturnedCopyIndependent(t *testing.T, factory CredentialCacheFactory) {
	ctx := testCtx(t)
	c := factory(t, declined)
	if err := c.Store(ctx, identityA, vcs.Credentials{Secret: []byte("hunter2")}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	first, err := c.CachedCredentials(ctx, identityA)
	if err != nil || first == nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	first.Clear()
	second, err := c.CachedCredentials(ctx, identityA)
	if err != nil || second == nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if string(second.Secret) != "hunter2" {
		t.Fatalf("clearing a returned copy corrupted the cache: %q", second.Secret)
	}
}

func testForget(t *testing.T, factory CredentialCacheFactory) {
	ctx := testCtx(t)
	c := factory(t, declined)
	if err := c.Store(ctx, identityA, vcs.Credentials{Secret: []byte("hunter2")}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := c.Forget(ctx, identityA); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	got, err := c.CachedCredentials(ctx, identityA)
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected forgotten credentials to be gone")
	}
	// Forgetting an unknown identity is not an error.
	if err := c.Forget(ctx, identityB); err != nil {
		t.Fatalf("forget of unknown identity failed: %v", err)
	}
}

func testInteractiveAccepted(t *testing.T, factory CredentialCacheFactory) {
	ctx := testCtx(t)
	var calls atomic.Int32
	c := factory(t, func(ctx context.Context, id vcs.ServerIdentity) (*vcs.Credentials, error) {
		calls.Add(1)
		return &vcs.Credentials{Secret: []byte("typed")}, nil
	})
	got, err := c.InteractiveCredentials(ctx, identityA)
	if err != nil {
		t.Fatalf("interactive lookup failed: %v", err)
	}
	if got == nil || string(got.Secret) != "typed" {
		t.Fatalf("expected prompted secret, got %v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 prompt, got %d", calls.Load())
	}
	cached, err := c.CachedCredentials(ctx, identityA)
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if cached == nil || string(cached.Secret) != "typed" {
		t.Fatalf("expected prompted secret to be cached, got %v", cached)
	}
}

func testInteractiveDeclined(t *testing.T, factory CredentialCacheFactory) {
	ctx := testCtx(t)
	c := factory(t, declined)
	got, err := c.InteractiveCredentials(ctx, identityA)
	if err != nil {
		t.Fatalf("interactive lookup failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected declined prompt to return nil")
	}
	cached, err := c.CachedCredentials(ctx, identityA)
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if cached != nil {
		t.Fatalf("declined prompt must not populate the cache")
	}
}
