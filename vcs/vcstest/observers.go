package vcstest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/vcs-session-go/vcs"
)

// EventKind names a recorded notification.
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventBindingsReloaded EventKind = "bindings-reloaded"
	EventProblem          EventKind = "configuration-problem"
)

// Event is one recorded notification.
type Event struct {
	Kind     EventKind
	Identity vcs.ServerIdentity
	Problems []vcs.ConfigurationProblem
}

// Recorder is a Notifier and ProblemNotifier that records every event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var (
	_ vcs.Notifier        = (*Recorder)(nil)
	_ vcs.ProblemNotifier = (*Recorder)(nil)
)

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) OnConnected(_ context.Context, id vcs.ServerIdentity) {
	r.add(Event{Kind: EventConnected, Identity: id})
}

func (r *Recorder) OnDisconnected(_ context.Context, id vcs.ServerIdentity) {
	r.add(Event{Kind: EventDisconnected, Identity: id})
}

func (r *Recorder) OnBindingsReloaded(_ context.Context, id vcs.ServerIdentity) {
	r.add(Event{Kind: EventBindingsReloaded, Identity: id})
}

func (r *Recorder) OnConfigurationProblem(_ context.Context, id vcs.ServerIdentity, problems []vcs.ConfigurationProblem) {
	r.add(Event{Kind: EventProblem, Identity: id, Problems: append([]vcs.ConfigurationProblem(nil), problems...)})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Prompt is a scripted DecisionPrompt. When Gate is non-nil every call blocks
// until Gate is closed (or the context ends) before answering.
type Prompt struct {
	Decision vcs.Decision
	Err      error
	Gate     chan struct{}
	// Entered, when non-nil, receives a value as each call starts.
	Entered chan struct{}

	calls atomic.Int32
}

var _ vcs.DecisionPrompt = (*Prompt)(nil)

func (p *Prompt) AskRetryOrOffline(ctx context.Context, id vcs.ServerIdentity) (vcs.Decision, error) {
	p.calls.Add(1)
	if p.Entered != nil {
		select {
		case p.Entered <- struct{}{}:
		default:
		}
	}
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
			return vcs.DecisionWorkOffline, ctx.Err()
		}
	}
	return p.Decision, p.Err
}

// Calls returns the number of prompts issued.
func (p *Prompt) Calls() int { return int(p.calls.Load()) }

// Credentials is a scripted CredentialStore. Cached is returned by
// CachedCredentials until Forget is called; Interactive answers are consumed
// in order and a nil entry (or an exhausted list) means the user declined.
type Credentials struct {
	mu          sync.Mutex
	Cached      *vcs.Credentials
	Interactive []*vcs.Credentials

	cachedCalls      int
	interactiveCalls int
	forgets          int
}

var (
	_ vcs.CredentialStore     = (*Credentials)(nil)
	_ vcs.CredentialForgetter = (*Credentials)(nil)
)

func (c *Credentials) CachedCredentials(context.Context, vcs.ServerIdentity) (*vcs.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cachedCalls++
	return c.Cached.Clone(), nil
}

func (c *Credentials) InteractiveCredentials(context.Context, vcs.ServerIdentity) (*vcs.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interactiveCalls++
	if len(c.Interactive) == 0 {
		return nil, nil
	}
	next := c.Interactive[0]
	c.Interactive = c.Interactive[1:]
	return next.Clone(), nil
}

func (c *Credentials) Forget(context.Context, vcs.ServerIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgets++
	c.Cached = nil
	return nil
}

func (c *Credentials) InteractiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interactiveCalls
}

func (c *Credentials) Forgets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forgets
}

// Secret is shorthand for building credentials in tests.
func Secret(s string) *vcs.Credentials { return &vcs.Credentials{Secret: []byte(s)} }
