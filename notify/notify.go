// Package notify fans connection events out to any number of in-process
// observers and channel subscribers.
//
// A Fanout is itself a vcs.Notifier and vcs.ProblemNotifier, so it can be
// handed to connection.Dependencies directly:
//
//	fan := &notify.Fanout{}
//	remove := fan.Add(statusBar)
//	defer remove()
//	events := fan.Subscribe(16)
//	reg, err := connection.NewRegistry(connection.Dependencies{Factory: f, Notifier: fan})
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/vcs-session-go/vcs"
)

// Kind names the event carried by an Event.
type Kind string

const (
	KindConnected        Kind = "connected"
	KindDisconnected     Kind = "disconnected"
	KindBindingsReloaded Kind = "bindings-reloaded"
	KindProblem          Kind = "configuration-problem"
)

// Event is the serializable form of one notification.
type Event struct {
	Kind     Kind                       `json:"kind"`
	Server   vcs.ServerIdentity         `json:"server"`
	Problems []vcs.ConfigurationProblem `json:"problems,omitempty"`
	At       time.Time                  `json:"at"`
}

// Dispatch delivers e to n by calling the matching Notifier method. Problem
// events are dropped when n is not a vcs.ProblemNotifier.
func Dispatch(ctx context.Context, n vcs.Notifier, e Event) {
	switch e.Kind {
	case KindConnected:
		n.OnConnected(ctx, e.Server)
	case KindDisconnected:
		n.OnDisconnected(ctx, e.Server)
	case KindBindingsReloaded:
		n.OnBindingsReloaded(ctx, e.Server)
	case KindProblem:
		if pn, ok := n.(vcs.ProblemNotifier); ok {
			pn.OnConfigurationProblem(ctx, e.Server, e.Problems)
		}
	}
}

// Fanout is an in-process pub-sub for connection events. The zero value is
// ready to use.
type Fanout struct {
	mu          sync.RWMutex
	observers   []*observer
	subscribers []chan Event
	closed      bool
}

type observer struct{ n vcs.Notifier }

var (
	_ vcs.Notifier        = (*Fanout)(nil)
	_ vcs.ProblemNotifier = (*Fanout)(nil)
)

// Add registers n and returns a func that unregisters it.
func (f *Fanout) Add(n vcs.Notifier) (remove func()) {
	o := &observer{n: n}
	f.mu.Lock()
	if !f.closed {
		f.observers = append(f.observers, o)
	}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, cur := range f.observers {
				if cur == o {
					f.observers = append(f.observers[:i:i], f.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe returns a channel receiving every event. Delivery is best-effort:
// an event is dropped for a subscriber whose buffer is full. The channel is
// closed by Close.
func (f *Fanout) Subscribe(buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, buffer)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Publish delivers e to every observer and subscriber.
func (f *Fanout) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return
	}
	observers := f.observers
	for _, ch := range f.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
	f.mu.RUnlock()

	// Observers run outside the lock so they may Add or remove themselves.
	for _, o := range observers {
		Dispatch(ctx, o.n, e)
	}
}

func (f *Fanout) OnConnected(ctx context.Context, id vcs.ServerIdentity) {
	f.Publish(ctx, Event{Kind: KindConnected, Server: id})
}

func (f *Fanout) OnDisconnected(ctx context.Context, id vcs.ServerIdentity) {
	f.Publish(ctx, Event{Kind: KindDisconnected, Server: id})
}

func (f *Fanout) OnBindingsReloaded(ctx context.Context, id vcs.ServerIdentity) {
	f.Publish(ctx, Event{Kind: KindBindingsReloaded, Server: id})
}

func (f *Fanout) OnConfigurationProblem(ctx context.Context, id vcs.ServerIdentity, problems []vcs.ConfigurationProblem) {
	f.Publish(ctx, Event{Kind: KindProblem, Server: id, Problems: append([]vcs.ConfigurationProblem(nil), problems...)})
}

// Close drops every observer and closes every subscriber channel.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subscribers
	f.subscribers = nil
	f.observers = nil
	f.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
