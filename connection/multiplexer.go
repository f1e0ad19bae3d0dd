package connection

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Multiplexer maps workspace names to ClientHandles for one server. The map
// is never mutated in place: every change installs a new map, so a reader
// always sees either the full old set or the full new set.
type Multiplexer struct {
	state *State

	mu       sync.RWMutex
	bindings map[string]*ClientHandle
}

func newMultiplexer(s *State) *Multiplexer {
	return &Multiplexer{state: s, bindings: map[string]*ClientHandle{}}
}

// Current returns the bound handles ordered by workspace name. It never
// blocks: while a reload holds the write lock it returns nil, which callers
// must read as "temporarily unknown" rather than "no workspaces".
func (m *Multiplexer) Current() []*ClientHandle {
	if !m.mu.TryRLock() {
		return nil
	}
	b := m.bindings
	m.mu.RUnlock()
	return sortedHandles(b)
}

// Handle returns the binding for workspace, creating it on first use.
func (m *Multiplexer) Handle(workspace string) *ClientHandle {
	m.mu.RLock()
	h := m.bindings[workspace]
	m.mu.RUnlock()
	if h != nil {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.bindings[workspace]; h != nil {
		return h
	}
	next := maps.Clone(m.bindings)
	if next == nil {
		next = make(map[string]*ClientHandle, 1)
	}
	h = newHandle(m.state, workspace)
	next[workspace] = h
	m.bindings = next
	return h
}

// Reload disposes every current binding and installs fresh, unconnected
// bindings for workspaces. Observers are notified after the lock is released.
func (m *Multiplexer) Reload(ctx context.Context, workspaces ...string) {
	next := make(map[string]*ClientHandle, len(workspaces))
	for _, ws := range workspaces {
		if _, ok := next[ws]; !ok {
			next[ws] = newHandle(m.state, ws)
		}
	}

	m.mu.Lock()
	for _, h := range m.bindings {
		h.Close()
	}
	m.bindings = next
	m.mu.Unlock()

	s := m.state
	s.deps.log.DebugContext(s.logContext(ctx), "workspace bindings reloaded", "workspaces", strings.Join(workspaces, ","))
	s.deps.notifier.OnBindingsReloaded(context.WithoutCancel(ctx), s.id)
}

// Rename destroys the binding for oldName and returns the (possibly new)
// binding for newName.
func (m *Multiplexer) Rename(oldName, newName string) *ClientHandle {
	if oldName != newName {
		m.Remove(oldName)
	}
	return m.Handle(newName)
}

// Remove destroys the binding for workspace. It reports whether one existed.
func (m *Multiplexer) Remove(workspace string) bool {
	m.mu.Lock()
	h, ok := m.bindings[workspace]
	if ok {
		next := maps.Clone(m.bindings)
		delete(next, workspace)
		m.bindings = next
	}
	m.mu.Unlock()
	if ok {
		h.Close()
	}
	return ok
}

// Workspaces returns the bound workspace names, sorted.
func (m *Multiplexer) Workspaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.bindings))
}

// probeHandle returns a bound handle to verify a reconnect with, or a
// temporary server-only handle the caller must Close.
func (m *Multiplexer) probeHandle() (*ClientHandle, bool) {
	m.mu.RLock()
	b := m.bindings
	m.mu.RUnlock()
	if hs := sortedHandles(b); len(hs) > 0 {
		return hs[0], false
	}
	return newHandle(m.state, ""), true
}

func (m *Multiplexer) invalidateAll() {
	m.mu.RLock()
	b := m.bindings
	m.mu.RUnlock()
	for _, h := range b {
		h.Invalidate()
	}
}

func (m *Multiplexer) closeAll() {
	m.mu.Lock()
	b := m.bindings
	m.bindings = map[string]*ClientHandle{}
	m.mu.Unlock()
	for _, h := range b {
		h.Close()
	}
}

func sortedHandles(b map[string]*ClientHandle) []*ClientHandle {
	names := slices.Sorted(maps.Keys(b))
	out := make([]*ClientHandle, 0, len(names))
	for _, n := range names {
		out = append(out, b[n])
	}
	return out
}
