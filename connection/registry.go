package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ggoodman/vcs-session-go/internal/logctx"
	"github.com/ggoodman/vcs-session-go/vcs"
	"golang.org/x/sync/errgroup"
)

// Registry is the process-wide authority mapping a ServerIdentity to its
// State. Entries are created lazily and reference counted by Owner tokens.
// It is safe for concurrent use.
type Registry struct {
	deps *deps

	mu      sync.Mutex
	entries map[vcs.ServerIdentity]*entry
	closed  bool
}

type entry struct {
	state  *State
	owners map[string]Owner
}

// NewRegistry constructs an empty registry.
func NewRegistry(d Dependencies) (*Registry, error) {
	rd, err := resolveDeps(d)
	if err != nil {
		return nil, err
	}
	return &Registry{deps: rd, entries: make(map[vcs.ServerIdentity]*entry)}, nil
}

// GetOrCreate returns the State for id, creating it on first use, and records
// owner as keeping it alive. Concurrent callers for the same id always observe
// the same State.
func (r *Registry) GetOrCreate(ctx context.Context, id vcs.ServerIdentity, owner Owner) (*State, error) {
	if owner == nil {
		return nil, ErrNilOwner
	}
	if owner.Disposed() {
		return nil, ErrOwnerDisposed
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	orphans := r.pruneLocked(&id)
	e, ok := r.entries[id]
	if !ok {
		e = &entry{state: newState(id, r.deps), owners: make(map[string]Owner)}
		r.entries[id] = e
		r.deps.log.DebugContext(logctx.WithServer(ctx, id), "server session created")
	}
	e.owners[owner.OwnerID()] = owner
	st := e.state
	r.mu.Unlock()

	if err := r.teardown(ctx, orphans); err != nil {
		r.deps.log.WarnContext(ctx, "orphaned server session teardown failed", slog.String("err", err.Error()))
	}
	return st, nil
}

// Lookup returns the State for id without creating it or adding an owner.
func (r *Registry) Lookup(id vcs.ServerIdentity) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// Release removes owner from id's owner set. When no live owner remains the
// State is forced offline, disposed and removed from the registry.
func (r *Registry) Release(ctx context.Context, id vcs.ServerIdentity, owner Owner) error {
	if owner == nil {
		return ErrNilOwner
	}
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		delete(e.owners, owner.OwnerID())
	}
	orphans := r.pruneLocked(nil)
	r.mu.Unlock()
	return r.teardown(ctx, orphans)
}

// Reconfigure moves owner from oldID to newID. The State for newID is created
// lazily on the next GetOrCreate.
func (r *Registry) Reconfigure(ctx context.Context, oldID, newID vcs.ServerIdentity, owner Owner) error {
	if oldID == newID {
		return nil
	}
	return r.Release(ctx, oldID, owner)
}

// Sweep prunes disposed owners and tears down entries left without owners.
// It returns the number of entries removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	orphans := r.pruneLocked(nil)
	r.mu.Unlock()
	return len(orphans), r.teardown(ctx, orphans)
}

// OwnerCount returns the number of owners currently recorded for id.
func (r *Registry) OwnerCount(id vcs.ServerIdentity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return len(e.owners)
	}
	return 0
}

// Len returns the number of registered server identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// WorkOnline attempts a verified reconnect for every offline server.
func (r *Registry) WorkOnline(ctx context.Context) error {
	var errs []error
	for _, st := range r.states() {
		if st.IsOnline() {
			continue
		}
		if err := st.Reconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisposeAll tears down every entry and closes the registry. Further
// GetOrCreate calls fail with ErrRegistryClosed.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*State, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e.state)
	}
	r.entries = make(map[vcs.ServerIdentity]*entry)
	r.mu.Unlock()

	// The entries are already gone, so disposal must not be abandoned halfway.
	dctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, st := range all {
		g.Go(func() error { return st.Dispose(dctx) })
	}
	return g.Wait()
}

func (r *Registry) states() []*State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*State, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.state)
	}
	return out
}

// pruneLocked drops disposed owners from every entry and unregisters entries
// left without owners, except keep. r.mu must be held. The returned States
// must be torn down after r.mu is released.
func (r *Registry) pruneLocked(keep *vcs.ServerIdentity) []*State {
	var orphans []*State
	for id, e := range r.entries {
		for oid, o := range e.owners {
			if o.Disposed() {
				delete(e.owners, oid)
			}
		}
		if len(e.owners) > 0 || (keep != nil && *keep == id) {
			continue
		}
		delete(r.entries, id)
		orphans = append(orphans, e.state)
	}
	return orphans
}

// teardown disposes States already removed from the registry. Disposal may
// wait for a transition in progress and is never cut short by ctx: nothing
// else holds a reference that could finish it.
func (r *Registry) teardown(ctx context.Context, orphans []*State) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, st := range orphans {
		if err := st.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
