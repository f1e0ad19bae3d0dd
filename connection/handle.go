package connection

import (
	"context"
	"sync"

	"github.com/ggoodman/vcs-session-go/vcs"
)

// ClientHandle binds a server identity and workspace name to a lazily
// connected vcs.Session. Invalidate drops the session but keeps the handle
// usable; Close destroys the handle.
type ClientHandle struct {
	state     *State
	workspace string

	// connectMu serializes session establishment for this handle.
	connectMu sync.Mutex

	mu      sync.Mutex
	sess    vcs.Session
	pending *vcs.Credentials
	closed  bool
}

func newHandle(s *State, workspace string) *ClientHandle {
	return &ClientHandle{state: s, workspace: workspace}
}

func (h *ClientHandle) Workspace() string            { return h.workspace }
func (h *ClientHandle) Identity() vcs.ServerIdentity { return h.state.id }
func (h *ClientHandle) State() *State                { return h.state }

// Execute runs cmd through the retry loop.
func (h *ClientHandle) Execute(ctx context.Context, cmd vcs.Command) (*vcs.Result, error) {
	return run(ctx, h, cmd.Name, func(ctx context.Context, sess vcs.Session) (*vcs.Result, error) {
		return sess.Execute(ctx, cmd)
	}, false)
}

// Invalidate disconnects and forgets the cached session. The next call
// establishes a new one.
func (h *ClientHandle) Invalidate() {
	h.mu.Lock()
	sess := h.sess
	h.sess = nil
	h.mu.Unlock()
	if sess != nil {
		_ = sess.Disconnect()
	}
}

// Close invalidates the handle permanently.
func (h *ClientHandle) Close() {
	h.mu.Lock()
	h.closed = true
	sess := h.sess
	h.sess = nil
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()
	pending.Clear()
	if sess != nil {
		_ = sess.Disconnect()
	}
}

func (h *ClientHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// setPendingCredentials stores credentials to authenticate with before the
// next operation.
func (h *ClientHandle) setPendingCredentials(creds *vcs.Credentials) {
	h.mu.Lock()
	old := h.pending
	h.pending = creds
	h.mu.Unlock()
	old.Clear()
}

// session returns a connected, authenticated session, creating one if needed.
// A fresh session is authenticated with cached credentials; pending
// interactive credentials take precedence and are also applied to an
// already connected session.
func (h *ClientHandle) session(ctx context.Context) (vcs.Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	if h.sess != nil && h.pending == nil && h.sess.IsConnected() {
		sess := h.sess
		h.mu.Unlock()
		return sess, nil
	}
	h.mu.Unlock()

	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	sess, creds := h.sess, h.pending
	h.pending = nil
	if sess != nil && !sess.IsConnected() {
		h.sess = nil
		h.mu.Unlock()
		_ = sess.Disconnect()
		sess = nil
	} else {
		h.mu.Unlock()
	}
	defer creds.Clear()

	cfg := h.state.deps.cfg
	cctx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	fresh := sess == nil
	if fresh {
		created, err := h.state.deps.factory(cctx, h.state.id, h.workspace)
		if err != nil {
			return nil, err
		}
		if err := created.Connect(cctx); err != nil {
			_ = created.Disconnect()
			return nil, err
		}
		sess = created
		if creds == nil {
			creds = h.state.cachedCredentials(cctx)
		}
	}

	if creds != nil {
		if err := sess.Authenticate(cctx, *creds); err != nil {
			if fresh {
				_ = sess.Disconnect()
			}
			return nil, err
		}
	}

	if fresh {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = sess.Disconnect()
			return nil, ErrHandleClosed
		}
		h.sess = sess
		h.mu.Unlock()
	}
	return sess, nil
}
