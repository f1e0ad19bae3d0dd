package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/vcs-session-go/internal/logctx"
	"github.com/ggoodman/vcs-session-go/vcs"
)

// deps is the resolved form of Dependencies shared by every State of a Registry.
type deps struct {
	factory  vcs.SessionFactory
	creds    vcs.CredentialStore
	prompt   vcs.DecisionPrompt
	notifier vcs.Notifier
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func resolveDeps(d Dependencies) (*deps, error) {
	if d.Factory == nil {
		return nil, ErrNoFactory
	}
	cfg := d.Config
	cfg.applyDefaults()
	rd := &deps{
		factory:  d.Factory,
		creds:    d.Credentials,
		prompt:   d.Prompt,
		notifier: d.Notifier,
		cfg:      cfg,
		log:      logctx.NewLogger(cfg.Logger.Handler()),
		now:      time.Now,
	}
	if rd.prompt == nil {
		rd.prompt = vcs.DecisionPromptFunc(func(context.Context, vcs.ServerIdentity) (vcs.Decision, error) {
			return vcs.DecisionWorkOffline, nil
		})
	}
	if rd.notifier == nil {
		rd.notifier = vcs.NopNotifier{}
	}
	return rd, nil
}

// State is the online/offline state machine for one server identity. It is
// created and owned by a Registry entry.
//
// All transitions run while the changing flag is held. The flag is claimed
// and released under mu, but mu itself is never held while prompting,
// probing or notifying.
type State struct {
	id      vcs.ServerIdentity
	deps    *deps
	clients *Multiplexer

	mu         sync.Mutex
	online     bool
	changing   bool
	changeDone chan struct{}
	disposed   bool // set as soon as Dispose is called
	tornDown   bool // bindings closed and observers told

	// last answer to the lost-connection prompt, for debouncing
	lastDecision   vcs.Decision
	lastDecisionAt time.Time

	// fingerprint of the last configuration problem set reported; only
	// meaningful once reportedAny is set
	reported    string
	reportedAny bool
}

func newState(id vcs.ServerIdentity, d *deps) *State {
	// Online until told otherwise.
	s := &State{id: id, deps: d, online: true}
	s.clients = newMultiplexer(s)
	return s
}

func (s *State) Identity() vcs.ServerIdentity { return s.id }

// Clients returns the workspace bindings of this server.
func (s *State) Clients() *Multiplexer { return s.clients }

// IsOnline reports whether remote calls may be attempted.
func (s *State) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online && !s.disposed
}

// Status returns the online flag together with whether a transition is in
// progress. While changing is true the online value is not stable.
func (s *State) Status() (online, changing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online && !s.disposed, s.changing
}

func (s *State) logContext(ctx context.Context) context.Context {
	return logctx.WithServer(ctx, s.id)
}

// claimLocked sets the changing flag. mu must be held and changing must be false.
func (s *State) claimLocked() {
	s.changing = true
	s.changeDone = make(chan struct{})
}

// endChange clears the changing flag and wakes every waiter.
func (s *State) endChange() {
	s.mu.Lock()
	s.changing = false
	close(s.changeDone)
	s.changeDone = nil
	s.mu.Unlock()
}

// beginChange waits for any transition in progress, then claims the changing
// flag. The returned release func must be deferred by the caller.
func (s *State) beginChange(ctx context.Context) (func(), error) {
	s.mu.Lock()
	for s.changing {
		done := s.changeDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, wrap(ErrCancelled, ctx.Err())
		}
		s.mu.Lock()
	}
	s.claimLocked()
	s.mu.Unlock()
	return s.endChange, nil
}

// OnDisconnect is called after a transport failure while online. It asks the
// DecisionPrompt whether to retry and returns true if the caller should retry.
//
// Only one caller is prompted per disconnect event: a caller arriving while
// another is already deciding is told not to retry. Within DecisionDebounce
// of a "retry" answer the answer is reused without prompting again.
func (s *State) OnDisconnect(ctx context.Context) bool {
	lctx := s.logContext(ctx)

	s.mu.Lock()
	if !s.online || s.disposed {
		s.mu.Unlock()
		return false
	}
	if s.changing {
		s.mu.Unlock()
		s.deps.log.DebugContext(lctx, "disconnect already being handled; not retrying")
		return false
	}
	if d := s.deps.cfg.DecisionDebounce; d > 0 && s.lastDecision == vcs.DecisionRetry &&
		!s.lastDecisionAt.IsZero() && s.deps.now().Sub(s.lastDecisionAt) < d {
		s.mu.Unlock()
		s.deps.log.DebugContext(lctx, "reusing recent retry decision")
		return true
	}
	s.claimLocked()
	s.mu.Unlock()
	defer s.endChange()

	decision, err := s.deps.prompt.AskRetryOrOffline(ctx, s.id)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		s.deps.log.WarnContext(lctx, "disconnect prompt failed; working offline", slog.String("err", err.Error()))
		decision = vcs.DecisionWorkOffline
	}

	s.mu.Lock()
	s.lastDecision = decision
	s.lastDecisionAt = s.deps.now()
	s.mu.Unlock()

	if decision == vcs.DecisionRetry {
		s.deps.log.InfoContext(lctx, "retrying lost connection")
		return true
	}
	s.wentOffline(ctx)
	return false
}

// wentOffline flips to offline and publishes. The changing flag must be held.
func (s *State) wentOffline(ctx context.Context) {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()

	s.clients.invalidateAll()
	s.deps.log.InfoContext(s.logContext(ctx), "went offline")
	s.deps.notifier.OnDisconnected(context.WithoutCancel(ctx), s.id)
}

// Reconnect moves an offline State back online, but only after a real round
// trip succeeded. On failure the State stays offline, observers are told about
// the failed attempt and the probe error is returned. It is a no-op when the
// State is already online.
func (s *State) Reconnect(ctx context.Context) error {
	end, err := s.beginChange(ctx)
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	disposed, online := s.disposed, s.online
	s.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	if online {
		return nil
	}

	lctx := s.logContext(ctx)
	if err := s.verify(ctx); err != nil {
		s.deps.log.InfoContext(lctx, "reconnect failed", slog.String("err", err.Error()))
		s.deps.notifier.OnDisconnected(context.WithoutCancel(ctx), s.id)
		return err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.online = true
	s.lastDecisionAt = time.Time{}
	s.mu.Unlock()

	s.deps.log.InfoContext(lctx, "went online")
	s.deps.notifier.OnConnected(context.WithoutCancel(ctx), s.id)
	return nil
}

// verify runs the probe command through an existing binding, or a temporary
// server-only handle when nothing is bound yet.
func (s *State) verify(ctx context.Context) error {
	h, temporary := s.clients.probeHandle()
	if temporary {
		defer h.Close()
	}
	cmd := vcs.Command{Name: s.deps.cfg.ProbeCommand}
	if s.id.Username != "" {
		cmd.Args = []string{"-u", s.id.Username}
	}
	_, err := run(ctx, h, cmd.Name, func(ctx context.Context, sess vcs.Session) (*vcs.Result, error) {
		return sess.Execute(ctx, cmd)
	}, true)
	return err
}

// ForceDisconnect unconditionally moves the State offline, after waiting for
// any transition in progress. Calling it on an offline State does nothing.
func (s *State) ForceDisconnect(ctx context.Context) error {
	end, err := s.beginChange(ctx)
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		return nil
	}
	s.wentOffline(ctx)
	return nil
}

// Dispose disconnects, closes every binding and marks the State unusable.
// The State stops reporting online immediately, even if Dispose then has to
// wait for a transition in progress and ctx ends first.
func (s *State) Dispose(ctx context.Context) error {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()

	end, err := s.beginChange(ctx)
	if err != nil {
		return err
	}
	defer end()

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return nil
	}
	s.tornDown = true
	online := s.online
	s.online = false
	s.mu.Unlock()

	s.clients.closeAll()
	if online {
		s.deps.log.InfoContext(s.logContext(ctx), "went offline")
		s.deps.notifier.OnDisconnected(context.WithoutCancel(ctx), s.id)
	}
	s.deps.log.DebugContext(s.logContext(ctx), "server session disposed")
	return nil
}

// reportProblems publishes configuration problems carried by err, once per
// distinct problem set.
func (s *State) reportProblems(ctx context.Context, err error) {
	var ice *vcs.InvalidConfigError
	if !errors.As(err, &ice) {
		return
	}
	fp := ice.Fingerprint()
	s.mu.Lock()
	if s.reportedAny && s.reported == fp {
		s.mu.Unlock()
		return
	}
	s.reported, s.reportedAny = fp, true
	s.mu.Unlock()

	s.deps.log.WarnContext(s.logContext(ctx), "invalid server configuration", slog.String("err", ice.Error()))
	if pn, ok := s.deps.notifier.(vcs.ProblemNotifier); ok {
		pn.OnConfigurationProblem(context.WithoutCancel(ctx), s.id, ice.Problems)
	}
}

func (s *State) cachedCredentials(ctx context.Context) *vcs.Credentials {
	if s.deps.creds == nil {
		return nil
	}
	creds, err := s.deps.creds.CachedCredentials(ctx, s.id)
	if err != nil {
		s.deps.log.WarnContext(s.logContext(ctx), "cached credential lookup failed", slog.String("err", err.Error()))
		return nil
	}
	return creds
}

func (s *State) interactiveCredentials(ctx context.Context) (*vcs.Credentials, error) {
	if s.deps.creds == nil {
		return nil, nil
	}
	return s.deps.creds.InteractiveCredentials(ctx, s.id)
}

func (s *State) forgetCredentials(ctx context.Context) {
	f, ok := s.deps.creds.(vcs.CredentialForgetter)
	if !ok {
		return
	}
	if err := f.Forget(ctx, s.id); err != nil {
		s.deps.log.DebugContext(s.logContext(ctx), "forget credentials failed", slog.String("err", err.Error()))
	}
}
