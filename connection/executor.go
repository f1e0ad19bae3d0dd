package connection

import (
	"context"
	"log/slog"

	"github.com/ggoodman/vcs-session-go/internal/logctx"
	"github.com/ggoodman/vcs-session-go/vcs"
)

// RunWithSession executes op against the handle's session, absorbing the
// failures that can be recovered locally:
//
//   - authentication challenges get one interactive credential retry per call;
//   - lost connections go through State.OnDisconnect, which prompts at most
//     once per call and may move the server offline;
//   - configuration problems, cancellation and unclassified errors are
//     returned immediately.
//
// The returned error, if any, wraps one of ErrConfigurationInvalid,
// ErrWorkingOffline, ErrCancelled or ErrTerminal.
func RunWithSession[T any](ctx context.Context, h *ClientHandle, op func(ctx context.Context, sess vcs.Session) (T, error)) (T, error) {
	return run(ctx, h, "session", op, false)
}

// run is the retry loop. probe is set only for the verification round trip of
// State.Reconnect: it bypasses the offline check and never prompts.
func run[T any](ctx context.Context, h *ClientHandle, name string, op func(ctx context.Context, sess vcs.Session) (T, error), probe bool) (T, error) {
	var zero T
	s := h.state
	log := s.deps.log

	cd := &logctx.CommandData{Name: name}
	ctx = logctx.WithServer(ctx, s.id)
	ctx = logctx.WithWorkspace(ctx, h.workspace)
	ctx = logctx.WithCommand(ctx, cd)

	triedLogin := false
	decided := false
	connRetries := 0

	for attempt := 1; ; attempt++ {
		cd.Attempt = attempt

		if err := ctx.Err(); err != nil {
			return zero, wrap(ErrCancelled, err)
		}
		// Must check offline status in the loop; never touch the network offline.
		if !probe && !s.IsOnline() {
			return zero, ErrWorkingOffline
		}

		sess, err := h.session(ctx)
		if err == nil {
			v, opErr := op(ctx, sess)
			if opErr == nil {
				return v, nil
			}
			err = opErr
		}

		switch vcs.Classify(err) {
		case vcs.KindAuthentication:
			if triedLogin {
				log.WarnContext(ctx, "authentication failed after login", slog.String("err", err.Error()))
				return zero, wrap(ErrTerminal, err)
			}
			triedLogin = true
			s.forgetCredentials(ctx)
			creds, cerr := s.interactiveCredentials(ctx)
			if cerr != nil {
				if vcs.Classify(cerr) == vcs.KindCancelled {
					return zero, wrap(ErrCancelled, cerr)
				}
				return zero, wrap(ErrTerminal, cerr)
			}
			if creds == nil {
				log.InfoContext(ctx, "credentials refused", slog.String("err", err.Error()))
				return zero, wrap(ErrTerminal, wrap(ErrCredentialsRefused, err))
			}
			h.setPendingCredentials(creds)
			log.DebugContext(ctx, "retrying with new credentials")

		case vcs.KindConfiguration:
			s.reportProblems(ctx, err)
			return zero, wrap(ErrConfigurationInvalid, err)

		case vcs.KindConnection:
			h.Invalidate()
			if probe {
				return zero, wrap(ErrWorkingOffline, err)
			}
			connRetries++
			if connRetries > s.deps.cfg.MaxConnectionRetries {
				log.WarnContext(ctx, "giving up after repeated connection failures", slog.String("err", err.Error()))
				return zero, wrap(ErrTerminal, err)
			}
			// Ask once per call; after a retry answer later failures in the same
			// call retry until the cap above.
			if !decided {
				decided = true
				if !s.OnDisconnect(ctx) {
					if cerr := ctx.Err(); cerr != nil {
						return zero, wrap(ErrCancelled, cerr)
					}
					return zero, wrap(ErrWorkingOffline, err)
				}
			}
			log.DebugContext(ctx, "retrying after connection failure", slog.String("err", err.Error()))

		case vcs.KindCancelled:
			log.DebugContext(ctx, "operation cancelled", slog.String("err", err.Error()))
			return zero, wrap(ErrCancelled, err)

		default:
			log.WarnContext(ctx, "unexpected failure", slog.String("err", err.Error()))
			return zero, wrap(ErrTerminal, err)
		}
	}
}
