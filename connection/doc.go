// Package connection implements the session resilience layer: one logical
// connection per server identity, kept authenticated and alive across
// transient failures, with an explicit online/offline state machine.
//
// Layers & Roles
//
//	Registry      -> process-wide map ServerIdentity -> *State, reference counted by Owner tokens
//	State         -> online/offline state machine for one identity (verified reconnect, disconnect decision)
//	Multiplexer   -> workspace name -> *ClientHandle bindings for one State, replaced wholesale on reload
//	ClientHandle  -> lazily connected vcs.Session bound to (identity, workspace)
//	RunWithSession-> retry loop that classifies failures and recovers what it can
//
// # Lifecycle
//
// A Registry is constructed explicitly with NewRegistry and torn down with
// DisposeAll; there is no package-level singleton. Callers obtain a State
// with GetOrCreate(identity, owner) and give it back with Release. Owners that
// were disposed without calling Release are pruned on every registry scan.
//
// # Failures
//
// RunWithSession returns one of ErrConfigurationInvalid, ErrWorkingOffline,
// ErrCancelled or ErrTerminal, each wrapping the underlying cause:
//
//	res, err := h.Execute(ctx, vcs.Command{Name: "opened"})
//	switch {
//	case errors.Is(err, connection.ErrWorkingOffline):
//		// serve from cache
//	case errors.Is(err, connection.ErrCancelled):
//		// caller gave up; not a failure
//	case err != nil:
//		return err
//	}
//
// While a State is offline no network call is attempted except the single
// verification round trip issued by State.Reconnect.
package connection
