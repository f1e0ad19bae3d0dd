// Package vcs defines the contracts between the connection core and the
// collaborators it does not implement itself: the physical session to a
// version-control server, credential sources, user decision prompts and
// connection observers.
//
// Layers & Roles
//
//	Session          -> one physical connection (connect, authenticate, execute)
//	SessionFactory   -> constructs a Session for a server identity + workspace
//	CredentialStore  -> cached and interactive credentials per server identity
//	DecisionPrompt   -> "retry or work offline" after a lost connection
//	Notifier         -> observers of connected/disconnected/reloaded events
//
// # Error Classification
//
// Session implementations classify their failures once, at the boundary, by
// returning a *ClassifiedError. The connection core never inspects transport
// specific error types; it calls Classify and dispatches on the Kind:
//
//	KindAuthentication -> one interactive credential retry
//	KindConfiguration  -> surfaced immediately, never retried
//	KindConnection     -> retry-or-offline decision, then retry
//	KindCancelled      -> surfaced immediately
//	KindTerminal       -> anything unclassified; surfaced, never retried
//
// Context errors (context.Canceled, context.DeadlineExceeded) classify as
// KindCancelled even when they are not wrapped in a ClassifiedError.
//
// # Optional Capabilities
//
// A Notifier may additionally implement ProblemNotifier to receive invalid
// configuration reports. A CredentialStore may implement CredentialForgetter
// so rejected cached credentials are dropped. Absence simply means the
// collaborator did not elect to provide that surface.
package vcs
