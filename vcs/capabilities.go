package vcs

import "context"

// CredentialStore supplies credentials for a server identity. Both methods
// return (nil, nil) when no credentials are available; for the interactive
// variant that means the user declined.
type CredentialStore interface {
	CachedCredentials(ctx context.Context, id ServerIdentity) (*Credentials, error)
	InteractiveCredentials(ctx context.Context, id ServerIdentity) (*Credentials, error)
}

// CredentialForgetter is implemented by stores that can drop cached
// credentials once the server rejected them.
type CredentialForgetter interface {
	Forget(ctx context.Context, id ServerIdentity) error
}

// CredentialPrompt asks a human (or policy) for credentials. It returns
// (nil, nil) when the request was declined.
type CredentialPrompt func(ctx context.Context, id ServerIdentity) (*Credentials, error)

// Decision is the answer to a lost-connection prompt.
type Decision int

const (
	// DecisionWorkOffline accepts offline mode.
	DecisionWorkOffline Decision = iota
	// DecisionRetry asks for the connection to be attempted again.
	DecisionRetry
)

func (d Decision) String() string {
	if d == DecisionRetry {
		return "retry"
	}
	return "work-offline"
}

// DecisionPrompt asks whether to retry a lost connection or work offline.
// It may block until a decision is made; it is never called with internal
// locks held.
type DecisionPrompt interface {
	AskRetryOrOffline(ctx context.Context, id ServerIdentity) (Decision, error)
}

// DecisionPromptFunc adapts a function to DecisionPrompt.
type DecisionPromptFunc func(ctx context.Context, id ServerIdentity) (Decision, error)

func (f DecisionPromptFunc) AskRetryOrOffline(ctx context.Context, id ServerIdentity) (Decision, error) {
	return f(ctx, id)
}

// Notifier observes connection state transitions. Each transition is
// published exactly once regardless of how many retries preceded it.
type Notifier interface {
	OnConnected(ctx context.Context, id ServerIdentity)
	OnDisconnected(ctx context.Context, id ServerIdentity)
	OnBindingsReloaded(ctx context.Context, id ServerIdentity)
}

// ProblemNotifier is an optional Notifier extension that receives invalid
// configuration reports, once per distinct problem set.
type ProblemNotifier interface {
	OnConfigurationProblem(ctx context.Context, id ServerIdentity, problems []ConfigurationProblem)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) OnConnected(context.Context, ServerIdentity)        {}
func (NopNotifier) OnDisconnected(context.Context, ServerIdentity)     {}
func (NopNotifier) OnBindingsReloaded(context.Context, ServerIdentity) {}

var _ Notifier = NopNotifier{}
