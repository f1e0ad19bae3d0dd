package vcs

import "context"

// Command is one request sent through Session.Execute.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Result is the opaque outcome of a command. Records hold tagged output rows;
// Messages hold informational server output.
type Result struct {
	Records  []map[string]string
	Messages []string
}

// Session is one physical connection to a server. All methods may block on
// network I/O. Failures should be returned as *ClassifiedError so the
// connection core can decide between retrying, prompting and failing.
//
// Implementations must be safe for concurrent Execute calls.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Authenticate(ctx context.Context, creds Credentials) error
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// SessionFactory constructs an unconnected Session for a server identity and
// workspace. An empty workspace requests a server-only session. Factories
// reject invalid settings with an *InvalidConfigError before any I/O happens.
type SessionFactory func(ctx context.Context, id ServerIdentity, workspace string) (Session, error)
