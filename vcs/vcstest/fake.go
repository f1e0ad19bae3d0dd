// Package vcstest provides test doubles for the vcs contracts and a
// conformance suite for credential stores.
package vcstest

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/vcs-session-go/vcs"
)

// ErrDown is the cause carried by connection failures while a Server is down.
var ErrDown = errors.New("server unreachable")

// Server is a scriptable in-memory stand-in for a version-control server.
// Sessions created through Factory share its script and counters.
type Server struct {
	mu sync.Mutex

	down        bool
	connectErrs []error
	authErrs    []error
	execErrs    []error
	execHook    func(ctx context.Context, cmd vcs.Command) (*vcs.Result, error)
	factoryErr  error
	secret      []byte

	sessions    int
	connects    int
	auths       int
	execs       int
	disconnects int
	commands    []vcs.Command
	workspaces  []string
	presented   [][]byte
}

func NewServer() *Server { return &Server{} }

// Factory returns a SessionFactory creating sessions against s.
func (s *Server) Factory() vcs.SessionFactory {
	return func(ctx context.Context, id vcs.ServerIdentity, workspace string) (vcs.Session, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.factoryErr != nil {
			return nil, s.factoryErr
		}
		s.sessions++
		s.workspaces = append(s.workspaces, workspace)
		return &Session{srv: s, id: id, workspace: workspace}, nil
	}
}

// SetDown makes every connect and execute fail with a connection error.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// FailConnect queues errors returned by the next Connect calls.
func (s *Server) FailConnect(errs ...error) {
	s.mu.Lock()
	s.connectErrs = append(s.connectErrs, errs...)
	s.mu.Unlock()
}

// FailAuth queues errors returned by the next Authenticate calls.
func (s *Server) FailAuth(errs ...error) {
	s.mu.Lock()
	s.authErrs = append(s.authErrs, errs...)
	s.mu.Unlock()
}

// FailExec queues errors returned by the next Execute calls.
func (s *Server) FailExec(errs ...error) {
	s.mu.Lock()
	s.execErrs = append(s.execErrs, errs...)
	s.mu.Unlock()
}

// FailFactory makes the factory return err (nil restores it).
func (s *Server) FailFactory(err error) {
	s.mu.Lock()
	s.factoryErr = err
	s.mu.Unlock()
}

// RequireSecret makes Execute fail with an authentication error until a
// session presents secret.
func (s *Server) RequireSecret(secret string) {
	s.mu.Lock()
	s.secret = []byte(secret)
	s.mu.Unlock()
}

// OnExec installs a hook run for every Execute that was not failed by the script.
func (s *Server) OnExec(fn func(ctx context.Context, cmd vcs.Command) (*vcs.Result, error)) {
	s.mu.Lock()
	s.execHook = fn
	s.mu.Unlock()
}

func (s *Server) Sessions() int    { s.mu.Lock(); defer s.mu.Unlock(); return s.sessions }
func (s *Server) Connects() int    { s.mu.Lock(); defer s.mu.Unlock(); return s.connects }
func (s *Server) Auths() int       { s.mu.Lock(); defer s.mu.Unlock(); return s.auths }
func (s *Server) Execs() int       { s.mu.Lock(); defer s.mu.Unlock(); return s.execs }
func (s *Server) Disconnects() int { s.mu.Lock(); defer s.mu.Unlock(); return s.disconnects }

// Commands returns every command received by Execute, in order.
func (s *Server) Commands() []vcs.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vcs.Command(nil), s.commands...)
}

// Workspaces returns the workspace of every session created, in order.
func (s *Server) Workspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.workspaces...)
}

// Presented returns copies of every secret passed to Authenticate.
func (s *Server) Presented() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.presented))
	for _, p := range s.presented {
		out = append(out, string(p))
	}
	return out
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

// Session is a vcs.Session created by Server.Factory.
type Session struct {
	srv       *Server
	id        vcs.ServerIdentity
	workspace string

	mu            sync.Mutex
	connected     bool
	authenticated bool
}

var _ vcs.Session = (*Session)(nil)

func (c *Session) Workspace() string { return c.workspace }

func (c *Session) Connect(ctx context.Context) error {
	c.srv.mu.Lock()
	c.srv.connects++
	down := c.srv.down
	err := pop(&c.srv.connectErrs)
	c.srv.mu.Unlock()
	if down {
		return vcs.NewError(vcs.KindConnection, "connect", ErrDown)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Session) Disconnect() error {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was {
		c.srv.mu.Lock()
		c.srv.disconnects++
		c.srv.mu.Unlock()
	}
	return nil
}

func (c *Session) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Session) Authenticate(ctx context.Context, creds vcs.Credentials) error {
	c.srv.mu.Lock()
	c.srv.auths++
	c.srv.presented = append(c.srv.presented, append([]byte(nil), creds.Secret...))
	err := pop(&c.srv.authErrs)
	want := c.srv.secret
	c.srv.mu.Unlock()
	if err != nil {
		return err
	}
	if want != nil && string(want) != string(creds.Secret) {
		return vcs.NewError(vcs.KindAuthentication, "authenticate", errors.New("password invalid"))
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

func (c *Session) Execute(ctx context.Context, cmd vcs.Command) (*vcs.Result, error) {
	c.srv.mu.Lock()
	c.srv.execs++
	c.srv.commands = append(c.srv.commands, cmd)
	down := c.srv.down
	err := pop(&c.srv.execErrs)
	hook := c.srv.execHook
	needAuth := c.srv.secret != nil
	c.srv.mu.Unlock()

	c.mu.Lock()
	connected, authed := c.connected, c.authenticated
	c.mu.Unlock()

	switch {
	case down:
		return nil, vcs.NewError(vcs.KindConnection, cmd.Name, ErrDown)
	case !connected:
		return nil, vcs.NewError(vcs.KindConnection, cmd.Name, errors.New("not connected"))
	case err != nil:
		return nil, err
	case needAuth && !authed:
		return nil, vcs.NewError(vcs.KindAuthentication, cmd.Name, errors.New("session expired"))
	}
	if hook != nil {
		return hook(ctx, cmd)
	}
	return &vcs.Result{Records: []map[string]string{{"cmd": cmd.Name, "client": c.workspace}}}, nil
}
