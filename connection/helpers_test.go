package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/vcs-session-go/vcs"
	"github.com/ggoodman/vcs-session-go/vcs/vcstest"
)

var (
	testID  = vcs.ServerIdentity{Protocol: "tcp", Host: "perforce", Port: 1666, AuthMethod: vcs.AuthPassword, Username: "alice"}
	otherID = vcs.ServerIdentity{Protocol: "ssl", Host: "perforce-edge", Port: 1667, AuthMethod: vcs.AuthTicket, Username: "alice"}
)

// fixture wires a Registry to the scriptable fakes.
type fixture struct {
	srv    *vcstest.Server
	rec    *vcstest.Recorder
	prompt *vcstest.Prompt
	creds  *vcstest.Credentials
	reg    *Registry
	owner  *OwnerToken
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		srv:    vcstest.NewServer(),
		rec:    &vcstest.Recorder{},
		prompt: &vcstest.Prompt{},
		creds:  &vcstest.Credentials{},
		owner:  NewOwner("test"),
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg, err := NewRegistry(Dependencies{
		Factory:     f.srv.Factory(),
		Credentials: f.creds,
		Prompt:      f.prompt,
		Notifier:    f.rec,
		Config:      cfg,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	f.reg = reg
	t.Cleanup(func() { _ = reg.DisposeAll(context.Background()) })
	return f
}

func (f *fixture) state(t *testing.T) *State {
	t.Helper()
	st, err := f.reg.GetOrCreate(testCtx(t), testID, f.owner)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	return st
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func connErr(op string) error {
	return vcs.NewError(vcs.KindConnection, op, errors.New("connection reset by peer"))
}

func authErr(op string) error {
	return vcs.NewError(vcs.KindAuthentication, op, errors.New("your session has expired"))
}

func info() vcs.Command { return vcs.Command{Name: "info"} }

// countingHandler counts the log records carrying msg, at every level.
type countingHandler struct {
	msg string
	n   *atomic.Int32
}

func newCountingLogger(msg string) (*slog.Logger, *atomic.Int32) {
	n := new(atomic.Int32)
	return slog.New(countingHandler{msg: msg, n: n}), n
}

func (h countingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h countingHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.n.Add(1)
	}
	return nil
}

func (h countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h countingHandler) WithGroup(string) slog.Handler      { return h }
