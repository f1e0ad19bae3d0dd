package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/vcs-session-go/vcs"
	"github.com/ggoodman/vcs-session-go/vcs/vcstest"
	"golang.org/x/sync/errgroup"
)

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := testCtx(t)
	h := f.state(t).Clients().Handle("ws")

	res, err := h.Execute(ctx, vcs.Command{Name: "changes", Args: []string{"-m", "1"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0]["client"] != "ws" {
		t.Fatalf("unexpected result %+v", res)
	}
	// The session is reused.
	if _, err := h.Execute(ctx, info()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.srv.Sessions() != 1 || f.srv.Connects() != 1 {
		t.Fatalf("expected one session, got %d sessions and %d connects", f.srv.Sessions(), f.srv.Connects())
	}
}

func TestRunWithSession_ReturnsTypedValue(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.state(t).Clients().Handle("ws")

	n, err := RunWithSession(testCtx(t), h, func(ctx context.Context, sess vcs.Session) (int, error) {
		res, err := sess.Execute(ctx, vcs.Command{Name: "opened"})
		if err != nil {
			return 0, err
		}
		return len(res.Records), nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func TestExecute_UsesCachedCredentials(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.RequireSecret("s3cret")
	f.creds.Cached = vcstest.Secret("s3cret")
	h := f.state(t).Clients().Handle("ws")

	if _, err := h.Execute(testCtx(t), info()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.creds.InteractiveCalls() != 0 {
		t.Fatalf("cached credentials must not trigger a prompt")
	}
}

func TestExecute_AuthenticationRetriedOnceWithPrompt(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.FailExec(authErr("info"))
	f.creds.Interactive = []*vcs.Credentials{vcstest.Secret("fresh")}
	h := f.state(t).Clients().Handle("ws")

	if _, err := h.Execute(testCtx(t), info()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.creds.InteractiveCalls(); got != 1 {
		t.Fatalf("expected exactly 1 credential prompt, got %d", got)
	}
	if got := f.creds.Forgets(); got != 1 {
		t.Fatalf("expected stale credentials to be forgotten once, got %d", got)
	}
	if got := f.srv.Presented(); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected the prompted secret to be presented, got %q", got)
	}
	// The connected session is re-authenticated in place.
	if f.srv.Sessions() != 1 {
		t.Fatalf("expected the session to be kept, got %d sessions", f.srv.Sessions())
	}
}

func TestExecute_WrongCachedPasswordPromptsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.RequireSecret("right")
	f.creds.Cached = vcstest.Secret("wrong")
	f.creds.Interactive = []*vcs.Credentials{vcstest.Secret("right")}
	h := f.state(t).Clients().Handle("ws")

	if _, err := h.Execute(testCtx(t), info()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.srv.Presented(); len(got) != 2 || got[0] != "wrong" || got[1] != "right" {
		t.Fatalf("unexpected secrets presented: %q", got)
	}
	if f.creds.InteractiveCalls() != 1 {
		t.Fatalf("expected 1 credential prompt, got %d", f.creds.InteractiveCalls())
	}
}

func TestExecute_AuthenticationFailsAfterLogin(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.RequireSecret("right")
	f.creds.Interactive = []*vcs.Credentials{vcstest.Secret("typo"), vcstest.Secret("right")}
	h := f.state(t).Clients().Handle("ws")

	_, err := h.Execute(testCtx(t), info())
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if vcs.Classify(err) != vcs.KindAuthentication {
		t.Fatalf("expected the authentication cause to be preserved, got %v", err)
	}
	if f.creds.InteractiveCalls() != 1 {
		t.Fatalf("expected a single credential prompt per call, got %d", f.creds.InteractiveCalls())
	}
}

func TestExecute_CredentialsRefused(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.FailExec(authErr("info"))
	h := f.state(t).Clients().Handle("ws")

	_, err := h.Execute(testCtx(t), info())
	if !errors.Is(err, ErrTerminal) || !errors.Is(err, ErrCredentialsRefused) {
		t.Fatalf("expected terminal credentials-refused failure, got %v", err)
	}
	if !f.state(t).IsOnline() {
		t.Fatalf("refusing credentials must not change the online state")
	}
}

func TestExecute_TransientConnectionWorkOffline(t *testing.T) {
	f := newFixture(t, Config{})
	f.prompt.Decision = vcs.DecisionWorkOffline
	f.srv.FailExec(connErr("info"))
	st := f.state(t)
	h := st.Clients().Handle("ws")

	_, err := h.Execute(testCtx(t), info())
	if !errors.Is(err, ErrWorkingOffline) {
		t.Fatalf("expected ErrWorkingOffline, got %v", err)
	}
	if st.IsOnline() {
		t.Fatalf("expected the state to be offline")
	}
	if got := f.rec.Count(vcstest.EventDisconnected); got != 1 {
		t.Fatalf("expected exactly 1 disconnected event, got %d", got)
	}
	if f.prompt.Calls() != 1 {
		t.Fatalf("expected 1 prompt, got %d", f.prompt.Calls())
	}
}

func TestExecute_TransientConnectionRetry(t *testing.T) {
	f := newFixture(t, Config{})
	f.prompt.Decision = vcs.DecisionRetry
	f.srv.FailExec(connErr("info"))
	st := f.state(t)
	h := st.Clients().Handle("ws")

	if _, err := h.Execute(testCtx(t), info()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !st.IsOnline() {
		t.Fatalf("expected online")
	}
	// The broken session was dropped and a new one established.
	if f.srv.Sessions() != 2 {
		t.Fatalf("expected a reconnect, got %d sessions", f.srv.Sessions())
	}
	if f.rec.Count(vcstest.EventDisconnected) != 0 {
		t.Fatalf("a retried failure must not publish a disconnect")
	}
}

func TestExecute_ConnectionRetriesAreCapped(t *testing.T) {
	f := newFixture(t, Config{MaxConnectionRetries: 2})
	f.prompt.Decision = vcs.DecisionRetry
	f.srv.SetDown(true)
	h := f.state(t).Clients().Handle("ws")

	_, err := h.Execute(testCtx(t), info())
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal after the retry cap, got %v", err)
	}
	if f.prompt.Calls() != 1 {
		t.Fatalf("expected a single prompt per call, got %d", f.prompt.Calls())
	}
	if got := f.srv.Connects(); got != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", got)
	}
}

func TestExecute_NoNetworkWhileOffline(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := testCtx(t)
	st := f.state(t)
	h := st.Clients().Handle("ws")
	if _, err := h.Execute(ctx, info()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := st.ForceDisconnect(ctx); err != nil {
		t.Fatalf("force disconnect: %v", err)
	}
	before := f.srv.Execs()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := h.Execute(ctx, info())
			if !errors.Is(err, ErrWorkingOffline) {
				return err
			}
			_, err = RunWithSession(ctx, h, func(ctx context.Context, sess vcs.Session) (struct{}, error) {
				return struct{}{}, errors.New("must not run")
			})
			if !errors.Is(err, ErrWorkingOffline) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected result while offline: %v", err)
	}
	if got := f.srv.Execs(); got != before {
		t.Fatalf("expected no execute calls while offline, got %d", got-before)
	}

	if err := st.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := f.srv.Execs(); got != before+1 {
		t.Fatalf("expected exactly the verification call, got %d", got-before)
	}
	if _, err := h.Execute(ctx, info()); err != nil {
		t.Fatalf("execute after reconnect: %v", err)
	}
}

func TestExecute_ConcurrentFailuresPromptOnce(t *testing.T) {
	log, handled := newCountingLogger("disconnect already being handled; not retrying")
	f := newFixture(t, Config{Logger: log})
	f.prompt.Decision = vcs.DecisionWorkOffline
	f.prompt.Gate = make(chan struct{})
	f.prompt.Entered = make(chan struct{}, 1)
	f.srv.SetDown(true)
	ctx := testCtx(t)
	st := f.state(t)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = st.Clients().Handle("ws-0").Execute(ctx, info())
	}()
	<-f.prompt.Entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = st.Clients().Handle("ws").Execute(ctx, info())
		}()
	}
	// Every other caller must observe the decision in progress, not the
	// offline state it leads to.
	deadline := time.Now().Add(5 * time.Second)
	for handled.Load() < callers-1 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d callers reached the disconnect handling", handled.Load(), callers-1)
		}
		time.Sleep(time.Millisecond)
	}
	close(f.prompt.Gate)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrWorkingOffline) {
			t.Fatalf("caller %d: expected ErrWorkingOffline, got %v", i, err)
		}
	}
	if got := handled.Load(); got != callers-1 {
		t.Fatalf("expected %d callers turned away while deciding, got %d", callers-1, got)
	}
	if got := f.prompt.Calls(); got != 1 {
		t.Fatalf("expected exactly 1 prompt for %d concurrent failures, got %d", callers, got)
	}
	if got := f.rec.Count(vcstest.EventDisconnected); got != 1 {
		t.Fatalf("expected 1 disconnected event, got %d", got)
	}
}

func TestExecute_ConfigurationProblemReportedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := testCtx(t)
	h := f.state(t).Clients().Handle("ws")
	problem := &vcs.InvalidConfigError{
		Identity: testID,
		Problems: []vcs.ConfigurationProblem{{Field: "port", Message: "must be between 1 and 65535"}},
	}
	f.srv.FailExec(problem, problem)

	for i := 0; i < 2; i++ {
		_, err := h.Execute(ctx, info())
		if !errors.Is(err, ErrConfigurationInvalid) {
			t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
		}
		var ice *vcs.InvalidConfigError
		if !errors.As(err, &ice) {
			t.Fatalf("expected the problems to be reachable, got %v", err)
		}
	}
	if got := f.rec.Count(vcstest.EventProblem); got != 1 {
		t.Fatalf("expected 1 problem report, got %d", got)
	}
	if f.srv.Execs() != 2 {
		t.Fatalf("configuration problems must not be retried, got %d execs", f.srv.Execs())
	}

	// A different problem set is reported again.
	f.srv.FailExec(&vcs.InvalidConfigError{
		Identity: testID,
		Problems: []vcs.ConfigurationProblem{{Field: "user", Message: "required"}},
	})
	if _, err := h.Execute(ctx, info()); !errors.Is(err, ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
	}
	if got := f.rec.Count(vcstest.EventProblem); got != 2 {
		t.Fatalf("expected 2 problem reports, got %d", got)
	}
}

func TestExecute_EmptyProblemSetIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := testCtx(t)
	h := f.state(t).Clients().Handle("ws")
	empty := &vcs.InvalidConfigError{Identity: testID}
	f.srv.FailExec(empty, empty)

	for i := 0; i < 2; i++ {
		if _, err := h.Execute(ctx, info()); !errors.Is(err, ErrConfigurationInvalid) {
			t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
		}
	}
	if got := f.rec.Count(vcstest.EventProblem); got != 1 {
		t.Fatalf("expected the empty problem set to be reported once, got %d", got)
	}
}

func TestExecute_ClassifiedConfigurationError(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.FailExec(vcs.NewError(vcs.KindConfiguration, "info", errors.New("unknown flag -x")))
	h := f.state(t).Clients().Handle("ws")

	if _, err := h.Execute(testCtx(t), info()); !errors.Is(err, ErrConfigurationInvalid) {
		t.Fatalf("expected ErrConfigurationInvalid, got %v", err)
	}
	if f.rec.Count(vcstest.EventProblem) != 0 {
		t.Fatalf("only structured problem sets are published")
	}
}

func TestExecute_TerminalError(t *testing.T) {
	f := newFixture(t, Config{})
	boom := errors.New("server crashed")
	f.srv.FailExec(boom)
	h := f.state(t).Clients().Handle("ws")

	_, err := h.Execute(testCtx(t), info())
	if !errors.Is(err, ErrTerminal) || !errors.Is(err, boom) {
		t.Fatalf("expected terminal error wrapping the cause, got %v", err)
	}
	if f.srv.Execs() != 1 {
		t.Fatalf("terminal errors must not be retried")
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.state(t).Clients().Handle("ws")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Execute(ctx, info()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if f.srv.Execs() != 0 {
		t.Fatalf("a cancelled call must not reach the server")
	}
}

func TestExecute_CancelledSessionError(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.FailExec(vcs.NewError(vcs.KindCancelled, "sync", context.DeadlineExceeded))
	st := f.state(t)

	_, err := st.Clients().Handle("ws").Execute(testCtx(t), vcs.Command{Name: "sync"})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrCancelled wrapping the deadline, got %v", err)
	}
	if !st.IsOnline() {
		t.Fatalf("cancellation must not change state")
	}
}

func TestExecute_CancelDuringPrompt(t *testing.T) {
	f := newFixture(t, Config{})
	f.prompt.Gate = make(chan struct{})
	f.prompt.Entered = make(chan struct{}, 1)
	f.srv.FailExec(connErr("info"))
	st := f.state(t)

	ctx, cancel := context.WithCancel(testCtx(t))
	done := make(chan error, 1)
	go func() {
		_, err := st.Clients().Handle("ws").Execute(ctx, info())
		done <- err
	}()
	<-f.prompt.Entered
	cancel()

	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	online, changing := st.Status()
	if !online || changing {
		t.Fatalf("expected online and stable, got online=%v changing=%v", online, changing)
	}
}

func TestExecute_FactoryError(t *testing.T) {
	f := newFixture(t, Config{})
	f.prompt.Decision = vcs.DecisionWorkOffline
	f.srv.FailFactory(connErr("dial"))
	st := f.state(t)

	if _, err := st.Clients().Handle("ws").Execute(testCtx(t), info()); !errors.Is(err, ErrWorkingOffline) {
		t.Fatalf("expected ErrWorkingOffline, got %v", err)
	}
	if st.IsOnline() {
		t.Fatalf("expected offline")
	}
}

func TestExecute_ClosedHandle(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.state(t).Clients().Handle("ws")
	h.Close()

	if _, err := h.Execute(testCtx(t), info()); !errors.Is(err, ErrTerminal) || !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("expected a terminal closed-handle error, got %v", err)
	}
}
