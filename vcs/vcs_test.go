package vcs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"connection", NewError(KindConnection, "connect", errors.New("refused")), KindConnection},
		{"wrapped auth", fmt.Errorf("sync: %w", NewError(KindAuthentication, "sync", nil)), KindAuthentication},
		{"invalid config", &InvalidConfigError{Problems: []ConfigurationProblem{{Field: "port", Message: "required"}}}, KindConfiguration},
		{"context cancelled", fmt.Errorf("op: %w", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindCancelled},
		{"plain", errors.New("boom"), KindTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifiedError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(KindConnection, "changes", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause must be reachable")
	}
	if got := err.Error(); got != "changes: connection failure: connection reset" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := NewError(KindTerminal, "x", nil).Error(); got != "x: terminal failure" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestInvalidConfigError_Fingerprint(t *testing.T) {
	a := &InvalidConfigError{Problems: []ConfigurationProblem{{"port", "required"}, {"user", "required"}}}
	b := &InvalidConfigError{Problems: []ConfigurationProblem{{"user", "required"}, {"port", "required"}}}
	c := &InvalidConfigError{Problems: []ConfigurationProblem{{"user", "required"}}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint must not depend on order")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("different problem sets must differ")
	}
	if Validate(ServerIdentity{}, nil) != nil {
		t.Fatalf("no problems must validate")
	}
}

func TestServerIdentity(t *testing.T) {
	id := ServerIdentity{Host: "::1", Port: 1666, AuthMethod: AuthTicket, Username: "gail"}
	if got := id.Address(); got != "[::1]:1666" {
		t.Fatalf("Address() = %q", got)
	}
	if got := id.String(); got != "tcp://[::1]:1666 (gail, ticket)" {
		t.Fatalf("String() = %q", got)
	}
	if AuthMethod("kerberos").Valid() || !AuthEnv.Valid() {
		t.Fatalf("unexpected Valid() result")
	}
}

func TestCredentials(t *testing.T) {
	c := &Credentials{Secret: []byte("pw")}
	clone := c.Clone()
	backing := c.Secret
	c.Clear()
	if c.Secret != nil || backing[0] != 0 || backing[1] != 0 {
		t.Fatalf("Clear() must zero the secret in place")
	}
	if string(clone.Secret) != "pw" {
		t.Fatalf("clone must be independent")
	}
	var nilCreds *Credentials
	nilCreds.Clear()
	if nilCreds.Clone() != nil {
		t.Fatalf("clone of nil must be nil")
	}
}

func TestCommandString(t *testing.T) {
	if got := (Command{Name: "clients", Args: []string{"-u", "gail"}}).String(); got != "clients -u gail" {
		t.Fatalf("String() = %q", got)
	}
	if got := (Command{Name: "info"}).String(); got != "info" {
		t.Fatalf("String() = %q", got)
	}
}
