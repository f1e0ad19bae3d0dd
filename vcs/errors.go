package vcs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a Session failure by how the connection core should react to it.
type Kind int

const (
	// KindTerminal is an unexpected or unclassified failure. It is never retried.
	KindTerminal Kind = iota
	// KindAuthentication means the session expired or the credentials were rejected.
	KindAuthentication
	// KindConfiguration means the request or the configuration has the wrong
	// shape (malformed request, unsupported option, invalid server settings).
	KindConfiguration
	// KindConnection means the transport was lost or could not be established.
	KindConnection
	// KindCancelled means the caller cancelled or the request timed out.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindCancelled:
		return "cancelled"
	default:
		return "terminal"
	}
}

// ClassifiedError is the single error shape Session implementations return.
type ClassifiedError struct {
	Kind Kind
	// Op names the session operation that failed (connect, authenticate, or the command name).
	Op  string
	Err error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewError wraps err as a ClassifiedError of the given kind.
func NewError(kind Kind, op string, err error) error {
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}

// Classify returns the Kind of err. A nil error classifies as KindTerminal;
// callers are expected to only classify non-nil errors.
func Classify(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ice *InvalidConfigError
	if errors.As(err, &ice) {
		return KindConfiguration
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindTerminal
}
