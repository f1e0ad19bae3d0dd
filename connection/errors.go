package connection

import (
	"errors"
	"fmt"
)

// Errors returned by the connection core.
var (
	// ErrWorkingOffline is returned when the server is offline, or the user
	// chose to work offline after a lost connection.
	ErrWorkingOffline = errors.New("working offline")
	// ErrConfigurationInvalid is returned for configuration-shaped failures. It
	// is never retried.
	ErrConfigurationInvalid = errors.New("configuration invalid")
	// ErrCancelled is returned when the caller's context ended or the request timed out.
	ErrCancelled = errors.New("cancelled")
	// ErrTerminal wraps unexpected or unrecoverable failures.
	ErrTerminal = errors.New("terminal failure")
	// ErrCredentialsRefused is returned (wrapped in ErrTerminal) when the
	// server asked for credentials and none were supplied.
	ErrCredentialsRefused = errors.New("credentials refused")

	ErrDisposed       = errors.New("server session disposed")
	ErrHandleClosed   = errors.New("client handle closed")
	ErrRegistryClosed = errors.New("session registry closed")
	ErrNilOwner       = errors.New("owner is required")
	ErrOwnerDisposed  = errors.New("owner already disposed")
	ErrNoFactory      = errors.New("session factory is required")
)

func wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	if errors.Is(cause, sentinel) {
		return cause
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
