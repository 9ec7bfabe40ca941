package jmapclient

import "fmt"

// AuthError wraps an authentication failure (HTTP 401 or equivalent).
// It is always fatal, never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("jmapclient: authentication failed: %s", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// TransportError wraps a DNS/connect/TLS/timeout failure that has
// already exhausted the configured retry policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("jmapclient: %s: %s", e.Op, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// StateExpiredError is returned by Changes when the server reports
// cannotCalculateChanges; the engine downgrades to a full query()-based
// rediscovery on seeing this.
type StateExpiredError struct {
	Since string
}

func (e *StateExpiredError) Error() string {
	return fmt.Sprintf("jmapclient: server cannot calculate changes since state %q", e.Since)
}
