package shellsession

import (
	"errors"
	"fmt"

	"github.com/opsdeck/opsdeck/internal/secpolicy"
)

var (
	// ErrSessionNotFound indicates the session ID is unknown (never
	// created, destroyed, or swept). The caller must create a new session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive indicates the session exists but its channel was
	// lost. The caller must create a new session.
	ErrSessionInactive = errors.New("session is not active")

	// ErrAccessDenied indicates the caller does not own the session and is
	// not an administrator.
	ErrAccessDenied = errors.New("access denied")

	// ErrTooManySessions indicates the per-user session cap was reached.
	ErrTooManySessions = errors.New("too many active sessions")
)

// PolicyError carries the security verdict that blocked a command. The
// command was never sent to the remote side.
type PolicyError struct {
	Verdict secpolicy.Verdict
}

func (e *PolicyError) Error() string {
	if e.Verdict.Pattern != "" {
		return fmt.Sprintf("command blocked by security policy (%s: %q)", e.Verdict.Reason, e.Verdict.Pattern)
	}
	return fmt.Sprintf("command blocked by security policy (%s)", e.Verdict.Reason)
}
