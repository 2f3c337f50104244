package shellsession

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/sshconn"
)

// Session is a logical, stateful terminal bound to one user and one server,
// emulated on top of stateless remote execution. The working directory and
// environment live here, client-side; every command re-establishes them on
// the remote end via the sentinel transaction.
//
// All mutable fields are guarded by mu, which doubles as the per-session
// execution lock: exactly one command runs on a session at any instant, and
// destruction waits behind the same lock so a session is never torn down
// mid-command.
type Session struct {
	ID        string
	UserID    uint
	ServerID  uint
	CreatedAt time.Time

	mu           sync.Mutex
	channel      sshconn.Channel
	cwd          string
	env          map[string]string
	history      []string
	lastActivity time.Time
	active       bool
}

// historyCap bounds the per-session command history.
const historyCap = 100

// Info is a read-only snapshot of a session for API responses.
type Info struct {
	ID           string            `json:"id"`
	UserID       uint              `json:"user_id"`
	ServerID     uint              `json:"server_id"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env,omitempty"`
	History      []string          `json:"history,omitempty"`
	Active       bool              `json:"active"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// Snapshot returns a consistent copy of the session's state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	var env map[string]string
	if len(s.env) > 0 {
		env = make(map[string]string, len(s.env))
		for k, v := range s.env {
			env[k] = v
		}
	}
	var history []string
	if len(s.history) > 0 {
		history = append(history, s.history...)
	}
	return Info{
		ID:           s.ID,
		UserID:       s.UserID,
		ServerID:     s.ServerID,
		Cwd:          s.cwd,
		Env:          env,
		History:      history,
		Active:       s.active,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// recordHistory appends a command to the session history, evicting the
// oldest entry past the cap. Caller must hold s.mu.
func (s *Session) recordHistory(command string) {
	s.history = append(s.history, command)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

// Cwd returns the session's current working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// LastActivity returns the time of the last command or completion query.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Active reports whether the session can still execute commands.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SetEnv records an environment variable that subsequent commands see
// exported. Keys must be valid shell identifiers; values are quoted when
// replayed, so any value is safe.
func (s *Session) SetEnv(key, value string) error {
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid environment variable name %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		s.env = make(map[string]string)
	}
	s.env[key] = value
	return nil
}

// UnsetEnv removes an environment variable from the session.
func (s *Session) UnsetEnv(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.env, key)
}

// markInactive flips the session to inactive and releases its channel.
// Caller must hold s.mu.
func (s *Session) markInactiveLocked() {
	if !s.active {
		return
	}
	s.active = false
	if s.channel != nil {
		s.channel.Close()
	}
}
