// Package shellsession turns the one-shot SSH exec primitive into stateful
// terminal sessions with a persistent working directory and environment.
//
// A Manager owns the session registry: it creates sessions, serializes
// command execution per session, emulates directory persistence through the
// sentinel transaction (see sentinel.go), and reclaims idle sessions. Every
// command is filtered through the security policy before it touches a
// channel.
package shellsession

import (
	"context"
	"errors"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/opsdeck/internal/logutil"
	"github.com/opsdeck/opsdeck/internal/secpolicy"
	"github.com/opsdeck/opsdeck/internal/sshconn"
)

// Caller identifies who is acting on a session. Administrators may act on
// any session; other users only on their own.
type Caller struct {
	UserID  uint
	IsAdmin bool
}

// CommandResult is what a session command run returns to the API layer.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Cwd      string        `json:"cwd"`
}

// RunOptions tweaks a single command run.
type RunOptions struct {
	// Timeout overrides the manager's default command timeout when > 0.
	Timeout time.Duration
	// Cwd overrides the session's working directory for this command only.
	Cwd string
	// Confirmed acknowledges a requires-confirmation verdict (sudo).
	Confirmed bool
}

// Config carries the manager's externally settable knobs.
type Config struct {
	Policy         secpolicy.Policy
	DefaultTimeout time.Duration
	IdleTimeout    time.Duration
	MaxPerUser     int
}

// Manager owns the registry of shell sessions. One explicitly constructed
// Manager per process; there is no package-level session state.
type Manager struct {
	provider sshconn.Provider
	cfg      Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager backed by the given channel provider.
func NewManager(provider sshconn.Provider, cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		provider: provider,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// homeProbeTimeout bounds the initial working-directory probe.
const homeProbeTimeout = 15 * time.Second

// CreateSession opens a channel to the server and registers a new session
// whose working directory starts at the remote user's home directory.
func (m *Manager) CreateSession(ctx context.Context, userID, serverID uint) (*Session, error) {
	if m.cfg.MaxPerUser > 0 && m.countForUser(userID) >= m.cfg.MaxPerUser {
		return nil, ErrTooManySessions
	}

	channel, err := m.provider.OpenChannel(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}

	// A fresh exec session lands in the login user's home directory;
	// capture it as the session's starting cwd.
	cwd := "/"
	res, err := channel.Exec(ctx, "pwd", homeProbeTimeout)
	if err == nil && res.ExitCode == 0 {
		if dir := strings.TrimSpace(res.Stdout); strings.HasPrefix(dir, "/") {
			cwd = path.Clean(dir)
		}
	} else if err != nil {
		channel.Close()
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		ServerID:     serverID,
		CreatedAt:    now,
		channel:      channel,
		cwd:          cwd,
		lastActivity: now,
		active:       true,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	log.Printf("[shell] created session %s for user %d on server %d (cwd %s)",
		session.ID, userID, serverID, logutil.SanitizeForLog(cwd))
	return session, nil
}

// Get returns a session visible to the caller.
func (m *Manager) Get(sessionID string, caller Caller) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.UserID != caller.UserID && !caller.IsAdmin {
		return nil, ErrAccessDenied
	}
	return session, nil
}

// List returns snapshots of the caller's sessions (all sessions for admins).
func (m *Manager) List(caller Caller) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.UserID != caller.UserID && !caller.IsAdmin {
			continue
		}
		result = append(result, s.Snapshot())
	}
	return result
}

// Run executes one command on a session. The command passes through the
// security policy first; it is executed as a single sentinel transaction so
// the session's working directory persists across commands. Commands on the
// same session are strictly serialized; commands on different sessions run
// concurrently.
func (m *Manager) Run(ctx context.Context, sessionID string, caller Caller, command string, opts RunOptions) (CommandResult, error) {
	session, err := m.Get(sessionID, caller)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}

	verdict := secpolicy.Evaluate(command, m.cfg.Policy)
	if !verdict.Allowed {
		if verdict.Reason != secpolicy.ReasonRequiresConfirmation || !opts.Confirmed {
			if m.cfg.Policy.LoggingEnabled {
				log.Printf("[shell] blocked command on session %s (%s): %s",
					sessionID, verdict.Reason, logutil.Truncate(logutil.SanitizeForLog(command), 80))
			}
			return CommandResult{ExitCode: -1}, &PolicyError{Verdict: verdict}
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.active {
		return CommandResult{ExitCode: -1}, ErrSessionInactive
	}

	cwd := session.cwd
	if opts.Cwd != "" {
		cwd = path.Clean(opts.Cwd)
	}

	wrapped := wrapWithSentinel(cwd, session.env, command)
	res, execErr := session.channel.Exec(ctx, wrapped, timeout)

	result := CommandResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Cwd:      session.cwd,
	}

	if execErr != nil {
		result.Stdout = stripSentinel(result.Stdout)
		if errors.Is(execErr, sshconn.ErrConnection) || errors.Is(execErr, sshconn.ErrChannelClosed) {
			// Transport failure: the channel is gone, so the session is done.
			session.markInactiveLocked()
			log.Printf("[shell] session %s lost its connection: %v", sessionID, execErr)
			return result, execErr
		}
		// Timeout or caller-side cancellation aborted the command
		// best-effort; the SSH connection is intact and the session stays
		// usable for the next command.
		session.lastActivity = time.Now()
		return result, execErr
	}

	// Recover the post-command working directory from the sentinel line
	// and keep it out of the output the caller sees. A missing sentinel
	// leaves the recorded cwd unchanged.
	clean, newCwd, ok := parseSentinel(res.Stdout)
	if ok {
		if opts.Cwd == "" {
			session.cwd = newCwd
		}
		result.Cwd = newCwd
	}
	result.Stdout = clean
	session.recordHistory(command)
	session.lastActivity = time.Now()

	return result, nil
}

// Query runs an internally generated, non-mutating helper command (such as a
// completion probe) in the session's working directory. It bypasses the
// security policy — callers must only pass trusted, self-built commands —
// serializes with Run on the session lock, bumps lastActivity, and never
// touches the recorded cwd.
func (m *Manager) Query(ctx context.Context, sessionID string, caller Caller, command string, timeout time.Duration) (sshconn.Result, error) {
	session, err := m.Get(sessionID, caller)
	if err != nil {
		return sshconn.Result{ExitCode: -1}, err
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.active {
		return sshconn.Result{ExitCode: -1}, ErrSessionInactive
	}

	full := "cd " + shellQuote(session.cwd) + " && " + command
	res, execErr := session.channel.Exec(ctx, full, timeout)
	if execErr != nil && errors.Is(execErr, sshconn.ErrConnection) {
		session.markInactiveLocked()
		return res, execErr
	}

	session.lastActivity = time.Now()
	return res, execErr
}

// Destroy closes a session and removes it from the registry. Destroying an
// unknown session is a no-op. Destruction serializes behind any in-flight
// command on the session lock.
func (m *Manager) Destroy(sessionID string, caller Caller) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok && session.UserID != caller.UserID && !caller.IsAdmin {
		m.mu.Unlock()
		return ErrAccessDenied
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	session.mu.Lock()
	session.markInactiveLocked()
	session.mu.Unlock()

	log.Printf("[shell] destroyed session %s", sessionID)
	return nil
}

// SweepExpired destroys sessions idle longer than maxIdle (the configured
// idle timeout when maxIdle <= 0) and returns how many were closed. Sessions
// mid-command are drained, not interrupted: reclamation waits on the session
// lock, and the command's own lastActivity update then keeps fresh sessions
// out of the next sweep.
func (m *Manager) SweepExpired(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = m.cfg.IdleTimeout
	}
	cutoff := time.Now().Add(-maxIdle)

	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, s := range stale {
		s.mu.Lock()
		// Re-check after acquiring the lock: an in-flight command may
		// have refreshed the session while we waited.
		if !s.lastActivity.Before(cutoff) {
			s.mu.Unlock()
			continue
		}
		s.markInactiveLocked()
		s.mu.Unlock()

		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()

		log.Printf("[shell] swept idle session %s (idle since %s)",
			s.ID, s.LastActivity().Format(time.RFC3339))
		closed++
	}
	return closed
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll destroys every session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.markInactiveLocked()
		s.mu.Unlock()
	}
	if len(sessions) > 0 {
		log.Printf("[shell] closed all sessions (%d total)", len(sessions))
	}
}

func (m *Manager) countForUser(userID uint) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			count++
		}
	}
	return count
}

// stripSentinel removes a trailing sentinel line from partial output, for
// paths (like timeouts) where the transaction may have emitted the marker
// before being aborted.
func stripSentinel(stdout string) string {
	clean, _, ok := parseSentinel(stdout)
	if ok {
		return clean
	}
	return stdout
}
