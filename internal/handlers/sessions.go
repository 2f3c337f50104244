package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsdeck/opsdeck/internal/completion"
	"github.com/opsdeck/opsdeck/internal/middleware"
	"github.com/opsdeck/opsdeck/internal/shellsession"
	"github.com/opsdeck/opsdeck/internal/sshconn"
)

// ShellMgr and Completer are set from main.go during init.
var (
	ShellMgr  *shellsession.Manager
	Completer *completion.Engine
)

func callerFromRequest(r *http.Request) (shellsession.Caller, bool) {
	user := middleware.GetUser(r)
	if user == nil {
		return shellsession.Caller{}, false
	}
	return shellsession.Caller{UserID: user.ID, IsAdmin: user.Role == "admin"}, true
}

// sessionError translates session-layer errors into HTTP responses.
func sessionError(w http.ResponseWriter, err error) {
	var policyErr *shellsession.PolicyError
	switch {
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"success": false,
			"error":   policyErr.Error(),
			"reason":  string(policyErr.Verdict.Reason),
			"pattern": policyErr.Verdict.Pattern,
		})
	case errors.Is(err, shellsession.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, shellsession.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, shellsession.ErrSessionInactive):
		writeError(w, http.StatusGone, "Session is no longer active")
	case errors.Is(err, shellsession.ErrTooManySessions):
		writeError(w, http.StatusConflict, "Session limit reached")
	case errors.Is(err, sshconn.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "Command timed out")
	case errors.Is(err, sshconn.ErrMaxConnections):
		writeError(w, http.StatusServiceUnavailable, "Connection pool exhausted")
	case errors.Is(err, sshconn.ErrConnection):
		writeError(w, http.StatusBadGateway, "Connection to server lost")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// CreateShellSession opens a new shell session on a server.
func CreateShellSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var body struct {
		ServerID uint `json:"server_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.ServerID == 0 {
		writeError(w, http.StatusBadRequest, "server_id is required")
		return
	}
	if !middleware.CanAccessServer(r, body.ServerID) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	session, err := ShellMgr.CreateSession(r.Context(), caller.UserID, body.ServerID)
	if err != nil {
		sessionError(w, err)
		return
	}
	writeData(w, http.StatusCreated, session.Snapshot())
}

// ListShellSessions lists the caller's sessions (all sessions for admins).
func ListShellSessions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeData(w, http.StatusOK, ShellMgr.List(caller))
}

func GetShellSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	session, err := ShellMgr.Get(chi.URLParam(r, "sessionId"), caller)
	if err != nil {
		sessionError(w, err)
		return
	}
	writeData(w, http.StatusOK, session.Snapshot())
}

// RunShellCommand executes one command inside a session.
func RunShellCommand(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var body struct {
		Command   string `json:"command"`
		TimeoutS  int    `json:"timeout_seconds"`
		Cwd       string `json:"cwd"`
		Confirmed bool   `json:"confirmed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	opts := shellsession.RunOptions{
		Cwd:       body.Cwd,
		Confirmed: body.Confirmed,
	}
	if body.TimeoutS > 0 {
		opts.Timeout = time.Duration(body.TimeoutS) * time.Second
	}

	result, err := ShellMgr.Run(r.Context(), chi.URLParam(r, "sessionId"), caller, body.Command, opts)
	if err != nil && !errors.Is(err, sshconn.ErrTimeout) {
		sessionError(w, err)
		return
	}

	payload := map[string]interface{}{
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
		"cwd":         result.Cwd,
		"timed_out":   errors.Is(err, sshconn.ErrTimeout),
	}
	writeData(w, http.StatusOK, payload)
}

// CompleteShellInput returns completion suggestions for a partial command
// line. Always succeeds; failures inside the engine degrade to an empty
// suggestion list.
func CompleteShellInput(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var body struct {
		Line string `json:"line"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	suggestions := Completer.Complete(r.Context(), chi.URLParam(r, "sessionId"), caller, body.Line)
	writeData(w, http.StatusOK, map[string]interface{}{"suggestions": suggestions})
}

// SetSessionEnv sets or clears an environment variable on a session.
func SetSessionEnv(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var body struct {
		Key   string  `json:"key"`
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	session, err := ShellMgr.Get(chi.URLParam(r, "sessionId"), caller)
	if err != nil {
		sessionError(w, err)
		return
	}

	if body.Value == nil {
		session.UnsetEnv(body.Key)
	} else if err := session.SetEnv(body.Key, *body.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeMessage(w, http.StatusOK, "Environment updated")
}

// DestroyShellSession closes a session.
func DestroyShellSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	if err := ShellMgr.Destroy(chi.URLParam(r, "sessionId"), caller); err != nil {
		sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
