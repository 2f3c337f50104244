package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/opsdeck/opsdeck/internal/batch"
	"github.com/opsdeck/opsdeck/internal/database"
	"github.com/opsdeck/opsdeck/internal/middleware"
	"github.com/opsdeck/opsdeck/internal/shellsession"
)

// BatchExec is set from main.go during init.
var BatchExec *batch.Executor

type runScriptRequest struct {
	ScriptName string `json:"script_name"`
	Command    string `json:"command"`
	ServerIDs  []uint `json:"server_ids"`
	Confirmed  bool   `json:"confirmed"`
}

func (req *runScriptRequest) validate(r *http.Request) (int, string) {
	if req.Command == "" {
		return http.StatusBadRequest, "command is required"
	}
	if len(req.ServerIDs) == 0 {
		return http.StatusBadRequest, "server_ids is required"
	}
	for _, id := range req.ServerIDs {
		if !middleware.CanAccessServer(r, id) {
			return http.StatusForbidden, "Access denied to one or more servers"
		}
	}
	return 0, ""
}

func batchError(w http.ResponseWriter, err error) {
	var policyErr *shellsession.PolicyError
	switch {
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"success": false,
			"error":   policyErr.Error(),
			"reason":  string(policyErr.Verdict.Reason),
			"pattern": policyErr.Verdict.Pattern,
		})
	case errors.Is(err, batch.ErrTooManyHosts), errors.Is(err, batch.ErrNoHosts):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// RunScript executes a command across many servers and returns the
// aggregated per-host results once every host has finished.
func RunScript(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var body runScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if status, detail := body.validate(r); status != 0 {
		writeError(w, status, detail)
		return
	}

	result, err := BatchExec.Run(r.Context(), user.ID, body.ScriptName, body.Command, body.ServerIDs, body.Confirmed, nil)
	if err != nil {
		batchError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// ListScriptLogs returns script execution history, filtered and paginated.
// Non-admin users only see their own runs.
func ListScriptLogs(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	q := r.URL.Query()
	filter := database.ScriptLogFilter{
		Status:  q.Get("status"),
		BatchID: q.Get("batch_id"),
		Search:  q.Get("search"),
		Page:    queryInt(r, "page", 1),
		Limit:   queryInt(r, "limit", 50),
	}
	if user.Role == "admin" {
		filter.UserID = uint(queryInt(r, "user_id", 0))
	} else {
		filter.UserID = user.ID
	}
	if serverID := queryInt(r, "server_id", 0); serverID > 0 {
		filter.ServerID = uint(serverID)
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}

	logs, total, err := database.ListScriptLogs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list script logs")
		return
	}
	writePage(w, logs, filter.Page, filter.Limit, total)
}

// GetScriptLogStats returns success/failure counters for the dashboard.
func GetScriptLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := database.GetScriptLogStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}
	writeData(w, http.StatusOK, stats)
}
