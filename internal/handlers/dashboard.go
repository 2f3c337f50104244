package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsdeck/opsdeck/internal/database"
)

// GetDashboard returns the counters shown on the landing page.
func GetDashboard(w http.ResponseWriter, r *http.Request) {
	servers, err := database.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}
	online := 0
	for _, s := range servers {
		if s.Status == "online" {
			online++
		}
	}

	userCount, err := database.UserCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	stats, err := database.GetScriptLogStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute script stats")
		return
	}

	title, _ := database.GetSetting("dashboard_title")

	writeData(w, http.StatusOK, map[string]interface{}{
		"title":            title,
		"total_servers":    len(servers),
		"online_servers":   online,
		"total_users":      userCount,
		"active_sessions":  ShellMgr.Count(),
		"ssh_connections":  SSHMgr.ConnectionCount(),
		"script_runs":      stats.Total,
		"script_successes": stats.Success,
		"script_failures":  stats.Failed,
	})
}

func GetSettings(w http.ResponseWriter, r *http.Request) {
	title, err := database.GetSetting("dashboard_title")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"dashboard_title": title})
}

func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DashboardTitle string `json:"dashboard_title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.DashboardTitle == "" {
		writeError(w, http.StatusBadRequest, "dashboard_title is required")
		return
	}

	if err := database.SetSetting("dashboard_title", body.DashboardTitle); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}
	writeMessage(w, http.StatusOK, "Settings updated")
}
