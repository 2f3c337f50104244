package handlers

import (
	"net/http"

	"github.com/opsdeck/opsdeck/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	sshConns := 0
	if SSHMgr != nil {
		sshConns = SSHMgr.ConnectionCount()
	}
	sessions := 0
	if ShellMgr != nil {
		sessions = ShellMgr.Count()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"ssh_connections": sshConns,
		"shell_sessions":  sessions,
	})
}
