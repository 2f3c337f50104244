package handlers

import (
	"net/http"

	"github.com/opsdeck/opsdeck/internal/logging"
)

// GetServerLogs returns the tail of the application log. Admin only.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := queryInt(r, "lines", 200)
	if lines < 1 {
		lines = 1
	}
	if lines > 5000 {
		lines = 5000
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"lines":   lines,
		"content": content,
	})
}

// ClearServerLogs truncates the application log. Admin only.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	writeMessage(w, http.StatusOK, "Logs cleared")
}
