package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// apiResponse is the envelope every endpoint answers with.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: true, Message: message})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, apiResponse{Success: false, Error: detail})
}

// writePage wraps a list payload with pagination metadata.
func writePage(w http.ResponseWriter, items interface{}, page, limit int, total int64) {
	totalPages := int64(0)
	if limit > 0 {
		totalPages = (total + int64(limit) - 1) / int64(limit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"data":       items,
		"page":       page,
		"limit":      limit,
		"total":      total,
		"totalPages": totalPages,
	})
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// uintParam parses a chi URL parameter as an unsigned ID.
func uintParam(r *http.Request, name string) (uint, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id < 0 {
		return 0, false
	}
	return uint(id), true
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
