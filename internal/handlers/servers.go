package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsdeck/opsdeck/internal/database"
	"github.com/opsdeck/opsdeck/internal/middleware"
	"github.com/opsdeck/opsdeck/internal/sshconn"
)

// SSHMgr is set from main.go during init.
var SSHMgr *sshconn.Manager

// ListServers returns the servers visible to the requesting user: all of
// them for admins, granted ones for everyone else.
func ListServers(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	servers, err := database.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}

	var visible []database.Server
	if user.Role == "admin" {
		visible = servers
	} else {
		granted, err := database.GetUserServers(user.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to resolve server grants")
			return
		}
		grantSet := make(map[uint]struct{}, len(granted))
		for _, id := range granted {
			grantSet[id] = struct{}{}
		}
		for _, s := range servers {
			if _, ok := grantSet[s.ID]; ok {
				visible = append(visible, s)
			}
		}
	}

	type serverResponse struct {
		ID          uint   `json:"id"`
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Host        string `json:"host"`
		Port        int    `json:"port"`
		SSHUser     string `json:"ssh_user"`
		Status      string `json:"status"`
		Tags        string `json:"tags"`
		Connected   bool   `json:"connected"`
		CreatedAt   string `json:"created_at"`
	}
	result := make([]serverResponse, 0, len(visible))
	for _, s := range visible {
		result = append(result, serverResponse{
			ID:          s.ID,
			Name:        s.Name,
			DisplayName: s.DisplayName,
			Host:        s.Host,
			Port:        s.Port,
			SSHUser:     s.SSHUser,
			Status:      s.Status,
			Tags:        s.Tags,
			Connected:   SSHMgr != nil && SSHMgr.IsConnected(s.ID),
			CreatedAt:   formatTimestamp(s.CreatedAt),
		})
	}

	writeData(w, http.StatusOK, result)
}

func GetServer(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}
	if !middleware.CanAccessServer(r, id) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	server, err := database.GetServerByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}
	writeData(w, http.StatusOK, server)
}

func CreateServer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Host        string `json:"host"`
		Port        int    `json:"port"`
		SSHUser     string `json:"ssh_user"`
		Tags        string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Name == "" || body.Host == "" {
		writeError(w, http.StatusBadRequest, "Name and host are required")
		return
	}
	if body.Port == 0 {
		body.Port = 22
	}
	if body.SSHUser == "" {
		body.SSHUser = "root"
	}

	server := &database.Server{
		Name:        body.Name,
		DisplayName: body.DisplayName,
		Host:        body.Host,
		Port:        body.Port,
		SSHUser:     body.SSHUser,
		Status:      "unknown",
		Tags:        body.Tags,
	}
	if err := database.CreateServer(server); err != nil {
		writeError(w, http.StatusConflict, "Server name already exists")
		return
	}

	writeData(w, http.StatusCreated, server)
}

func UpdateServer(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}

	server, err := database.GetServerByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}

	var body struct {
		DisplayName *string `json:"display_name"`
		Host        *string `json:"host"`
		Port        *int    `json:"port"`
		SSHUser     *string `json:"ssh_user"`
		Tags        *string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.DisplayName != nil {
		server.DisplayName = *body.DisplayName
	}
	if body.Host != nil && *body.Host != "" {
		server.Host = *body.Host
	}
	if body.Port != nil && *body.Port > 0 {
		server.Port = *body.Port
	}
	if body.SSHUser != nil && *body.SSHUser != "" {
		server.SSHUser = *body.SSHUser
	}
	if body.Tags != nil {
		server.Tags = *body.Tags
	}

	if err := database.UpdateServer(server); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update server")
		return
	}
	writeData(w, http.StatusOK, server)
}

func DeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}

	if err := database.DeleteServer(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestServerConnection opens (or reuses) a pooled connection and runs a
// trivial command to verify the server is reachable.
func TestServerConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}
	if !middleware.CanAccessServer(r, id) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	user := middleware.GetUser(r)
	channel, err := SSHMgr.OpenChannel(r.Context(), id, user.ID)
	if err != nil {
		database.SetServerStatus(id, "unreachable")
		writeError(w, http.StatusBadGateway, "Connection failed: "+err.Error())
		return
	}
	defer channel.Close()

	res, err := channel.Exec(r.Context(), "true", 0)
	if err != nil || res.ExitCode != 0 {
		database.SetServerStatus(id, "unreachable")
		writeError(w, http.StatusBadGateway, "Command probe failed")
		return
	}

	database.SetServerStatus(id, "online")
	writeData(w, http.StatusOK, map[string]interface{}{
		"status":      "online",
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// GetPublicKey returns the dashboard's SSH public key so operators can
// install it on target servers.
func GetPublicKey(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{
		"public_key": SSHMgr.PublicKey(),
	})
}
