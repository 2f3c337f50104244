package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsdeck/opsdeck/internal/auth"
	"github.com/opsdeck/opsdeck/internal/database"
	"github.com/opsdeck/opsdeck/internal/middleware"
)

func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	type userResponse struct {
		ID        uint   `json:"id"`
		Username  string `json:"username"`
		Role      string `json:"role"`
		CreatedAt string `json:"created_at"`
	}
	result := make([]userResponse, 0, len(users))
	for _, u := range users {
		result = append(result, userResponse{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			CreatedAt: formatTimestamp(u.CreatedAt),
		})
	}

	writeData(w, http.StatusOK, result)
}

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if body.Role == "" {
		body.Role = "user"
	}
	if body.Role != "admin" && body.Role != "user" {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	user := &database.User{
		Username:     body.Username,
		PasswordHash: hash,
		Role:         body.Role,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}

	writeData(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if err := database.DeleteUser(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	// Invalidate all sessions for the deleted user
	SessionStore.DeleteByUserID(id)

	w.WriteHeader(http.StatusNoContent)
}

func UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Role != "admin" && body.Role != "user" {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == id && body.Role != "admin" {
		writeError(w, http.StatusBadRequest, "Cannot demote your own account")
		return
	}

	if err := database.DB.Model(&database.User{}).Where("id = ?", id).Update("role", body.Role).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update role")
		return
	}

	writeMessage(w, http.StatusOK, "Role updated")
}

// GetUserAssignedServers returns the server IDs a user has been granted.
func GetUserAssignedServers(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	serverIDs, err := database.GetUserServers(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get servers")
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{"server_ids": serverIDs})
}

// SetUserAssignedServers replaces a user's server grants.
func SetUserAssignedServers(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		ServerIDs []uint `json:"server_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := database.SetUserServers(id, body.ServerIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to set servers")
		return
	}

	writeMessage(w, http.StatusOK, "Server grants updated")
}

func ResetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	if err := database.UpdateUserPassword(id, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update password")
		return
	}

	// Invalidate all sessions for this user
	SessionStore.DeleteByUserID(id)

	writeMessage(w, http.StatusOK, "Password reset")
}
