package database

import "time"

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Server is a registered remote host that commands can be executed on.
type Server struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null;size:64" json:"name"`
	DisplayName string    `json:"display_name"`
	Host        string    `gorm:"not null" json:"host"`
	Port        int       `gorm:"not null;default:22" json:"port"`
	SSHUser     string    `gorm:"not null;default:root" json:"ssh_user"`
	Status      string    `gorm:"not null;default:unknown" json:"status"`
	Tags        string    `json:"tags"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserServer grants a non-admin user access to a server.
type UserServer struct {
	UserID   uint `gorm:"primaryKey" json:"user_id"`
	ServerID uint `gorm:"primaryKey" json:"server_id"`
}

// ScriptLog is an append-only record of one command run on one server,
// either interactively or as part of a batch script run.
type ScriptLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID    string    `gorm:"index;size:36" json:"batch_id"`
	ScriptName string    `gorm:"index" json:"script_name"`
	Command    string    `gorm:"not null" json:"command"`
	Status     string    `gorm:"not null;index" json:"status"` // success | failed
	Output     string    `json:"output"`
	Error      string    `json:"error"`
	ExitCode   int       `json:"exit_code"`
	StartTime  time.Time `gorm:"index" json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationS  float64   `json:"duration_seconds"`
	UserID     uint      `gorm:"index" json:"user_id"`
	ServerID   uint      `gorm:"index" json:"server_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
