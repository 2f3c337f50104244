package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// Security policy settings. BlockedPatterns augments the built-in
	// destructive-command list; PolicyFile replaces the policy wholesale.
	PolicyFile       string   `envconfig:"POLICY_FILE" default:""`
	BlockedPatterns  []string `envconfig:"BLOCKED_PATTERNS" default:""`
	MaxCommandLength int      `envconfig:"MAX_COMMAND_LENGTH" default:"2000"`
	ConfirmSudo      bool     `envconfig:"CONFIRM_SUDO" default:"false"`
	PolicyLogging    bool     `envconfig:"POLICY_LOGGING" default:"true"`

	// Terminal session settings
	SessionIdleTimeout   time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionSweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"5m"`
	CommandTimeout       time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	MaxSessionsPerUser   int           `envconfig:"MAX_SESSIONS_PER_USER" default:"10"`

	// Completion settings
	CompletionLimit         int `envconfig:"COMPLETION_LIMIT" default:"15"`
	CompletionFallbackLimit int `envconfig:"COMPLETION_FALLBACK_LIMIT" default:"10"`

	// Batch script settings
	BatchHostCap     int           `envconfig:"BATCH_HOST_CAP" default:"50"`
	BatchConcurrency int           `envconfig:"BATCH_CONCURRENCY" default:"10"`
	BatchTimeout     time.Duration `envconfig:"BATCH_TIMEOUT" default:"5m"`

	// SSH connection settings
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
	SSHMaxConnections int           `envconfig:"SSH_MAX_CONNECTIONS" default:"100"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("OPSDECK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = Cfg.DataPath + "/opsdeck.db"
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = Cfg.DataPath + "/opsdeck.log"
	}
}
