package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/opsdeck/opsdeck/internal/auth"
	"github.com/opsdeck/opsdeck/internal/batch"
	"github.com/opsdeck/opsdeck/internal/completion"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/database"
	"github.com/opsdeck/opsdeck/internal/handlers"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/middleware"
	"github.com/opsdeck/opsdeck/internal/secpolicy"
	"github.com/opsdeck/opsdeck/internal/shellsession"
	"github.com/opsdeck/opsdeck/internal/sshconn"
)

//go:embed frontend/dist
var frontendFS embed.FS

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	policy := loadPolicy()
	log.Printf("Security policy: %d blocked patterns, max length %d, confirm_sudo=%v",
		len(policy.BlockedPatterns), policy.MaxLength, policy.ConfirmSudo)

	// Init global SSH key pair and connection pool
	signer, publicKey, err := sshconn.EnsureKeyPair(config.Cfg.DataPath)
	if err != nil {
		log.Fatalf("SSH key init: %v", err)
	}
	sshMgr := sshconn.NewManager(signer, publicKey, resolveServerAddress, sshconn.Options{
		ConnectTimeout: config.Cfg.SSHConnectTimeout,
		MaxConnections: config.Cfg.SSHMaxConnections,
	})
	handlers.SSHMgr = sshMgr
	log.Printf("SSH manager initialized (public key: %d bytes)", len(publicKey))

	// Init shell session manager
	shellMgr := shellsession.NewManager(sshMgr, shellsession.Config{
		Policy:         policy,
		DefaultTimeout: config.Cfg.CommandTimeout,
		IdleTimeout:    config.Cfg.SessionIdleTimeout,
		MaxPerUser:     config.Cfg.MaxSessionsPerUser,
	})
	handlers.ShellMgr = shellMgr
	log.Printf("Shell session manager initialized (idle_timeout=%s, max_per_user=%d)",
		config.Cfg.SessionIdleTimeout, config.Cfg.MaxSessionsPerUser)

	handlers.Completer = completion.NewEngine(shellMgr, completion.Config{
		CommandLimit:  config.Cfg.CompletionLimit,
		FallbackLimit: config.Cfg.CompletionFallbackLimit,
	})

	handlers.BatchExec = batch.NewExecutor(sshMgr, batch.Config{
		HostCap:     config.Cfg.BatchHostCap,
		Concurrency: config.Cfg.BatchConcurrency,
		HostTimeout: config.Cfg.BatchTimeout,
		Policy:      policy,
	})

	// Init session store
	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Background maintenance
	maint := cron.New()
	maint.AddFunc("@every 10m", sessionStore.Cleanup)
	sweepSpec := fmt.Sprintf("@every %s", config.Cfg.SessionSweepInterval)
	maint.AddFunc(sweepSpec, func() {
		if n := shellMgr.SweepExpired(0); n > 0 {
			log.Printf("Swept %d idle shell sessions", n)
		}
	})
	maint.Start()
	defer maint.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			r.Get("/dashboard", handlers.GetDashboard)

			// Servers (ListServers filters by role internally)
			r.Get("/servers", handlers.ListServers)
			r.Get("/servers/{id}", handlers.GetServer)
			r.Post("/servers/{id}/test", handlers.TestServerConnection)
			r.Get("/ssh/public-key", handlers.GetPublicKey)

			// Shell sessions
			r.Get("/sessions", handlers.ListShellSessions)
			r.Post("/sessions", handlers.CreateShellSession)
			r.Get("/sessions/{sessionId}", handlers.GetShellSession)
			r.Post("/sessions/{sessionId}/run", handlers.RunShellCommand)
			r.Post("/sessions/{sessionId}/complete", handlers.CompleteShellInput)
			r.Put("/sessions/{sessionId}/env", handlers.SetSessionEnv)
			r.Delete("/sessions/{sessionId}", handlers.DestroyShellSession)

			// Batch scripts
			r.Post("/scripts/run", handlers.RunScript)
			r.Get("/scripts/run-ws", handlers.RunScriptWS)
			r.Get("/scripts/logs", handlers.ListScriptLogs)
			r.Get("/scripts/stats", handlers.GetScriptLogStats)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Post("/servers", handlers.CreateServer)
				r.Put("/servers/{id}", handlers.UpdateServer)
				r.Delete("/servers/{id}", handlers.DeleteServer)

				// Settings
				r.Get("/settings", handlers.GetSettings)
				r.Put("/settings", handlers.UpdateSettings)

				// Application logs
				r.Get("/logs", handlers.GetServerLogs)
				r.Delete("/logs", handlers.ClearServerLogs)

				// User management
				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Put("/users/{userId}/role", handlers.UpdateUserRole)
				r.Get("/users/{userId}/servers", handlers.GetUserAssignedServers)
				r.Put("/users/{userId}/servers", handlers.SetUserAssignedServers)
				r.Post("/users/{userId}/reset-password", handlers.ResetUserPassword)
			})
		})
	})

	// SPA static files (embedded)
	distFS, _ := fs.Sub(frontendFS, "frontend/dist")
	spa := middleware.NewSPAHandler(distFS)
	r.NotFound(spa.ServeHTTP)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shellMgr.CloseAll()
	if err := sshMgr.CloseAll(); err != nil {
		log.Printf("SSH manager shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// loadPolicy builds the security policy: a YAML file replaces the policy
// wholesale, otherwise the defaults are extended with env overrides.
func loadPolicy() secpolicy.Policy {
	if config.Cfg.PolicyFile != "" {
		policy, err := secpolicy.LoadPolicyFile(config.Cfg.PolicyFile)
		if err != nil {
			log.Fatalf("Security policy: %v", err)
		}
		return policy
	}

	policy := secpolicy.DefaultPolicy()
	policy.BlockedPatterns = append(policy.BlockedPatterns, config.Cfg.BlockedPatterns...)
	if config.Cfg.MaxCommandLength > 0 {
		policy.MaxLength = config.Cfg.MaxCommandLength
	}
	policy.ConfirmSudo = config.Cfg.ConfirmSudo
	policy.LoggingEnabled = config.Cfg.PolicyLogging
	return policy
}

// resolveServerAddress is the connection pool's bridge to the server
// registry.
func resolveServerAddress(serverID uint) (sshconn.ServerAddress, error) {
	server, err := database.GetServerByID(serverID)
	if err != nil {
		return sshconn.ServerAddress{}, fmt.Errorf("server %d not found", serverID)
	}
	return sshconn.ServerAddress{
		Host: server.Host,
		Port: server.Port,
		User: server.SSHUser,
	}, nil
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: opsdeck --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Note: existing sessions will expire within 1 hour.\n", *username)
	}
}
