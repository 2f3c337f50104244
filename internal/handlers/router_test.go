package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsdeck/opsdeck/internal/auth"
	"github.com/opsdeck/opsdeck/internal/batch"
	"github.com/opsdeck/opsdeck/internal/completion"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/database"
	"github.com/opsdeck/opsdeck/internal/middleware"
	"github.com/opsdeck/opsdeck/internal/secpolicy"
	"github.com/opsdeck/opsdeck/internal/shellsession"
	"github.com/opsdeck/opsdeck/internal/sshconn"
)

// fakeChannel emulates just enough remote shell for the HTTP layer: the home
// probe, the sentinel transaction, and the completion probes.
type fakeChannel struct{}

func (fakeChannel) Exec(ctx context.Context, command string, timeout time.Duration) (sshconn.Result, error) {
	switch {
	case command == "pwd" || command == "true":
		return sshconn.Result{Stdout: "/root\n"}, nil
	case strings.Contains(command, "__opsdeck_rc"):
		// Sentinel transaction: pretend the command printed "hi" and
		// stayed in /root.
		return sshconn.Result{Stdout: "hi\n\n__OPSDECK_CWD__/root\n"}, nil
	case strings.Contains(command, "compgen -c"):
		return sshconn.Result{Stdout: "git\ngrep\n"}, nil
	default:
		return sshconn.Result{ExitCode: 127}, nil
	}
}

func (fakeChannel) Close() error { return nil }

type fakeProvider struct{}

func (fakeProvider) OpenChannel(ctx context.Context, serverID, userID uint) (sshconn.Channel, error) {
	return fakeChannel{}, nil
}

// newTestServer stands up the API with a temp database, a fake SSH layer and
// authentication enabled.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	config.Load()
	config.Cfg.AuthDisabled = false
	if err := database.InitAt(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("database init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	SessionStore = auth.NewSessionStore()

	// Real manager with no live connections; handlers only ask it for
	// counters and the public key here.
	pub, priv, err := sshconn.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := sshconn.ParsePrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	SSHMgr = sshconn.NewManager(signer, string(pub), func(serverID uint) (sshconn.ServerAddress, error) {
		return sshconn.ServerAddress{}, sshconn.ErrConnection
	}, sshconn.Options{})
	t.Cleanup(func() { SSHMgr.CloseAll() })

	policy := secpolicy.DefaultPolicy()
	ShellMgr = shellsession.NewManager(fakeProvider{}, shellsession.Config{
		Policy:         policy,
		DefaultTimeout: time.Second,
		MaxPerUser:     10,
	})
	Completer = completion.NewEngine(ShellMgr, completion.Config{})
	BatchExec = batch.NewExecutor(fakeProvider{}, batch.Config{Policy: policy})

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", Login)
		r.Get("/auth/setup-required", SetupRequired)
		r.Post("/auth/setup", SetupCreateAdmin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(SessionStore))

			r.Post("/auth/logout", Logout)
			r.Get("/auth/me", GetCurrentUser)
			r.Get("/dashboard", GetDashboard)
			r.Get("/servers", ListServers)
			r.Get("/servers/{id}", GetServer)
			r.Get("/sessions", ListShellSessions)
			r.Post("/sessions", CreateShellSession)
			r.Post("/sessions/{sessionId}/run", RunShellCommand)
			r.Post("/sessions/{sessionId}/complete", CompleteShellInput)
			r.Delete("/sessions/{sessionId}", DestroyShellSession)
			r.Post("/scripts/run", RunScript)
			r.Get("/scripts/logs", ListScriptLogs)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/servers", CreateServer)
				r.Delete("/servers/{id}", DeleteServer)
				r.Get("/users", ListUsers)
				r.Post("/users", CreateUser)
			})
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// client wraps the test server with cookie handling and JSON helpers.
type client struct {
	t       *testing.T
	base    string
	http    *http.Client
	cookies []*http.Cookie
}

func newClient(t *testing.T, srv *httptest.Server) *client {
	return &client{t: t, base: srv.URL, http: srv.Client()}
}

func (c *client) do(method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	c.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		c.t.Fatal(err)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()

	if set := resp.Cookies(); len(set) > 0 {
		c.cookies = set
	}

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (c *client) mustSetupAdmin(username, password string) {
	c.t.Helper()
	resp, body := c.do("POST", "/api/v1/auth/setup", map[string]string{
		"username": username, "password": password,
	})
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("setup: status %d body %v", resp.StatusCode, body)
	}
}

func dataField(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("no data field in %v", body)
	}
	return data
}

func TestSetupAndLoginFlow(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, srv)

	// Fresh install reports setup pending.
	resp, body := c.do("GET", "/api/v1/auth/setup-required", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !dataField(t, body)["setup_required"].(bool) {
		t.Fatal("setup_required = false on empty database")
	}

	c.mustSetupAdmin("admin", "swordfish")

	// Setup can only run once.
	resp, _ = c.do("POST", "/api/v1/auth/setup", map[string]string{"username": "x", "password": "y"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second setup: status %d, want 409", resp.StatusCode)
	}

	// The setup call left us logged in.
	resp, body = c.do("GET", "/api/v1/auth/me", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", resp.StatusCode)
	}
	if dataField(t, body)["username"] != "admin" {
		t.Errorf("me = %v", body)
	}

	// Logout invalidates the cookie.
	c.do("POST", "/api/v1/auth/logout", nil)
	if resp, _ := c.do("GET", "/api/v1/auth/me", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("me after logout: status %d", resp.StatusCode)
	}

	// Wrong password is rejected; right one restores access.
	resp, _ = c.do("POST", "/api/v1/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login: status %d", resp.StatusCode)
	}
	resp, _ = c.do("POST", "/api/v1/auth/login", map[string]string{"username": "admin", "password": "swordfish"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	if resp, _ := c.do("GET", "/api/v1/auth/me", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("me after login: status %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, srv)

	for _, path := range []string{"/api/v1/servers", "/api/v1/sessions", "/api/v1/dashboard"} {
		if resp, _ := c.do("GET", path, nil); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s: status %d, want 401", path, resp.StatusCode)
		}
	}

	// Health needs no auth.
	if resp, _ := c.do("GET", "/health", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("health: status %d", resp.StatusCode)
	}
}

func TestAdminOnlyRoutes(t *testing.T) {
	srv := newTestServer(t)
	admin := newClient(t, srv)
	admin.mustSetupAdmin("admin", "swordfish")

	// Create a regular user, then log in as them.
	resp, _ := admin.do("POST", "/api/v1/users", map[string]string{
		"username": "bob", "password": "hunter2", "role": "user",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: status %d", resp.StatusCode)
	}

	user := newClient(t, srv)
	if resp, _ := user.do("POST", "/api/v1/auth/login", map[string]string{"username": "bob", "password": "hunter2"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("bob login: status %d", resp.StatusCode)
	}

	if resp, _ := user.do("POST", "/api/v1/servers", map[string]string{"name": "x", "host": "h"}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("user creating server: status %d, want 403", resp.StatusCode)
	}
	if resp, _ := user.do("GET", "/api/v1/users", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("user listing users: status %d, want 403", resp.StatusCode)
	}
	if resp, _ := admin.do("GET", "/api/v1/users", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("admin listing users: status %d", resp.StatusCode)
	}
}

func createTestServerRecord(t *testing.T, c *client) uint {
	t.Helper()
	resp, body := c.do("POST", "/api/v1/servers", map[string]interface{}{
		"name": "web-1", "host": "10.0.0.5",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create server: status %d body %v", resp.StatusCode, body)
	}
	return uint(dataField(t, body)["id"].(float64))
}

func TestShellSessionEndpoints(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, srv)
	c.mustSetupAdmin("admin", "swordfish")
	serverID := createTestServerRecord(t, c)

	// Create a session.
	resp, body := c.do("POST", "/api/v1/sessions", map[string]interface{}{"server_id": serverID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d body %v", resp.StatusCode, body)
	}
	data := dataField(t, body)
	sessionID := data["id"].(string)
	if data["cwd"] != "/root" {
		t.Errorf("cwd = %v", data["cwd"])
	}

	// Run a command.
	resp, body = c.do("POST", "/api/v1/sessions/"+sessionID+"/run", map[string]string{"command": "echo hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run: status %d body %v", resp.StatusCode, body)
	}
	data = dataField(t, body)
	if data["stdout"] != "hi\n" || data["cwd"] != "/root" {
		t.Errorf("run result = %v", data)
	}
	if strings.Contains(data["stdout"].(string), "__OPSDECK_CWD__") {
		t.Error("sentinel leaked to the API")
	}

	// Blocked command.
	resp, body = c.do("POST", "/api/v1/sessions/"+sessionID+"/run", map[string]string{"command": "rm -rf /"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("blocked run: status %d", resp.StatusCode)
	}
	if body["reason"] != "blocked-pattern" {
		t.Errorf("blocked run body = %v", body)
	}

	// Completion.
	resp, body = c.do("POST", "/api/v1/sessions/"+sessionID+"/complete", map[string]string{"line": "g"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d", resp.StatusCode)
	}
	suggestions := dataField(t, body)["suggestions"].([]interface{})
	if len(suggestions) != 2 {
		t.Errorf("suggestions = %v", suggestions)
	}

	// Destroy, then the session is gone.
	resp, _ = c.do("DELETE", "/api/v1/sessions/"+sessionID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("destroy: status %d", resp.StatusCode)
	}
	resp, _ = c.do("POST", "/api/v1/sessions/"+sessionID+"/run", map[string]string{"command": "pwd"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("run on destroyed session: status %d", resp.StatusCode)
	}
}

func TestRunScriptEndpoint(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, srv)
	c.mustSetupAdmin("admin", "swordfish")
	serverID := createTestServerRecord(t, c)

	resp, body := c.do("POST", "/api/v1/scripts/run", map[string]interface{}{
		"script_name": "probe",
		"command":     "true",
		"server_ids":  []uint{serverID},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run script: status %d body %v", resp.StatusCode, body)
	}
	data := dataField(t, body)
	if data["total_hosts"].(float64) != 1 || data["success_count"].(float64) != 1 {
		t.Errorf("result = %v", data)
	}

	// The run landed in the script logs.
	resp, body = c.do("GET", "/api/v1/scripts/logs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: status %d", resp.StatusCode)
	}
	if body["total"].(float64) != 1 {
		t.Errorf("logs body = %v", body)
	}

	// Blocked script never runs anywhere.
	resp, _ = c.do("POST", "/api/v1/scripts/run", map[string]interface{}{
		"command": "rm -rf /", "server_ids": []uint{serverID},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("blocked script: status %d", resp.StatusCode)
	}
}

func TestServerVisibilityByGrant(t *testing.T) {
	srv := newTestServer(t)
	admin := newClient(t, srv)
	admin.mustSetupAdmin("admin", "swordfish")
	serverID := createTestServerRecord(t, admin)

	admin.do("POST", "/api/v1/users", map[string]string{"username": "bob", "password": "hunter2"})

	bob := newClient(t, srv)
	bob.do("POST", "/api/v1/auth/login", map[string]string{"username": "bob", "password": "hunter2"})

	// Without a grant bob sees nothing and cannot open sessions.
	_, body := bob.do("GET", "/api/v1/servers", nil)
	if servers, ok := body["data"].([]interface{}); ok && len(servers) != 0 {
		t.Errorf("ungranted user sees servers: %v", servers)
	}
	resp, _ := bob.do("POST", "/api/v1/sessions", map[string]interface{}{"server_id": serverID})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("ungranted session create: status %d, want 403", resp.StatusCode)
	}

	// Grant directly through the database layer, then access works.
	bobUser, err := database.GetUserByUsername("bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.SetUserServers(bobUser.ID, []uint{serverID}); err != nil {
		t.Fatal(err)
	}
	resp, _ = bob.do("POST", "/api/v1/sessions", map[string]interface{}{"server_id": serverID})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("granted session create: status %d", resp.StatusCode)
	}
}

func TestDashboardCounters(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, srv)
	c.mustSetupAdmin("admin", "swordfish")
	createTestServerRecord(t, c)

	resp, body := c.do("GET", "/api/v1/dashboard", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: status %d", resp.StatusCode)
	}
	data := dataField(t, body)
	if data["title"] != "OpsDeck" {
		t.Errorf("title = %v", data["title"])
	}
	if data["total_servers"].(float64) != 1 || data["total_users"].(float64) != 1 {
		t.Errorf("counters = %v", data)
	}
}
