// Package batch fans a single script out to many servers with bounded
// concurrency and records one script log row per target host.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/opsdeck/internal/database"
	"github.com/opsdeck/opsdeck/internal/logutil"
	"github.com/opsdeck/opsdeck/internal/secpolicy"
	"github.com/opsdeck/opsdeck/internal/shellsession"
	"github.com/opsdeck/opsdeck/internal/sshconn"
)

// ErrTooManyHosts is returned when a run targets more servers than the
// configured cap allows.
var ErrTooManyHosts = errors.New("batch: too many target hosts")

// ErrNoHosts is returned when a run targets no servers at all.
var ErrNoHosts = errors.New("batch: no target hosts")

// HostResult is the outcome of the script on a single server.
type HostResult struct {
	ServerID uint          `json:"server_id"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result aggregates a whole batch run. SuccessCount and FailedCount always
// sum to TotalHosts.
type Result struct {
	BatchID      string        `json:"batch_id"`
	ScriptName   string        `json:"script_name"`
	TotalHosts   int           `json:"total_hosts"`
	SuccessCount int           `json:"success_count"`
	FailedCount  int           `json:"failed_count"`
	Hosts        []HostResult  `json:"hosts"`
	Duration     time.Duration `json:"duration"`
}

// Event is a progress notification emitted as individual hosts finish.
type Event struct {
	BatchID   string      `json:"batch_id"`
	Type      string      `json:"type"` // "host_done" or "batch_done"
	Completed int         `json:"completed"`
	Total     int         `json:"total"`
	Host      *HostResult `json:"host,omitempty"`
	Result    *Result     `json:"result,omitempty"`
}

// Config carries the executor's limits.
type Config struct {
	// HostCap is the maximum number of servers a single run may target.
	HostCap int
	// Concurrency bounds the number of hosts executing at once.
	Concurrency int
	// HostTimeout bounds the script's runtime on each host.
	HostTimeout time.Duration
	// Policy filters the script once, before any host runs it.
	Policy secpolicy.Policy
}

// Executor runs scripts across many servers through the shared connection
// pool.
type Executor struct {
	provider sshconn.Provider
	cfg      Config
}

// NewExecutor creates a batch executor over the given channel provider.
func NewExecutor(provider sshconn.Provider, cfg Config) *Executor {
	if cfg.HostCap <= 0 {
		cfg.HostCap = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = 5 * time.Minute
	}
	return &Executor{provider: provider, cfg: cfg}
}

// Run executes command on every server in serverIDs. The script is checked
// against the security policy exactly once up front; per-host failures are
// collected, never propagated, so one bad host cannot abort the rest. The
// optional onEvent callback receives a host_done event per host and a final
// batch_done event, in completion order.
func (e *Executor) Run(ctx context.Context, userID uint, scriptName, command string, serverIDs []uint, confirmed bool, onEvent func(Event)) (*Result, error) {
	if len(serverIDs) == 0 {
		return nil, ErrNoHosts
	}
	if len(serverIDs) > e.cfg.HostCap {
		return nil, fmt.Errorf("%w: %d targets exceed the cap of %d", ErrTooManyHosts, len(serverIDs), e.cfg.HostCap)
	}

	verdict := secpolicy.Evaluate(command, e.cfg.Policy)
	if !verdict.Allowed {
		if verdict.Reason != secpolicy.ReasonRequiresConfirmation || !confirmed {
			return nil, &shellsession.PolicyError{Verdict: verdict}
		}
	}

	batchID := uuid.New().String()
	start := time.Now()
	log.Printf("[batch] %s: running %q on %d hosts for user %d",
		batchID, logutil.Truncate(logutil.SanitizeForLog(scriptName), 60), len(serverIDs), userID)

	results := make([]HostResult, len(serverIDs))
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup

	var eventMu sync.Mutex
	completed := 0
	emit := func(host *HostResult) {
		if onEvent == nil {
			return
		}
		eventMu.Lock()
		defer eventMu.Unlock()
		completed++
		onEvent(Event{
			BatchID:   batchID,
			Type:      "host_done",
			Completed: completed,
			Total:     len(serverIDs),
			Host:      host,
		})
	}

	for i, serverID := range serverIDs {
		wg.Add(1)
		go func(i int, serverID uint) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			hr := e.runHost(ctx, userID, serverID, command)
			results[i] = hr
			e.persistLog(batchID, scriptName, command, userID, hr)
			emit(&hr)
		}(i, serverID)
	}
	wg.Wait()

	result := &Result{
		BatchID:    batchID,
		ScriptName: scriptName,
		TotalHosts: len(serverIDs),
		Hosts:      results,
		Duration:   time.Since(start),
	}
	for _, hr := range results {
		if hr.Success {
			result.SuccessCount++
		} else {
			result.FailedCount++
		}
	}

	log.Printf("[batch] %s: finished in %s (%d ok, %d failed)",
		batchID, result.Duration.Round(time.Millisecond), result.SuccessCount, result.FailedCount)

	if onEvent != nil {
		onEvent(Event{
			BatchID: batchID,
			Type:    "batch_done",
			Total:   len(serverIDs),
			Result:  result,
		})
	}
	return result, nil
}

// runHost executes the script on one server and folds every failure mode
// into a HostResult.
func (e *Executor) runHost(ctx context.Context, userID, serverID uint, command string) HostResult {
	start := time.Now()

	channel, err := e.provider.OpenChannel(ctx, serverID, userID)
	if err != nil {
		return HostResult{
			ServerID: serverID,
			Success:  false,
			ExitCode: -1,
			Error:    fmt.Sprintf("connection failed: %v", err),
			Duration: time.Since(start),
		}
	}
	defer channel.Close()

	res, err := channel.Exec(ctx, command, e.cfg.HostTimeout)
	hr := HostResult{
		ServerID: serverID,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: time.Since(start),
	}
	switch {
	case err != nil:
		hr.Error = err.Error()
	case res.ExitCode != 0:
		hr.Error = fmt.Sprintf("exited with code %d", res.ExitCode)
	default:
		hr.Success = true
	}
	return hr
}

// persistLog writes one script log row for a host. Persistence failures are
// logged and swallowed so they cannot distort the batch result.
func (e *Executor) persistLog(batchID, scriptName, command string, userID uint, hr HostResult) {
	status := "failed"
	if hr.Success {
		status = "success"
	}
	end := time.Now()
	entry := &database.ScriptLog{
		BatchID:    batchID,
		ScriptName: scriptName,
		Command:    command,
		Status:     status,
		Output:     hr.Stdout,
		Error:      hr.Error,
		ExitCode:   hr.ExitCode,
		StartTime:  end.Add(-hr.Duration),
		EndTime:    end,
		DurationS:  hr.Duration.Seconds(),
		UserID:     userID,
		ServerID:   hr.ServerID,
	}
	if err := database.CreateScriptLog(entry); err != nil {
		log.Printf("[batch] %s: failed to persist log for server %d: %v", batchID, hr.ServerID, err)
	}
}
