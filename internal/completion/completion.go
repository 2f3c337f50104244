// Package completion suggests command and path completions for shell
// sessions. Suggestions are best-effort: every failure path degrades to an
// empty list rather than an error, since completion is a convenience layer
// on top of session execution.
package completion

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/opsdeck/opsdeck/internal/shellsession"
)

// Suggestion kinds.
const (
	KindCommand = "command"
	KindPath    = "path"
)

// Suggestion is a single completion candidate.
type Suggestion struct {
	Value string `json:"value"`
	Kind  string `json:"kind"`
}

// Config carries the engine's limits.
type Config struct {
	// CommandLimit caps command-name and filename suggestions.
	CommandLimit int
	// FallbackLimit caps the plain-listing fallback tier.
	FallbackLimit int
	// ProbeTimeout bounds each remote probe.
	ProbeTimeout time.Duration
}

// Engine resolves completions by running short probe commands inside a
// session's working directory.
type Engine struct {
	sessions *shellsession.Manager
	cfg      Config
}

// NewEngine creates a completion engine over the given session manager.
func NewEngine(sessions *shellsession.Manager, cfg Config) *Engine {
	if cfg.CommandLimit <= 0 {
		cfg.CommandLimit = 15
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = 10
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Engine{sessions: sessions, cfg: cfg}
}

// Complete returns suggestions for the word under the cursor in line,
// cascading through three tiers: command names from the shell's own command
// table, then filenames in the session's working directory, then a plain
// directory listing filtered by prefix (for restricted shells without
// compgen). A tier is only consulted when the previous one came back empty,
// and when every tier fails the result is an empty list, never an error.
func (e *Engine) Complete(ctx context.Context, sessionID string, caller shellsession.Caller, line string) []Suggestion {
	word := currentWord(line)

	if names := e.probeCommands(ctx, sessionID, caller, word); len(names) > 0 {
		return asSuggestions(names, KindCommand)
	}
	if names := e.probeFilenames(ctx, sessionID, caller, word); len(names) > 0 {
		return asSuggestions(names, KindPath)
	}
	if names := e.probeListing(ctx, sessionID, caller, word); len(names) > 0 {
		return asSuggestions(names, KindPath)
	}
	return []Suggestion{}
}

// probeCommands asks bash for command names matching the prefix.
func (e *Engine) probeCommands(ctx context.Context, sessionID string, caller shellsession.Caller, prefix string) []string {
	if prefix == "" {
		return nil
	}
	cmd := "bash -c " + shellQuote("compgen -c -- "+shellQuote(prefix))
	res, err := e.sessions.Query(ctx, sessionID, caller, cmd, e.cfg.ProbeTimeout)
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	return dedupeSorted(splitLines(res.Stdout), e.cfg.CommandLimit)
}

// probeFilenames asks bash for file and directory names matching the prefix,
// resolved against the session's working directory.
func (e *Engine) probeFilenames(ctx context.Context, sessionID string, caller shellsession.Caller, prefix string) []string {
	cmd := "bash -c " + shellQuote("compgen -f -- "+shellQuote(prefix))
	res, err := e.sessions.Query(ctx, sessionID, caller, cmd, e.cfg.ProbeTimeout)
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	return dedupeSorted(splitLines(res.Stdout), e.cfg.CommandLimit)
}

// probeListing is the lowest tier: list the working directory and filter by
// prefix locally. Works on shells without compgen.
func (e *Engine) probeListing(ctx context.Context, sessionID string, caller shellsession.Caller, prefix string) []string {
	res, err := e.sessions.Query(ctx, sessionID, caller, "ls -1", e.cfg.ProbeTimeout)
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	var names []string
	for _, name := range splitLines(res.Stdout) {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return dedupeSorted(names, e.cfg.FallbackLimit)
}

// currentWord extracts the word being completed: the text after the last
// space.
func currentWord(line string) string {
	idx := strings.LastIndex(line, " ")
	if idx < 0 {
		return line
	}
	return line[idx+1:]
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func dedupeSorted(names []string, limit int) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// shellQuote single-quotes a string for safe interpolation into a shell
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func asSuggestions(names []string, kind string) []Suggestion {
	out := make([]Suggestion, len(names))
	for i, n := range names {
		out[i] = Suggestion{Value: n, Kind: kind}
	}
	return out
}
