// Package secpolicy decides whether a shell command may be sent to a remote
// host. Evaluation is a pure function over (command, policy): it never
// touches the network, which keeps it exhaustively table-testable and
// guarantees a blocked command is rejected before any SSH traffic happens.
package secpolicy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reason classifies why a command was not plainly allowed.
type Reason string

const (
	ReasonNone                 Reason = "none"
	ReasonBlockedPattern       Reason = "blocked-pattern"
	ReasonLengthExceeded       Reason = "length-exceeded"
	ReasonRequiresConfirmation Reason = "requires-confirmation"
)

// Verdict is the outcome of evaluating one command against a policy.
type Verdict struct {
	Allowed bool
	Reason  Reason
	// Pattern is the blocked pattern that matched, when Reason is
	// blocked-pattern.
	Pattern string
}

// Policy is replaceable per deployment: data, not code.
type Policy struct {
	BlockedPatterns []string `yaml:"blocked_patterns"`
	MaxLength       int      `yaml:"max_length"`
	ConfirmSudo     bool     `yaml:"confirm_sudo"`
	LoggingEnabled  bool     `yaml:"logging_enabled"`
}

// DefaultBlockedPatterns covers destructive filesystem operations, raw-disk
// writes and fork bombs. Matching is case-insensitive substring containment.
var DefaultBlockedPatterns = []string{
	"rm -rf /",
	"rm -rf --no-preserve-root",
	"mkfs",
	"dd if=/dev/zero",
	"dd of=/dev/sd",
	"> /dev/sda",
	":(){ :|:& };:",
	"chmod -R 777 /",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	"init 0",
	"init 6",
}

const DefaultMaxLength = 2000

// DefaultPolicy returns the built-in policy. Callers may mutate the result
// before use; the function returns a fresh copy each time.
func DefaultPolicy() Policy {
	patterns := make([]string, len(DefaultBlockedPatterns))
	copy(patterns, DefaultBlockedPatterns)
	return Policy{
		BlockedPatterns: patterns,
		MaxLength:       DefaultMaxLength,
		LoggingEnabled:  true,
	}
}

// LoadPolicyFile reads a YAML policy from disk, replacing the defaults
// wholesale. Missing max_length falls back to the built-in limit.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if p.MaxLength <= 0 {
		p.MaxLength = DefaultMaxLength
	}
	return p, nil
}

// Evaluate classifies a candidate command. Length is checked first so an
// oversized command is rejected without scanning its contents; pattern
// matching is case-insensitive substring containment.
func Evaluate(command string, policy Policy) Verdict {
	if policy.MaxLength > 0 && len(command) > policy.MaxLength {
		return Verdict{Allowed: false, Reason: ReasonLengthExceeded}
	}

	lower := strings.ToLower(command)
	for _, pattern := range policy.BlockedPatterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return Verdict{Allowed: false, Reason: ReasonBlockedPattern, Pattern: pattern}
		}
	}

	if policy.ConfirmSudo && containsSudo(lower) {
		return Verdict{Allowed: false, Reason: ReasonRequiresConfirmation}
	}

	return Verdict{Allowed: true, Reason: ReasonNone}
}

// containsSudo reports whether the command invokes sudo as a word, not as a
// substring of an unrelated token (e.g. "visudo-check" does not count).
func containsSudo(lower string) bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ';' || r == '&' || r == '|' || r == '('
	})
	for _, f := range fields {
		if f == "sudo" {
			return true
		}
	}
	return false
}
