package shellsession

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// cwdMarker prefixes the sentinel line appended to every command's stdout.
// The remote side has no notion of a running shell, so each logical command
// is one transaction: cd into the recorded directory, run the command, then
// print the resulting directory on a final marker line. The marker line is
// parsed off the tail of stdout and must never reach the caller.
const cwdMarker = "__OPSDECK_CWD__"

// shellQuote escapes a string for safe interpolation into a shell command.
// Plain identifier-ish strings pass through unchanged; anything else is
// single-quoted with embedded quotes escaped.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '-' ||
			c == '.' || c == '/' || c == ':') {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// wrapWithSentinel builds the single remote transaction for one logical
// command: restore the working directory and environment, run the command,
// then emit the sentinel line carrying $PWD while preserving the command's
// exit status.
func wrapWithSentinel(cwd string, env map[string]string, command string) string {
	var b strings.Builder
	b.WriteString("cd ")
	b.WriteString(shellQuote(cwd))

	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" && export ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(shellQuote(env[k]))
		}
	}

	b.WriteString(" && ")
	b.WriteString(command)
	fmt.Fprintf(&b, `; __opsdeck_rc=$?; printf '\n%s%%s\n' "$PWD"; exit $__opsdeck_rc`, cwdMarker)
	return b.String()
}

// parseSentinel recovers the post-command working directory from raw stdout
// and strips the sentinel line. When no valid sentinel is present (command
// produced no marker line, or the path is not absolute) ok is false and the
// untouched output is returned; callers then leave the session cwd as-is.
func parseSentinel(stdout string) (cleanOutput, cwd string, ok bool) {
	trimmed := strings.TrimRight(stdout, "\n")

	idx := strings.LastIndex(trimmed, "\n")
	lastLine := trimmed[idx+1:]
	if !strings.HasPrefix(lastLine, cwdMarker) {
		return stdout, "", false
	}

	dir := strings.TrimSpace(strings.TrimPrefix(lastLine, cwdMarker))
	if !strings.HasPrefix(dir, "/") {
		return stdout, "", false
	}

	if idx < 0 {
		return "", path.Clean(dir), true
	}
	return trimmed[:idx], path.Clean(dir), true
}
