package guardrails

import (
	"regexp"
	"strings"
)

// ── Command Classification ──────────────────────────────────
// Shell-like command strings go through a fixed cascade:
//
//  1. safe allow-list (exact or leading-token match)  → safe
//  2. danger patterns                                  → recorded decision, else ask
//  3. developer tools (leading token)                  → safe
//  4. anything else                                    → recorded decision, else ask
//
// Compound commands never qualify for tiers 1 and 3.

type commandTier int

const (
	tierSafeList commandTier = iota + 1
	tierDanger
	tierDevTool
	tierUnknown
)

// safeCommands are read-only commands. Multi-word entries match on their
// full leading token sequence ("git status" matches "git status -s").
var safeCommands = []string{
	"ls", "pwd", "whoami", "id", "date", "echo", "cat", "head", "tail",
	"wc", "uname", "hostname", "uptime", "df", "du", "free", "which",
	"file", "stat", "tree", "true",
	"git status", "git log", "git diff", "git show", "git branch",
	"git remote -v", "go version", "go env", "node --version",
	"python --version", "python3 --version",
}

// dangerPattern is one destructive or escalating command shape.
type dangerPattern struct {
	name string
	re   *regexp.Regexp
}

var dangerPatterns = []dangerPattern{
	// Destructive filesystem operations
	{"recursive or forced delete", regexp.MustCompile(`\brm\s+(\S+\s+)*-[a-zA-Z]*[rRf]`)},
	{"recursive or forced delete", regexp.MustCompile(`\brm\s+(\S+\s+)*--(recursive|force)\b`)},
	{"find with delete", regexp.MustCompile(`\bfind\b.*\s-(delete|exec\s+rm)\b`)},
	{"world-writable permissions", regexp.MustCompile(`\bchmod\s+(-R\s+)?0?777\b`)},
	{"recursive ownership change", regexp.MustCompile(`\bchown\s+-R\b`)},
	{"destructive git operation", regexp.MustCompile(`\bgit\s+(push\s+.*(--force|-f)\b|reset\s+--hard|clean\s+-[a-zA-Z]*f)`)},

	// Privilege escalation
	{"privilege escalation", regexp.MustCompile(`(^|[\s;&|(])(sudo|doas|su|pkexec)(\s|$)`)},

	// Remote code execution
	{"remote script piped to shell", regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)},
	{"remote script piped to interpreter", regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(python3?|perl|ruby|node)\b`)},
	{"eval of remote content", regexp.MustCompile(`\beval\s+"?\$\((curl|wget)\b`)},

	// Disk-level writes
	{"raw disk write", regexp.MustCompile(`\bdd\s+.*\bof=/dev/`)},
	{"filesystem creation", regexp.MustCompile(`\bmkfs(\.\w+)?\b`)},
	{"partition table edit", regexp.MustCompile(`\b(fdisk|parted|sfdisk|wipefs)\b`)},
	{"redirect to block device", regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|vd|xvd|disk)`)},

	// Forced process termination and host control
	{"forced kill", regexp.MustCompile(`\bkill\s+(-9|-KILL|-SIGKILL)\b`)},
	{"mass kill", regexp.MustCompile(`\b(killall|pkill)\b`)},
	{"host shutdown", regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},

	// Schema-destroying SQL
	{"schema-destroying SQL", regexp.MustCompile(`(?i)\b(drop\s+(table|database|schema)|truncate\s+table)\b`)},
	{"unbounded SQL delete", regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+\s*(;|$|")`)},
}

// devTools are common developer tools assumed non-destructive unless a
// danger pattern caught the invocation first.
var devTools = map[string]bool{
	"git": true, "go": true, "gofmt": true, "npm": true, "npx": true,
	"yarn": true, "pnpm": true, "node": true, "deno": true, "bun": true,
	"python": true, "python3": true, "pip": true, "pip3": true, "uv": true,
	"pytest": true, "cargo": true, "rustc": true, "make": true, "cmake": true,
	"tsc": true, "eslint": true, "prettier": true, "jest": true,
	"grep": true, "rg": true, "find": true, "jq": true, "diff": true,
	"sort": true, "uniq": true, "less": true, "man": true,
}

// compoundRe matches command separators, redirection and substitution.
// A line break separates commands as much as ";" does.
var compoundRe = regexp.MustCompile("[|;&<>`\n\r]|\\$\\(")

// classifyCommand places cmd on the cascade. reason names the matched
// danger pattern for tier 2.
func classifyCommand(cmd string) (tier commandTier, reason string) {
	cmd = strings.TrimSpace(cmd)
	tokens := strings.Fields(cmd)
	if len(tokens) == 0 {
		return tierUnknown, "empty command"
	}
	compound := compoundRe.MatchString(cmd)

	if !compound && matchesSafeList(tokens) {
		return tierSafeList, "read-only command"
	}
	for _, p := range dangerPatterns {
		if p.re.MatchString(cmd) {
			return tierDanger, p.name
		}
	}
	if !compound && devTools[tokens[0]] {
		return tierDevTool, "developer tool: " + tokens[0]
	}
	if compound {
		return tierUnknown, "compound command"
	}
	return tierUnknown, "unrecognized command: " + tokens[0]
}

func matchesSafeList(tokens []string) bool {
	for _, entry := range safeCommands {
		want := strings.Fields(entry)
		if len(tokens) < len(want) {
			continue
		}
		match := true
		for i, w := range want {
			if tokens[i] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// commandFrom extracts the command string from a command tool's arguments:
// either the string itself or its "command"/"cmd" field.
func commandFrom(args interface{}) (string, bool) {
	if s, ok := args.(string); ok {
		return s, true
	}
	m := argsMap(args)
	for _, k := range []string{"command", "cmd"} {
		if s, ok := m[k].(string); ok {
			return s, true
		}
	}
	return "", false
}
