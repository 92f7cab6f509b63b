package policy

import (
	"regexp"
	"strings"
)

// ToolDecision is the outcome of screening one model-issued tool call.
type ToolDecision struct {
	Risk    string
	Blocked bool
	Reason  string
}

var (
	blockedArgumentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$|")`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
	}
	highRiskKeywords = []string{
		"delete", "remove", "drop", "truncate", "format", "wipe", "destroy",
		"shutdown", "reboot", "kill", "terminate",
		"chmod", "chown", "sudo", "install", "uninstall",
		"deploy", "push", "merge", "migrate", "write_file",
	}
	mediumRiskKeywords = []string{
		"create", "update", "edit", "write", "run", "send", "post", "schedule",
	}
)

// DecideToolCall screens a tool call by name and raw JSON arguments.
// Blocked calls must not execute; their Reason is returned to the model.
func DecideToolCall(name, arguments string) ToolDecision {
	n := strings.ToLower(strings.TrimSpace(name))
	args := strings.ToLower(arguments)

	for _, re := range blockedArgumentPatterns {
		if re.MatchString(args) {
			return ToolDecision{
				Risk:    "blocked",
				Blocked: true,
				Reason:  "tool arguments appear to include destructive or secret-exfiltration behavior",
			}
		}
	}
	for _, kw := range highRiskKeywords {
		if strings.Contains(n, kw) {
			return ToolDecision{Risk: "high"}
		}
	}
	for _, kw := range mediumRiskKeywords {
		if strings.Contains(n, kw) {
			return ToolDecision{Risk: "medium"}
		}
	}
	return ToolDecision{Risk: "low"}
}
