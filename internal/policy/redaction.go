package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	mask    string
}

// Card runs before phone so long digit runs are not classified as phone numbers.
var piiRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

var secretRules = []redactionRule{
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`), "sk-[REDACTED]"},
	{regexp.MustCompile(`AIza[0-9A-Za-z_\-]{30,}`), "AIza[REDACTED]"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]{8,}`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)([?&](?:key|api_key|access_token)=)[^&\s"]+`), "${1}[REDACTED]"},
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	return apply(piiRules, input)
}

// RedactSecrets masks API keys and bearer tokens, e.g. in dial URLs and headers.
func RedactSecrets(input string) string {
	out, _ := apply(secretRules, input)
	return out
}

func apply(rules []redactionRule, input string) (string, bool) {
	out := input
	changed := false
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
