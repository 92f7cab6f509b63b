package realtime

import (
	"encoding/json"
	"strings"
)

type delegation struct {
	Route   string `json:"route"`
	Content string `json:"content"`
}

// parseDelegation reads a routing decision from model output. Output that is
// not a JSON object with a non-empty route goes to fallback unchanged.
func parseDelegation(text, fallback string) (target, content string) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var d delegation
	if err := json.Unmarshal([]byte(raw), &d); err != nil || strings.TrimSpace(d.Route) == "" {
		return fallback, text
	}
	return strings.TrimSpace(d.Route), d.Content
}
