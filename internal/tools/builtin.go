package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins adds the tools every deployment ships with.
func RegisterBuiltins(r *Registry) error {
	return r.Register(Definition{
		Name:        "get_time",
		Description: "Current local time, optionally in an IANA time zone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string", "description": "IANA zone such as Europe/Rome"},
			},
			"additionalProperties": false,
		},
	}, getTime)
}

func getTime(_ context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	loc := time.Local
	if args.Timezone != "" {
		l, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", args.Timezone)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return map[string]string{
		"time":     now.Format("15:04"),
		"date":     now.Format("Monday, 2 January 2006"),
		"timezone": loc.String(),
	}, nil
}
