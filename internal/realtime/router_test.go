package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDelegation(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantTarget  string
		wantContent string
	}{
		{"plain json", `{"route":"billing","content":"refund order 12"}`, "billing", "refund order 12"},
		{"fenced", "```json\n{\"route\":\" search \",\"content\":\"cats\"}\n```", "search", "cats"},
		{"empty route", `{"route":"","content":"x"}`, "assistant", `{"route":"","content":"x"}`},
		{"prose", "I can help with that.", "assistant", "I can help with that."},
		{"empty", "", "assistant", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, content := parseDelegation(tt.in, "assistant")
			assert.Equal(t, tt.wantTarget, target)
			assert.Equal(t, tt.wantContent, content)
		})
	}
}
