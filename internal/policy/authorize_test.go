package policy

import "testing"

func TestDecideToolCallBlocked(t *testing.T) {
	got := DecideToolCall("shell", `{"cmd":"cat ~/.ssh/id_rsa"}`)
	if !got.Blocked {
		t.Fatalf("Blocked = false, want true")
	}
	if got.Risk != "blocked" {
		t.Fatalf("Risk = %q, want %q", got.Risk, "blocked")
	}
	if got.Reason == "" {
		t.Fatalf("Reason is empty")
	}
}

func TestDecideToolCallRisk(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"delete_calendar_event", "high"},
		{"create_reminder", "medium"},
		{"get_weather", "low"},
	}
	for _, tc := range cases {
		got := DecideToolCall(tc.name, `{}`)
		if got.Blocked {
			t.Fatalf("DecideToolCall(%q).Blocked = true, want false", tc.name)
		}
		if got.Risk != tc.want {
			t.Fatalf("DecideToolCall(%q).Risk = %q, want %q", tc.name, got.Risk, tc.want)
		}
	}
}
