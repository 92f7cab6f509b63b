package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
	// ConversationID resumes an earlier conversation when its provider
	// handle is still valid. Empty starts a new one.
	ConversationID string `json:"conversation_id"`
	TurnMode       string `json:"turn_mode"`
	Voice          string `json:"voice"`
	SystemPrompt   string `json:"system_prompt"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	ConversationID  string    `json:"conversation_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Provider        string    `json:"provider"`
	TurnMode        string    `json:"turn_mode"`
	Resumed         bool      `json:"resumed"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
