package session

import "time"

// CreateRequest defines payload for creating a new enrollment session.
type CreateRequest struct {
	ClientID string `json:"client_id"`
}

// CreateResponse returns created session metadata plus the restored voice preference.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	ClientID        string    `json:"client_id"`
	Status          Status    `json:"status"`
	Stage           int       `json:"stage"`
	StageTitle      string    `json:"stage_title"`
	VoiceID         string    `json:"voice_id"`
	VoiceModel      string    `json:"voice_model"`
	FirstGreeting   string    `json:"first_greeting,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
