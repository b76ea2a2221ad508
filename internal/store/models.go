package store

import (
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/latency"
)

// SessionStatus is the lifecycle state of a persisted session.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusEnded        SessionStatus = "ended"
	StatusDisconnected SessionStatus = "disconnected"
)

// Session is one client-to-agent conversation.
type Session struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Mode         string         `json:"mode"`
	Config       map[string]any `json:"config"`
	SystemPrompt string         `json:"system_prompt"`
	UserRole     string         `json:"user_role"`
	AIRole       string         `json:"ai_role"`
	Status       SessionStatus  `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

// Turn is one user-utterance/AI-response exchange.
type Turn struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Number      int        `json:"turn_number"`
	Transcript  string     `json:"transcript"`
	Response    string     `json:"response"`
	Interrupted bool       `json:"interrupted"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// LatencyRecord is the persisted form of a turn's latency.Metrics.
type LatencyRecord struct {
	TurnID    string          `json:"turn_id"`
	SessionID string          `json:"session_id"`
	Metrics   latency.Metrics `json:"metrics"`
	CreatedAt time.Time       `json:"created_at"`
}
