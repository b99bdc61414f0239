package session

import (
	"time"

	"github.com/ent0n29/jackie/internal/history"
)

// Event names reported through the controller's event hook.
const (
	EventCreated      = "created"
	EventCreateFailed = "create_failed"
	EventReadmitted   = "readmitted"
	EventClosed       = "closed"
	EventCloseFailed  = "close_failed"
)

// Snapshot is a monitoring view of one open session.
type Snapshot struct {
	SessionID      string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	Contact        string            `json:"phone_number"`
	MessageCount   int               `json:"messages_count"`
	Messages       []history.Message `json:"messages"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity"`
}
