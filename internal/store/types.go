package store

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/jackie/internal/history"
)

var ErrNotFound = errors.New("record not found")

// Direction tells inbound messages from replies.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

const (
	MessageTypeChat     = "chat"
	MessageTypeTerminal = "terminal"
)

// SessionStatus is the durable state of a session record.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// StoredMessage is one row of the durable message log.
type StoredMessage struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Contact     string         `json:"phone_number"`
	Content     string         `json:"content"`
	Direction   Direction      `json:"direction"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Role maps the stored direction back onto a history role.
func (m StoredMessage) Role() history.Role {
	if m.Direction == DirectionOutgoing {
		return history.RoleAssistant
	}
	return history.RoleUser
}

func (m StoredMessage) HistoryMessage() history.Message {
	return history.Message{Role: m.Role(), Content: m.Content, Timestamp: m.CreatedAt}
}

// SessionMetadata carries the message counts written when a session closes.
type SessionMetadata struct {
	MessageCount      int `json:"message_count"`
	UserMessages      int `json:"user_messages"`
	AssistantMessages int `json:"assistant_messages"`
}

// SessionRecord is the durable view of a session.
type SessionRecord struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Contact        string            `json:"phone_number"`
	Status         SessionStatus     `json:"status"`
	StartedAt      time.Time         `json:"start_time"`
	LastActivityAt time.Time         `json:"last_activity"`
	EndedAt        time.Time         `json:"end_time,omitzero"`
	Messages       []history.Message `json:"messages,omitempty"`
	Metadata       SessionMetadata   `json:"metadata"`
}

// CloseRecord is the final write for a session.
type CloseRecord struct {
	EndedAt        time.Time
	LastActivityAt time.Time
	Messages       []history.Message
	Metadata       SessionMetadata
}

// Profile is the personal profile built by the profile generator. The JSON-valued
// fields are kept raw; consumers parse them leniently.
type Profile struct {
	UserID                string `json:"user_id"`
	Name                  string `json:"name"`
	Age                   int    `json:"age"`
	Location              string `json:"location"`
	Bio                   string `json:"bio"`
	HobbiesActivities     string `json:"hobbies_activities"`
	MainAspects           string `json:"main_aspects"`
	RelationshipLookedFor string `json:"relationship_looked_for"`
}

// Directory maps a contact address to a user. Unknown contacts yield ErrNotFound.
type Directory interface {
	ResolveUserID(ctx context.Context, contact string) (string, error)
	UpsertUser(ctx context.Context, contact string) (string, error)
}

// MessageStore is the durable message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg StoredMessage) error
	RecentByContact(ctx context.Context, contact string, limit int) ([]history.Message, error)
	RecentByUser(ctx context.Context, userID string, limit int) ([]StoredMessage, error)
}

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	CloseSession(ctx context.Context, sessionID string, rec CloseRecord) error
	// FindActiveSession returns the most recently active open session of a user.
	// Activity is persisted at create and close only, so among open records
	// this is the most recently created one. Touches stay in memory.
	FindActiveSession(ctx context.Context, userID string) (SessionRecord, error)
}

// ProfileStore reads what is known about a user.
type ProfileStore interface {
	FetchProfile(ctx context.Context, userID string) (Profile, error)
	LastTranscript(ctx context.Context, userID string) (string, error)
}

// Store is the full durable backend.
type Store interface {
	Directory
	MessageStore
	SessionStore
	ProfileStore
	Mode() string
	Close() error
}
