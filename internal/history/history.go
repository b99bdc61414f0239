// Package history keeps the per-session chat history: a bounded context window used
// to prime generation and an unbounded transcript flushed when the session closes.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxMessages bounds the context window when no explicit size is given.
const DefaultMaxMessages = 20

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single exchanged message. It is never mutated after creation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage builds a message written by the contact.
func NewUserMessage(content string, at time.Time) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: at.UTC()}
}

// NewAssistantMessage builds a reply message.
func NewAssistantMessage(content string, at time.Time) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: at.UTC()}
}

// Loader fetches the most recent persisted messages of a contact, oldest first.
type Loader interface {
	RecentByContact(ctx context.Context, contact string, limit int) ([]Message, error)
}

// Counts summarizes a transcript by role.
type Counts struct {
	Total     int `json:"message_count"`
	User      int `json:"user_messages"`
	Assistant int `json:"assistant_messages"`
}

// History holds both views for one session. Window order is always insertion order.
type History struct {
	mu          sync.RWMutex
	contact     string
	maxMessages int
	window      []Message
	transcript  []Message
	logger      *slog.Logger
}

// Option configures a History.
type Option func(*History)

func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New returns an empty history for contact whose window keeps maxMessages.
func New(contact string, maxMessages int, opts ...Option) *History {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	h := &History{
		contact:     contact,
		maxMessages: maxMessages,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *History) Contact() string { return h.contact }

func (h *History) MaxMessages() int { return h.maxMessages }

// Load seeds the context window from storage. Errors are logged and leave the
// window empty; they never reach the caller.
func (h *History) Load(ctx context.Context, loader Loader) int {
	if loader == nil {
		return 0
	}
	msgs, err := loader.RecentByContact(ctx, h.contact, h.maxMessages)
	if err != nil {
		h.logger.Warn("history load failed, starting with empty context",
			"contact_len", len(h.contact), "error", err)
		msgs = nil
	}
	if len(msgs) > h.maxMessages {
		msgs = msgs[len(msgs)-h.maxMessages:]
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.window = append(make([]Message, 0, len(msgs)), msgs...)
	h.logger.Debug("history loaded", "messages", len(h.window))
	return len(h.window)
}

// Append adds msg to both views, then drops the oldest window entries beyond maxMessages.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.window = append(h.window, msg)
	if over := len(h.window) - h.maxMessages; over > 0 {
		h.window = append(h.window[:0:0], h.window[over:]...)
	}
	h.transcript = append(h.transcript, msg)
}

// Clear empties both the window and the transcript.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.window = nil
	h.transcript = nil
}

// Window returns a copy of the context window.
func (h *History) Window() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Message(nil), h.window...)
}

// Transcript returns a copy of every message appended since the session started.
func (h *History) Transcript() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Message(nil), h.transcript...)
}

// Counts tallies the transcript by role.
func (h *History) Counts() Counts {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := Counts{Total: len(h.transcript)}
	for _, m := range h.transcript {
		switch m.Role {
		case RoleUser:
			c.User++
		case RoleAssistant:
			c.Assistant++
		}
	}
	return c
}
