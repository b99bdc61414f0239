package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/jackie/internal/history"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	users       map[string]string
	messages    []StoredMessage
	sessions    map[string]SessionRecord
	profiles    map[string]Profile
	transcripts map[string]string
}

// NewInMemoryStore returns an empty process-local store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:       make(map[string]string),
		sessions:    make(map[string]SessionRecord),
		profiles:    make(map[string]Profile),
		transcripts: make(map[string]string),
	}
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) ResolveUserID(_ context.Context, contact string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.users[contact]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *InMemoryStore) UpsertUser(_ context.Context, contact string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.users[contact]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.users[contact] = id
	return id, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *InMemoryStore) RecentByContact(_ context.Context, contact string, limit int) ([]history.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []StoredMessage
	for _, m := range s.messages {
		if m.Contact == contact {
			matched = append(matched, m)
		}
	}
	matched = lastN(matched, limit)
	out := make([]history.Message, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.HistoryMessage())
	}
	return out, nil
}

// RecentByUser returns the newest messages first, like the SQL backend.
func (s *InMemoryStore) RecentByUser(_ context.Context, userID string, limit int) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []StoredMessage
	for _, m := range s.messages {
		if m.UserID == userID {
			matched = append(matched, m)
		}
	}
	matched = lastN(matched, limit)
	out := make([]StoredMessage, 0, len(matched))
	for i := len(matched) - 1; i >= 0; i-- {
		out = append(out, matched[i])
	}
	return out, nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == "" {
		rec.Status = SessionActive
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) CloseSession(_ context.Context, sessionID string, rec CloseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Status = SessionClosed
	sess.EndedAt = rec.EndedAt
	sess.LastActivityAt = rec.LastActivityAt
	sess.Messages = append([]history.Message(nil), rec.Messages...)
	sess.Metadata = rec.Metadata
	s.sessions[sessionID] = sess
	return nil
}

func (s *InMemoryStore) FindActiveSession(_ context.Context, userID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []SessionRecord
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == SessionActive {
			active = append(active, sess)
		}
	}
	if len(active) == 0 {
		return SessionRecord{}, ErrNotFound
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivityAt.After(active[j].LastActivityAt)
	})
	return active[0], nil
}

func (s *InMemoryStore) FetchProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) LastTranscript(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transcripts[userID]
	if !ok {
		return "", ErrNotFound
	}
	return t, nil
}

// PutProfile stores the generated profile for a user.
func (s *InMemoryStore) PutProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

// PutTranscript records the latest call transcript for a user.
func (s *InMemoryStore) PutTranscript(userID, transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[userID] = transcript
}

// Session returns the durable record for id.
func (s *InMemoryStore) Session(id string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Messages returns every stored message in insertion order.
func (s *InMemoryStore) Messages() []StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StoredMessage(nil), s.messages...)
}

func (s *InMemoryStore) Close() error { return nil }

func lastN[T any](items []T, limit int) []T {
	if limit <= 0 || limit >= len(items) {
		return items
	}
	return items[len(items)-limit:]
}
