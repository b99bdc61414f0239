package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/jackie/internal/history"
	"github.com/ent0n29/jackie/internal/store"
)

// DefaultInactivityTimeout closes a session after this much silence.
const DefaultInactivityTimeout = 15 * time.Second

var ErrNotFound = errors.New("session not found")

type entry struct {
	id             string
	userID         string
	contact        string
	startedAt      time.Time
	lastActivityAt time.Time
	history        *history.History
}

// Registry owns the in-memory session map: activity timestamps and history
// objects. It starts empty and is shared by the controller and the orchestrator.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	maxMessages       int
	storeTimeout      time.Duration
	sessions          store.SessionStore
	loader            history.Loader
	now               func() time.Time
	logger            *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSessionStore enables the durable fallback of FindActive.
func WithSessionStore(s store.SessionStore) RegistryOption {
	return func(r *Registry) { r.sessions = s }
}

// WithHistoryLoader seeds new histories from persisted messages.
func WithHistoryLoader(l history.Loader) RegistryOption {
	return func(r *Registry) { r.loader = l }
}

func WithMaxMessages(n int) RegistryOption {
	return func(r *Registry) { r.maxMessages = n }
}

func WithStoreTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry returns an empty registry. A non-positive timeout selects
// DefaultInactivityTimeout.
func NewRegistry(inactivityTimeout time.Duration, opts ...RegistryOption) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	r := &Registry{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		maxMessages:       history.DefaultMaxMessages,
		storeTimeout:      5 * time.Second,
		now:               time.Now,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) InactivityTimeout() time.Duration { return r.inactivityTimeout }

// Now returns the registry clock in UTC.
func (r *Registry) Now() time.Time { return r.now().UTC() }

// Match is the result of FindActive.
type Match struct {
	ID         string
	Readmitted bool
}

// FindActive returns the open session of userID. In-memory sessions within the
// timeout win; otherwise the durable store is asked for an active record, which is
// re-admitted to the activity tracker without a history object. Durable records of
// sessions still resident here are ignored: those are expired and awaiting a sweep.
func (r *Registry) FindActive(ctx context.Context, userID string) (Match, bool) {
	if id, ok := r.findResident(userID); ok {
		return Match{ID: id}, true
	}
	if r.sessions == nil {
		return Match{}, false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	rec, err := r.sessions.FindActiveSession(lookupCtx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("active session lookup failed", "user_id", userID, "error", err)
		}
		return Match{}, false
	}
	if r.Has(rec.ID) {
		return Match{}, false
	}

	r.admit(rec.ID, rec.UserID, rec.Contact, rec.StartedAt)
	r.logger.Info("session re-admitted from storage", "session_id", rec.ID, "user_id", userID)
	return Match{ID: rec.ID, Readmitted: true}, true
}

func (r *Registry) findResident(userID string) (string, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.entries {
		if e.userID != userID || r.expiredAt(e, now) {
			continue
		}
		if best == nil || e.lastActivityAt.After(best.lastActivityAt) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.id, true
}

// admit registers a session as open with last activity = now. Re-admitting an
// existing id only touches it.
func (r *Registry) admit(id, userID, contact string, startedAt time.Time) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.lastActivityAt = now
		return
	}
	if startedAt.IsZero() {
		startedAt = now
	}
	r.entries[id] = &entry{
		id:             id,
		userID:         userID,
		contact:        contact,
		startedAt:      startedAt.UTC(),
		lastActivityAt: now,
	}
}

// Touch marks sessionID active now. It returns ErrNotFound for unknown ids.
func (r *Registry) Touch(sessionID string) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.lastActivityAt = now
	return nil
}

// IsExpired reports whether sessionID has been idle longer than the timeout.
// Unknown sessions are not expired.
func (r *Registry) IsExpired(sessionID string) bool {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return false
	}
	return r.expiredAt(e, now)
}

func (r *Registry) expiredAt(e *entry, now time.Time) bool {
	return now.Sub(e.lastActivityAt) > r.inactivityTimeout
}

// Has reports whether sessionID is resident.
func (r *Registry) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[sessionID]
	return ok
}

// History returns the history of an open session, creating and hydrating it from
// storage on first access. Callers serialize per session.
func (r *Registry) History(ctx context.Context, sessionID string) (*history.History, error) {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	var (
		h       *history.History
		contact string
	)
	if ok {
		h = e.history
		contact = e.contact
	}
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if h != nil {
		return h, nil
	}

	h = history.New(contact, r.maxMessages, history.WithLogger(r.logger))
	loadCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	h.Load(loadCtx, r.loader)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.history == nil {
		e.history = h
	}
	return e.history, nil
}

// lookup returns a copy of the entry for sessionID.
func (r *Registry) lookup(sessionID string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return entry{}, false
	}
	return *e, true
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// ExpiredIDs lists resident sessions past the timeout.
func (r *Registry) ExpiredIDs() []string {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if r.expiredAt(e, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IDs lists every resident session.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// expiredFor lists the resident expired sessions of one user.
func (r *Registry) expiredFor(userID string) []string {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if e.userID == userID && r.expiredAt(e, now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveCount counts resident sessions that have not expired.
func (r *Registry) ActiveCount() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.entries {
		if !r.expiredAt(e, now) {
			count++
		}
	}
	return count
}

// Snapshot lists resident, non-expired sessions, most recently active first.
func (r *Registry) Snapshot() []Snapshot {
	now := r.now()
	r.mu.RLock()
	live := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !r.expiredAt(e, now) {
			live = append(live, *e)
		}
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(live))
	for _, e := range live {
		s := Snapshot{
			SessionID:      e.id,
			UserID:         e.userID,
			Contact:        e.contact,
			StartedAt:      e.startedAt,
			LastActivityAt: e.lastActivityAt,
			Messages:       []history.Message{},
		}
		if e.history != nil {
			s.Messages = e.history.Transcript()
			s.MessageCount = len(s.Messages)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}
