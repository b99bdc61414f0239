package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/jackie/internal/history"
	"github.com/ent0n29/jackie/internal/reliability"
	"github.com/ent0n29/jackie/internal/store"
)

// DefaultSweepInterval is the janitor period.
const DefaultSweepInterval = 10 * time.Second

var ErrUnavailable = errors.New("session unavailable")

// Controller drives the NONE -> ACTIVE -> CLOSED lifecycle on top of a Registry.
// Resolution is exclusive per user; history mutation and close are exclusive per
// session. Different sessions never block each other.
type Controller struct {
	registry         *Registry
	sessions         store.SessionStore
	userLocks        *KeyedMutex
	sessionLocks     *KeyedMutex
	storeTimeout     time.Duration
	retry            reliability.Policy
	sweepProbability float64
	random           func() float64
	logger           *slog.Logger

	hookMu  sync.RWMutex
	onEvent func(event string)
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCloseTimeout bounds each durable write made by the controller.
func WithCloseTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

func WithRetryPolicy(p reliability.Policy) ControllerOption {
	return func(c *Controller) { c.retry = p }
}

// WithSweepProbability sets the chance that MaybeSweep runs a sweep.
func WithSweepProbability(p float64) ControllerOption {
	return func(c *Controller) { c.sweepProbability = p }
}

// WithRandom replaces the random source used by MaybeSweep.
func WithRandom(random func() float64) ControllerOption {
	return func(c *Controller) {
		if random != nil {
			c.random = random
		}
	}
}

// NewController returns a controller over registry. sessions may be nil, in
// which case nothing is persisted.
func NewController(registry *Registry, sessions store.SessionStore, opts ...ControllerOption) *Controller {
	c := &Controller{
		registry:         registry,
		sessions:         sessions,
		userLocks:        NewKeyedMutex(),
		sessionLocks:     NewKeyedMutex(),
		storeTimeout:     5 * time.Second,
		retry:            reliability.DefaultPolicy,
		sweepProbability: 0.1,
		random:           rand.Float64,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the controller manages.
func (c *Controller) Registry() *Registry { return c.registry }

// SetEventHook registers a callback for lifecycle events (see the Event constants).
func (c *Controller) SetEventHook(hook func(event string)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onEvent = hook
}

func (c *Controller) emit(event string) {
	c.hookMu.RLock()
	hook := c.onEvent
	c.hookMu.RUnlock()
	if hook != nil {
		hook(event)
	}
}

// Resolve returns the open session of userID, creating one when none exists, and
// touches it. Expired resident sessions of the user are closed first.
func (c *Controller) Resolve(ctx context.Context, userID, contact string) (id string, created bool) {
	unlock := c.userLocks.Lock(userID)
	defer unlock()
	return c.resolveLocked(ctx, userID, contact)
}

func (c *Controller) resolveLocked(ctx context.Context, userID, contact string) (string, bool) {
	for _, id := range c.registry.expiredFor(userID) {
		// A held session lock means a turn is still running on it.
		sessUnlock, ok := c.sessionLocks.TryLock(id)
		if !ok {
			continue
		}
		c.closeLocked(ctx, id, true)
		sessUnlock()
	}

	if m, ok := c.registry.FindActive(ctx, userID); ok {
		if m.Readmitted {
			c.emit(EventReadmitted)
		}
		_ = c.registry.Touch(m.ID)
		return m.ID, false
	}

	id := uuid.NewString()
	now := c.registry.Now()
	c.registry.admit(id, userID, contact, now)
	c.logger.Info("session created", "session_id", id, "user_id", userID)
	c.emit(EventCreated)

	if c.sessions != nil {
		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
		err := c.sessions.CreateSession(createCtx, store.SessionRecord{
			ID:             id,
			UserID:         userID,
			Contact:        contact,
			Status:         store.SessionActive,
			StartedAt:      now,
			LastActivityAt: now,
		})
		cancel()
		if err != nil {
			c.logger.Error("session record create failed", "session_id", id, "error", err)
			c.emit(EventCreateFailed)
		}
	}
	return id, true
}

// Lease is exclusive access to one open session for the length of a turn.
type Lease struct {
	ID      string
	Created bool
	History *history.History

	release func()
	once    sync.Once
}

// Release unlocks the session. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.release == nil {
		return
	}
	l.once.Do(l.release)
}

// Acquire resolves (or creates) the session of userID and locks it. The session is
// re-checked after locking since a sweep may close it in between.
func (c *Controller) Acquire(ctx context.Context, userID, contact string) (*Lease, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id, created := c.Resolve(ctx, userID, contact)
		unlock := c.sessionLocks.Lock(id)
		if !c.registry.Has(id) {
			unlock()
			continue
		}
		_ = c.registry.Touch(id)
		h, err := c.registry.History(ctx, id)
		if err != nil {
			unlock()
			continue
		}
		return &Lease{ID: id, Created: created, History: h, release: unlock}, nil
	}
	return nil, fmt.Errorf("acquire session for user %s: %w", userID, ErrUnavailable)
}

// Close flushes and evicts sessionID regardless of its age. It reports whether a
// resident session was closed; closing a non-resident id is a no-op.
func (c *Controller) Close(ctx context.Context, sessionID string) bool {
	e, ok := c.registry.lookup(sessionID)
	if !ok {
		return false
	}
	userUnlock := c.userLocks.Lock(e.userID)
	defer userUnlock()
	sessUnlock := c.sessionLocks.Lock(sessionID)
	defer sessUnlock()
	return c.closeLocked(ctx, sessionID, false)
}

// closeLocked expects the user and session locks to be held. The final write is
// detached from ctx cancellation and bounded by the store timeout per attempt.
func (c *Controller) closeLocked(ctx context.Context, sessionID string, onlyExpired bool) bool {
	e, ok := c.registry.lookup(sessionID)
	if !ok {
		return false
	}
	if onlyExpired && !c.registry.IsExpired(sessionID) {
		return false
	}

	var (
		counts     history.Counts
		transcript []history.Message
	)
	if e.history != nil {
		counts = e.history.Counts()
		transcript = e.history.Transcript()
	}

	c.logger.Info("closing session",
		"session_id", sessionID,
		"user_messages", counts.User,
		"assistant_messages", counts.Assistant,
	)

	if c.sessions != nil {
		rec := store.CloseRecord{
			EndedAt:        c.registry.Now(),
			LastActivityAt: e.lastActivityAt,
			Messages:       transcript,
			Metadata: store.SessionMetadata{
				MessageCount:      counts.Total,
				UserMessages:      counts.User,
				AssistantMessages: counts.Assistant,
			},
		}
		// Sweeps close sessions on behalf of unrelated requests.
		err := reliability.Retry(context.WithoutCancel(ctx), c.retry, func(ctx context.Context) error {
			writeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
			defer cancel()
			err := c.sessions.CloseSession(writeCtx, sessionID, rec)
			if errors.Is(err, store.ErrNotFound) {
				return &reliability.Permanent{Err: err}
			}
			return err
		})
		if err != nil {
			// The session is evicted anyway; its transcript is lost.
			c.logger.Error("session close write failed", "session_id", sessionID, "error", err)
			c.emit(EventCloseFailed)
		}
	}

	c.registry.remove(sessionID)
	if e.history != nil {
		e.history.Clear()
	}
	c.emit(EventClosed)
	return true
}

// Sweep closes every expired resident session and returns how many it closed.
// Sessions busy with a turn or a resolution are skipped until the next sweep.
func (c *Controller) Sweep(ctx context.Context) int {
	closed := 0
	for _, id := range c.registry.ExpiredIDs() {
		e, ok := c.registry.lookup(id)
		if !ok {
			continue
		}
		userUnlock, ok := c.userLocks.TryLock(e.userID)
		if !ok {
			continue
		}
		sessUnlock, ok := c.sessionLocks.TryLock(id)
		if !ok {
			userUnlock()
			continue
		}
		if c.closeLocked(ctx, id, true) {
			closed++
		}
		sessUnlock()
		userUnlock()
	}
	if closed > 0 {
		c.logger.Info("sweep closed inactive sessions", "closed", closed)
	}
	return closed
}

// MaybeSweep sweeps with the configured probability. The janitor is what
// guarantees expiry; this only closes sessions sooner.
func (c *Controller) MaybeSweep(ctx context.Context) int {
	if c.sweepProbability <= 0 || c.random() >= c.sweepProbability {
		return 0
	}
	return c.Sweep(ctx)
}

// CloseAll flushes every resident session, expired or not.
func (c *Controller) CloseAll(ctx context.Context) int {
	closed := 0
	for _, id := range c.registry.IDs() {
		if c.Close(ctx, id) {
			closed++
		}
	}
	return closed
}

// StartJanitor sweeps every interval until ctx is done. The returned channel is
// closed when the loop exits.
func (c *Controller) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
	return done
}
