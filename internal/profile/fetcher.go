// Package profile assembles what is known about a user before a turn is generated.
package profile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/jackie/internal/store"
)

// DefaultRecentMessages is how many stored messages are pulled into the context.
const DefaultRecentMessages = 5

// UserContext is the best-effort view of a user. Missing parts are left empty.
type UserContext struct {
	Profile        store.Profile
	HasProfile     bool
	LastTranscript string
	RecentMessages []store.StoredMessage
}

// Source is the subset of the durable store the fetcher reads from.
type Source interface {
	FetchProfile(ctx context.Context, userID string) (store.Profile, error)
	LastTranscript(ctx context.Context, userID string) (string, error)
	RecentByUser(ctx context.Context, userID string, limit int) ([]store.StoredMessage, error)
}

// Fetcher assembles the UserContext of a user from a Source.
type Fetcher struct {
	source  Source
	timeout time.Duration
	recent  int
	group   singleflight.Group
	logger  *slog.Logger
	onError func(op string)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithRecentMessages(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.recent = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithErrorHook is called with the failing operation name on every read error
// other than a missing record.
func WithErrorHook(hook func(op string)) Option {
	return func(f *Fetcher) { f.onError = hook }
}

// NewFetcher returns a Fetcher reading from source.
func NewFetcher(source Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:  source,
		timeout: 5 * time.Second,
		recent:  DefaultRecentMessages,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch reads the profile, last transcript and recent messages in parallel. It
// never fails: each part that cannot be read is left empty. Concurrent fetches
// for the same user share one round of reads.
func (f *Fetcher) Fetch(ctx context.Context, userID string) UserContext {
	if f == nil || f.source == nil || userID == "" {
		return UserContext{}
	}
	// The shared round outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	ch := f.group.DoChan(userID, func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), userID), nil
	})
	select {
	case <-ctx.Done():
		return UserContext{}
	case res := <-ch:
		uc, _ := res.Val.(UserContext)
		return uc
	}
}

func (f *Fetcher) fetch(ctx context.Context, userID string) UserContext {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var uc UserContext
	// Each goroutine returns nil so one failed read never cancels the others.
	var g errgroup.Group
	g.Go(func() error {
		p, err := f.source.FetchProfile(ctx, userID)
		if f.check("fetch_profile", userID, err) {
			uc.Profile = p
			uc.HasProfile = true
		}
		return nil
	})
	g.Go(func() error {
		t, err := f.source.LastTranscript(ctx, userID)
		if f.check("last_transcript", userID, err) {
			uc.LastTranscript = t
		}
		return nil
	})
	g.Go(func() error {
		msgs, err := f.source.RecentByUser(ctx, userID, f.recent)
		if f.check("recent_messages", userID, err) {
			uc.RecentMessages = msgs
		}
		return nil
	})
	_ = g.Wait()

	f.logger.Debug("user context fetched",
		"user_id", userID,
		"has_profile", uc.HasProfile,
		"has_transcript", uc.LastTranscript != "",
		"recent_messages", len(uc.RecentMessages),
	)
	return uc
}

func (f *Fetcher) check(op, userID string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	f.logger.Warn("user context read failed", "op", op, "user_id", userID, "error", err)
	if f.onError != nil {
		f.onError(op)
	}
	return false
}
