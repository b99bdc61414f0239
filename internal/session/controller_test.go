package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/jackie/internal/history"
	"github.com/ent0n29/jackie/internal/reliability"
	"github.com/ent0n29/jackie/internal/store"
)

type countingSessions struct {
	mu       sync.Mutex
	created  []store.SessionRecord
	closes   map[string][]store.CloseRecord
	closeErr error
	active   map[string]store.SessionRecord
}

func newCountingSessions() *countingSessions {
	return &countingSessions{
		closes: make(map[string][]store.CloseRecord),
		active: make(map[string]store.SessionRecord),
	}
}

// countingSessions fails writes on a done context the way the pgx and redis
// stores do.
func (c *countingSessions) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, rec)
	return nil
}

func (c *countingSessions) CloseSession(ctx context.Context, id string, rec store.CloseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes[id] = append(c.closes[id], rec)
	return c.closeErr
}

func (c *countingSessions) FindActiveSession(_ context.Context, userID string) (store.SessionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.active[userID]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (c *countingSessions) closeCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closes[id])
}

func (c *countingSessions) lastClose(id string) store.CloseRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	recs := c.closes[id]
	return recs[len(recs)-1]
}

var fastRetry = reliability.Policy{Attempts: 2, Base: time.Millisecond, Cap: time.Millisecond}

func newTestController(t *testing.T, clock *fakeClock, sessions *countingSessions, opts ...ControllerOption) *Controller {
	t.Helper()
	reg := NewRegistry(15*time.Second, WithClock(clock.Now), WithSessionStore(sessions))
	opts = append([]ControllerOption{WithRetryPolicy(fastRetry)}, opts...)
	return NewController(reg, sessions, opts...)
}

func TestControllerResolveReusesOpenSession(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)
	ctx := context.Background()

	id, created := c.Resolve(ctx, "u1", "+1000")
	if !created || id == "" {
		t.Fatalf("Resolve() = %q, %v; want a new session", id, created)
	}
	if len(sessions.created) != 1 || sessions.created[0].UserID != "u1" {
		t.Fatalf("unexpected durable creates: %+v", sessions.created)
	}

	clock.Advance(10 * time.Second)
	again, created := c.Resolve(ctx, "u1", "+1000")
	if created || again != id {
		t.Fatalf("Resolve() = %q, %v; want %q reused", again, created, id)
	}
}

func TestControllerResolveAfterGapOpensNewSession(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)
	ctx := context.Background()

	first, _ := c.Resolve(ctx, "u1", "+1000")
	clock.Advance(20 * time.Second)
	second, created := c.Resolve(ctx, "u1", "+1000")
	if !created || second == first {
		t.Fatalf("Resolve() after gap = %q, %v; want a fresh session", second, created)
	}
	if got := sessions.closeCount(first); got != 1 {
		t.Fatalf("close writes for expired session = %d, want 1", got)
	}
	if c.Registry().Has(first) {
		t.Fatalf("expired session should be evicted")
	}
}

func TestControllerCloseFlushesExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "u1", "+1000")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.History.Append(history.NewUserMessage("hi", time.Time{}))
	lease.History.Append(history.NewAssistantMessage("hello!", time.Time{}))
	h := lease.History
	id := lease.ID
	lease.Release()
	lease.Release()

	if !c.Close(ctx, id) {
		t.Fatalf("Close() = false, want true")
	}
	if c.Close(ctx, id) {
		t.Fatalf("second Close() should be a no-op")
	}
	if got := sessions.closeCount(id); got != 1 {
		t.Fatalf("close writes = %d, want 1", got)
	}
	rec := sessions.lastClose(id)
	if rec.Metadata.MessageCount != 2 || rec.Metadata.UserMessages != 1 || rec.Metadata.AssistantMessages != 1 {
		t.Fatalf("unexpected metadata: %+v", rec.Metadata)
	}
	if len(rec.Messages) != 2 || rec.Messages[1].Content != "hello!" {
		t.Fatalf("unexpected transcript: %+v", rec.Messages)
	}
	if len(h.Window()) != 0 {
		t.Fatalf("history should be cleared after close")
	}
}

func TestControllerCloseUnknownIsNoop(t *testing.T) {
	sessions := newCountingSessions()
	c := newTestController(t, newFakeClock(), sessions)
	if c.Close(context.Background(), "missing") {
		t.Fatalf("Close() of unknown session should report false")
	}
	if len(sessions.closes) != 0 {
		t.Fatalf("no write expected, got %+v", sessions.closes)
	}
}

func TestControllerCloseEvictsWhenWriteFails(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	sessions.closeErr = errors.New("db down")
	c := newTestController(t, clock, sessions)

	var events []string
	c.SetEventHook(func(e string) { events = append(events, e) })

	id, _ := c.Resolve(context.Background(), "u1", "+1000")
	if !c.Close(context.Background(), id) {
		t.Fatalf("Close() = false, want true")
	}
	if c.Registry().Has(id) {
		t.Fatalf("session should be evicted even when the write fails")
	}
	if got := sessions.closeCount(id); got != fastRetry.Attempts {
		t.Fatalf("close attempts = %d, want %d", got, fastRetry.Attempts)
	}
	want := []string{EventCreated, EventCloseFailed, EventClosed}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestControllerSweepClosesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)
	ctx := context.Background()

	old, _ := c.Resolve(ctx, "u1", "+1000")
	clock.Advance(10 * time.Second)
	fresh, _ := c.Resolve(ctx, "u2", "+2000")
	clock.Advance(6 * time.Second)

	if got := c.Sweep(ctx); got != 1 {
		t.Fatalf("Sweep() = %d, want 1", got)
	}
	if c.Registry().Has(old) || !c.Registry().Has(fresh) {
		t.Fatalf("sweep removed the wrong session")
	}
	if got := c.Sweep(ctx); got != 0 {
		t.Fatalf("second Sweep() = %d, want 0", got)
	}
}

func TestControllerSweepSkipsBusySession(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "u1", "+1000")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	clock.Advance(time.Minute)
	if got := c.Sweep(ctx); got != 0 {
		t.Fatalf("Sweep() with a held lease = %d, want 0", got)
	}
	lease.Release()
	if got := c.Sweep(ctx); got != 1 {
		t.Fatalf("Sweep() after release = %d, want 1", got)
	}
}

func TestControllerMaybeSweepHonorsProbability(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	roll := 0.5
	c := newTestController(t, clock, sessions,
		WithSweepProbability(0.1),
		WithRandom(func() float64 { return roll }),
	)
	ctx := context.Background()

	c.Resolve(ctx, "u1", "+1000")
	clock.Advance(time.Minute)
	if got := c.MaybeSweep(ctx); got != 0 {
		t.Fatalf("MaybeSweep() above threshold = %d, want 0", got)
	}
	roll = 0.05
	if got := c.MaybeSweep(ctx); got != 1 {
		t.Fatalf("MaybeSweep() below threshold = %d, want 1", got)
	}
}

func TestControllerCloseAll(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)
	ctx := context.Background()

	c.Resolve(ctx, "u1", "+1000")
	c.Resolve(ctx, "u2", "+2000")
	if got := c.CloseAll(ctx); got != 2 {
		t.Fatalf("CloseAll() = %d, want 2", got)
	}
	if c.Registry().ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", c.Registry().ActiveCount())
	}
}

func TestControllerJanitorSweeps(t *testing.T) {
	sessions := newCountingSessions()
	reg := NewRegistry(20*time.Millisecond, WithSessionStore(sessions))
	c := NewController(reg, sessions, WithRetryPolicy(fastRetry))

	id, _ := c.Resolve(context.Background(), "u1", "+1000")

	ctx, cancel := context.WithCancel(context.Background())
	done := c.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Has(id) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if reg.Has(id) {
		t.Fatalf("janitor did not close the idle session")
	}
	if got := sessions.closeCount(id); got != 1 {
		t.Fatalf("close writes = %d, want 1", got)
	}
}

func TestControllerConcurrentResolveSharesSession(t *testing.T) {
	sessions := newCountingSessions()
	c := newTestController(t, newFakeClock(), sessions)

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := c.Acquire(context.Background(), "u1", "+1000")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			lease.History.Append(history.NewUserMessage("ping", time.Time{}))
			ids[i] = lease.ID
			lease.Release()
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent turns landed in different sessions: %v", ids)
		}
	}
	h, err := c.Registry().History(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if got := h.Counts().User; got != 20 {
		t.Fatalf("user messages = %d, want 20", got)
	}
}

func TestControllerSweepFlushesWithCanceledContext(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions, WithSweepProbability(1), WithRandom(func() float64 { return 0 }))

	lease, err := c.Acquire(context.Background(), "u1", "+1000")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.History.Append(history.NewUserMessage("hi", clock.Now()))
	lease.Release()
	clock.Advance(5 * time.Second)
	touched := clock.Now()
	if err := c.Registry().Touch(lease.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	clock.Advance(20 * time.Second)

	// Another user's request has already been abandoned by its client.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if got := c.MaybeSweep(canceled); got != 1 {
		t.Fatalf("MaybeSweep() = %d, want 1", got)
	}
	if got := sessions.closeCount(lease.ID); got != 1 {
		t.Fatalf("close writes = %d, want 1", got)
	}
	rec := sessions.lastClose(lease.ID)
	if len(rec.Messages) != 1 || rec.Metadata.UserMessages != 1 {
		t.Fatalf("transcript not flushed: %+v", rec)
	}
	if !rec.LastActivityAt.Equal(touched) {
		t.Fatalf("LastActivityAt = %v, want the last touch %v", rec.LastActivityAt, touched)
	}
}

func TestControllerCloseAllAfterDeadline(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)

	first, _ := c.Resolve(context.Background(), "u1", "+1000")
	second, _ := c.Resolve(context.Background(), "u2", "+2000")

	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	if got := c.CloseAll(expired); got != 2 {
		t.Fatalf("CloseAll() = %d, want 2", got)
	}
	for _, id := range []string{first, second} {
		if got := sessions.closeCount(id); got != 1 {
			t.Fatalf("close writes for %s = %d, want 1", id, got)
		}
	}
}

func TestControllerResolveRecordsSessionForCanceledTurn(t *testing.T) {
	clock := newFakeClock()
	sessions := newCountingSessions()
	c := newTestController(t, clock, sessions)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	id, created := c.Resolve(canceled, "u1", "+1000")
	if !created {
		t.Fatalf("Resolve() should create a session")
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.created) != 1 || sessions.created[0].ID != id {
		t.Fatalf("durable create missing: %+v", sessions.created)
	}
}
