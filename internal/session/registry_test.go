package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/jackie/internal/history"
	"github.com/ent0n29/jackie/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistryFindActiveIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(15*time.Second, WithClock(clock.Now))
	r.admit("s1", "u1", "+1000", time.Time{})

	first, ok := r.FindActive(context.Background(), "u1")
	if !ok || first.ID != "s1" {
		t.Fatalf("FindActive() = %+v, %v; want s1", first, ok)
	}
	second, ok := r.FindActive(context.Background(), "u1")
	if !ok || second != first {
		t.Fatalf("second FindActive() = %+v, want %+v", second, first)
	}
	if _, ok := r.FindActive(context.Background(), "u2"); ok {
		t.Fatalf("FindActive(u2) should find nothing")
	}
}

func TestRegistryFindActivePrefersMostRecent(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(15*time.Second, WithClock(clock.Now))
	r.admit("old", "u1", "+1000", time.Time{})
	clock.Advance(2 * time.Second)
	r.admit("new", "u1", "+1000", time.Time{})

	m, ok := r.FindActive(context.Background(), "u1")
	if !ok || m.ID != "new" {
		t.Fatalf("FindActive() = %+v, want new", m)
	}
}

func TestRegistryExpiryIsMonotonic(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(15*time.Second, WithClock(clock.Now))
	r.admit("s1", "u1", "+1000", time.Time{})

	clock.Advance(15 * time.Second)
	if r.IsExpired("s1") {
		t.Fatalf("session should still be open at exactly the timeout")
	}
	clock.Advance(time.Millisecond)
	if !r.IsExpired("s1") {
		t.Fatalf("session should be expired past the timeout")
	}
	clock.Advance(time.Hour)
	if !r.IsExpired("s1") {
		t.Fatalf("expiry should not revert without a touch")
	}
	if err := r.Touch("s1"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if r.IsExpired("s1") {
		t.Fatalf("touch should reset expiry")
	}
}

func TestRegistryUnknownSession(t *testing.T) {
	r := NewRegistry(0)
	if r.InactivityTimeout() != DefaultInactivityTimeout {
		t.Fatalf("InactivityTimeout() = %v, want %v", r.InactivityTimeout(), DefaultInactivityTimeout)
	}
	if r.IsExpired("nope") {
		t.Fatalf("unknown sessions are not expired")
	}
	if err := r.Touch("nope"); err != ErrNotFound {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
	if _, err := r.History(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("History() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryReadmitsFromStore(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewInMemoryStore()
	ctx := context.Background()
	if err := mem.CreateSession(ctx, store.SessionRecord{
		ID: "durable", UserID: "u1", Contact: "+1000",
		Status: store.SessionActive, StartedAt: clock.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	r := NewRegistry(15*time.Second, WithClock(clock.Now), WithSessionStore(mem))
	m, ok := r.FindActive(ctx, "u1")
	if !ok || m.ID != "durable" || !m.Readmitted {
		t.Fatalf("FindActive() = %+v, %v; want readmitted durable", m, ok)
	}
	if r.IsExpired("durable") {
		t.Fatalf("readmitted session should start fresh")
	}

	m, ok = r.FindActive(ctx, "u1")
	if !ok || m.Readmitted {
		t.Fatalf("second FindActive() = %+v, want resident hit", m)
	}

	// Expired resident sessions are not revived from their durable record.
	clock.Advance(time.Minute)
	if _, ok := r.FindActive(ctx, "u1"); ok {
		t.Fatalf("expired resident session should not be found")
	}
}

func TestRegistryHistoryLoadsOnce(t *testing.T) {
	mem := store.NewInMemoryStore()
	ctx := context.Background()
	for _, content := range []string{"hello", "again"} {
		if err := mem.AppendMessage(ctx, store.StoredMessage{
			UserID: "u1", Contact: "+1000", Content: content, Direction: store.DirectionIncoming,
		}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	r := NewRegistry(time.Minute, WithHistoryLoader(mem), WithMaxMessages(5))
	r.admit("s1", "u1", "+1000", time.Time{})

	h, err := r.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if got := len(h.Window()); got != 2 {
		t.Fatalf("window size = %d, want 2", got)
	}
	if h.MaxMessages() != 5 {
		t.Fatalf("MaxMessages() = %d, want 5", h.MaxMessages())
	}

	again, err := r.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if again != h {
		t.Fatalf("History() should return the same object")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(15*time.Second, WithClock(clock.Now))
	r.admit("a", "u1", "+1000", time.Time{})
	clock.Advance(20 * time.Second)
	r.admit("b", "u2", "+2000", time.Time{})
	clock.Advance(time.Second)
	r.admit("c", "u3", "+3000", time.Time{})

	h, err := r.History(context.Background(), "b")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	h.Append(history.NewUserMessage("hi", time.Time{}))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}
	if snap[0].SessionID != "c" || snap[1].SessionID != "b" {
		t.Fatalf("unexpected order: %s, %s", snap[0].SessionID, snap[1].SessionID)
	}
	if snap[1].MessageCount != 1 || snap[1].Contact != "+2000" {
		t.Fatalf("unexpected snapshot: %+v", snap[1])
	}
	if r.ActiveCount() != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", r.ActiveCount())
	}
	if got := r.ExpiredIDs(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("ExpiredIDs() = %v, want [a]", got)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")
	if _, ok := k.TryLock("a"); ok {
		t.Fatalf("TryLock should fail while held")
	}
	other, ok := k.TryLock("b")
	if !ok {
		t.Fatalf("TryLock(b) should succeed")
	}
	other()
	unlock()
	if k.len() != 0 {
		t.Fatalf("len() = %d, want 0", k.len())
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := k.Lock("shared")
			mu.Lock()
			counter++
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if counter != 50 || k.len() != 0 {
		t.Fatalf("counter = %d, len() = %d", counter, k.len())
	}
}
