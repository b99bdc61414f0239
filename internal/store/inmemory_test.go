package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/jackie/internal/history"
)

func TestInMemoryRecentByContactOrdering(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	for i, c := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendMessage(ctx, StoredMessage{
			UserID: "u1", Contact: "+1000", Content: c,
			Direction: DirectionIncoming, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.AppendMessage(ctx, StoredMessage{UserID: "u2", Contact: "+2000", Content: "other"}))

	recent, err := s.RecentByContact(ctx, "+1000", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Content)
	assert.Equal(t, "three", recent[1].Content)
	assert.Equal(t, history.RoleUser, recent[1].Role)

	byUser, err := s.RecentByUser(ctx, "u1", 5)
	require.NoError(t, err)
	require.Len(t, byUser, 3)
	assert.Equal(t, "three", byUser[0].Content)
}

func TestInMemorySessions(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, SessionRecord{ID: "a", UserID: "u1", LastActivityAt: now.Add(-time.Hour)}))
	require.NoError(t, s.CreateSession(ctx, SessionRecord{ID: "b", UserID: "u1", LastActivityAt: now}))

	rec, err := s.FindActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.ID)

	require.NoError(t, s.CloseSession(ctx, "b", CloseRecord{EndedAt: now, Metadata: SessionMetadata{MessageCount: 2}}))
	closed, ok := s.Session("b")
	require.True(t, ok)
	assert.Equal(t, SessionClosed, closed.Status)
	assert.Equal(t, 2, closed.Metadata.MessageCount)

	rec, err = s.FindActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)

	assert.ErrorIs(t, s.CloseSession(ctx, "zzz", CloseRecord{}), ErrNotFound)
	_, err = s.FindActiveSession(ctx, "u9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, Config{})
	require.NoError(t, err)
	assert.Equal(t, "in-memory", s.Mode())

	_, err = NewStore(ctx, Config{Backend: "postgres"})
	assert.Error(t, err)

	_, err = NewStore(ctx, Config{Backend: "redis"})
	assert.Error(t, err)

	_, err = NewStore(ctx, Config{Backend: "sqlite"})
	assert.Error(t, err)
}
