package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/jackie/internal/history"
)

const defaultRedisPrefix = "jackie:"

// RedisStore keeps the durable records in Redis. Message logs are lists of JSON
// documents; open sessions are indexed per user in a sorted set scored by last activity.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses redisURL and pings the server before returning.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, ""), nil
}

// NewRedisStoreFromClient wraps an existing client, e.g. one pointed at miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) userKey(contact string) string { return s.prefix + "user:contact:" + contact }

func (s *RedisStore) contactMessagesKey(contact string) string {
	return s.prefix + "messages:contact:" + contact
}

func (s *RedisStore) userMessagesKey(userID string) string {
	return s.prefix + "messages:user:" + userID
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }

func (s *RedisStore) activeSessionsKey(userID string) string {
	return s.prefix + "sessions:active:" + userID
}

func (s *RedisStore) profileKey(userID string) string { return s.prefix + "profile:" + userID }

func (s *RedisStore) conversationKey(userID string) string {
	return s.prefix + "conversation:" + userID
}

func (s *RedisStore) Mode() string { return "redis" }

func (s *RedisStore) ResolveUserID(ctx context.Context, contact string) (string, error) {
	id, err := s.client.Get(ctx, s.userKey(contact)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolve user: %w", err)
	}
	return id, nil
}

func (s *RedisStore) UpsertUser(ctx context.Context, contact string) (string, error) {
	if _, err := s.client.SetNX(ctx, s.userKey(contact), uuid.NewString(), 0).Result(); err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}
	return s.ResolveUserID(ctx, contact)
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeChat
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.contactMessagesKey(msg.Contact), data)
	if msg.UserID != "" {
		pipe.RPush(ctx, s.userMessagesKey(msg.UserID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *RedisStore) RecentByContact(ctx context.Context, contact string, limit int) ([]history.Message, error) {
	if limit <= 0 {
		limit = history.DefaultMaxMessages
	}
	stored, err := s.tail(ctx, s.contactMessagesKey(contact), limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	out := make([]history.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, m.HistoryMessage())
	}
	return out, nil
}

func (s *RedisStore) RecentByUser(ctx context.Context, userID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 5
	}
	stored, err := s.tail(ctx, s.userMessagesKey(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("user messages: %w", err)
	}
	for i, j := 0, len(stored)-1; i < j; i, j = i+1, j-1 {
		stored[i], stored[j] = stored[j], stored[i]
	}
	return stored, nil
}

// tail returns the last limit entries of a message list, oldest first.
func (s *RedisStore) tail(ctx context.Context, key string, limit int) ([]StoredMessage, error) {
	raw, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StoredMessage, 0, len(raw))
	for _, item := range raw {
		var m StoredMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.Status == "" {
		rec.Status = SessionActive
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(rec.ID), data, 0)
	if rec.Status == SessionActive {
		pipe.ZAdd(ctx, s.activeSessionsKey(rec.UserID), redis.Z{
			Score:  float64(rec.LastActivityAt.UnixMilli()),
			Member: rec.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *RedisStore) CloseSession(ctx context.Context, sessionID string, rec CloseRecord) error {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Status = SessionClosed
	sess.EndedAt = rec.EndedAt
	sess.LastActivityAt = rec.LastActivityAt
	sess.Messages = nonNilMessages(rec.Messages)
	sess.Metadata = rec.Metadata

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sessionID), data, 0)
	pipe.ZRem(ctx, s.activeSessionsKey(sess.UserID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// FindActiveSession reads the newest member of the per-user active index. Scores
// are set at creation and the member is removed at close.
func (s *RedisStore) FindActiveSession(ctx context.Context, userID string) (SessionRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.activeSessionsKey(userID), 0, 0).Result()
	if err != nil {
		return SessionRecord{}, fmt.Errorf("find active session: %w", err)
	}
	if len(ids) == 0 {
		return SessionRecord{}, ErrNotFound
	}
	sess, err := s.loadSession(ctx, ids[0])
	if errors.Is(err, ErrNotFound) {
		// Stale index entry.
		_ = s.client.ZRem(ctx, s.activeSessionsKey(userID), ids[0]).Err()
	}
	if err != nil {
		return SessionRecord{}, err
	}
	return sess, nil
}

func (s *RedisStore) loadSession(ctx context.Context, id string) (SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	data, err := s.client.Get(ctx, s.profileKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, nil
}

// SaveProfile stores the generated profile for a user.
func (s *RedisStore) SaveProfile(ctx context.Context, p Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return s.client.Set(ctx, s.profileKey(p.UserID), data, 0).Err()
}

func (s *RedisStore) LastTranscript(ctx context.Context, userID string) (string, error) {
	t, err := s.client.Get(ctx, s.conversationKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fetch last transcript: %w", err)
	}
	return t, nil
}

// SaveTranscript replaces the latest call transcript for a user.
func (s *RedisStore) SaveTranscript(ctx context.Context, userID, transcript string) error {
	return s.client.Set(ctx, s.conversationKey(userID), transcript, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
