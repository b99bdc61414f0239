package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/jackie/internal/history"
)

// PostgresStore persists users, messages and sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool and creates the schema when missing.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			content TEXT NOT NULL,
			direction TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'chat',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_phone_created ON messages (phone_number, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NULL,
			status TEXT NOT NULL,
			messages JSONB NOT NULL DEFAULT '[]'::jsonb,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_status_activity ON sessions (user_id, status, last_activity DESC);`,
		`CREATE TABLE IF NOT EXISTS personal_profiles (
			user_id TEXT PRIMARY KEY,
			name TEXT NULL,
			age INTEGER NULL,
			location TEXT NULL,
			bio TEXT NULL,
			hobbies_activities TEXT NULL,
			main_aspects TEXT NULL,
			relationship_looked_for TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_created ON conversations (user_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) ResolveUserID(ctx context.Context, contact string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM users WHERE phone_number=$1`, contact).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolve user: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, contact string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, phone_number) VALUES ($1, $2)
		 ON CONFLICT (phone_number) DO UPDATE SET phone_number=EXCLUDED.phone_number
		 RETURNING id`,
		uuid.NewString(),
		contact,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeChat
	}
	meta, err := json.Marshal(nonNilMap(msg.Metadata))
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, user_id, phone_number, content, direction, message_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		msg.ID,
		msg.UserID,
		msg.Contact,
		msg.Content,
		string(msg.Direction),
		msg.MessageType,
		string(meta),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentByContact(ctx context.Context, contact string, limit int) ([]history.Message, error) {
	if limit <= 0 {
		limit = history.DefaultMaxMessages
	}
	rows, err := s.pool.Query(ctx,
		`SELECT content, direction, created_at
		 FROM messages WHERE phone_number=$1 ORDER BY created_at DESC LIMIT $2`,
		contact,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]history.Message, 0, limit)
	for rows.Next() {
		var m StoredMessage
		var direction string
		if err := rows.Scan(&m.Content, &direction, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Direction = Direction(direction)
		items = append(items, m.HistoryMessage())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) RecentByUser(ctx context.Context, userID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, phone_number, content, direction, message_type, metadata, created_at
		 FROM messages WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query user messages: %w", err)
	}
	defer rows.Close()

	items := make([]StoredMessage, 0, limit)
	for rows.Next() {
		var (
			m         StoredMessage
			direction string
			meta      []byte
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Contact, &m.Content, &direction, &m.MessageType, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user message row: %w", err)
		}
		m.Direction = Direction(direction)
		if len(meta) > 0 {
			// Unparsable metadata is dropped, the message is kept.
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user message rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.Status == "" {
		rec.Status = SessionActive
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, phone_number, start_time, last_activity, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		rec.ID,
		rec.UserID,
		rec.Contact,
		rec.StartedAt,
		rec.LastActivityAt,
		string(rec.Status),
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string, rec CloseRecord) error {
	msgs, err := json.Marshal(nonNilMessages(rec.Messages))
	if err != nil {
		return fmt.Errorf("marshal session messages: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET end_time=$2, last_activity=$3, messages=$4::jsonb, status=$5, metadata=$6::jsonb
		 WHERE id=$1`,
		sessionID,
		rec.EndedAt,
		rec.LastActivityAt,
		string(msgs),
		string(SessionClosed),
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActiveSession orders by last_activity, which open rows carry from creation.
func (s *PostgresStore) FindActiveSession(ctx context.Context, userID string) (SessionRecord, error) {
	var (
		rec    SessionRecord
		status string
		meta   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, phone_number, status, start_time, last_activity, metadata
		 FROM sessions WHERE user_id=$1 AND status=$2
		 ORDER BY last_activity DESC LIMIT 1`,
		userID,
		string(SessionActive),
	).Scan(&rec.ID, &rec.UserID, &rec.Contact, &status, &rec.StartedAt, &rec.LastActivityAt, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("find active session: %w", err)
	}
	rec.Status = SessionStatus(status)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &rec.Metadata)
	}
	return rec, nil
}

func (s *PostgresStore) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	p := Profile{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(name, ''), COALESCE(age, 0), COALESCE(location, ''), COALESCE(bio, ''),
		        COALESCE(hobbies_activities, ''), COALESCE(main_aspects, ''), COALESCE(relationship_looked_for, '')
		 FROM personal_profiles WHERE user_id=$1`,
		userID,
	).Scan(&p.Name, &p.Age, &p.Location, &p.Bio, &p.HobbiesActivities, &p.MainAspects, &p.RelationshipLookedFor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) LastTranscript(ctx context.Context, userID string) (string, error) {
	var transcript string
	err := s.pool.QueryRow(ctx,
		`SELECT transcript FROM conversations WHERE user_id=$1 ORDER BY created_at DESC LIMIT 1`,
		userID,
	).Scan(&transcript)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fetch last transcript: %w", err)
	}
	return transcript, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilMessages(msgs []history.Message) []history.Message {
	if msgs == nil {
		return []history.Message{}
	}
	return msgs
}
