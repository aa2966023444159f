// Package postgres is the PostgreSQL [store.Store] backend. All tables share
// one [pgxpool.Pool]; [Migrate] creates them idempotently.
//
// Timestamps are taken from the store's clock, not from now() in SQL, so
// the conformance suite can drive expiry deterministically.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicedesk/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New connects to the database at dsn, pings it and runs [Migrate].
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// notFound maps pgx.ErrNoRows to store.ErrNotFound and wraps everything else.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("postgres store: %s: %w", op, err)
}

// ── conversations ────────────────────────────────────────────────────────────

const upsertConversation = `
	INSERT INTO conversations (id, created_at, updated_at)
	VALUES ($1, $2, $2)
	ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
	RETURNING id, created_at, updated_at`

// CreateOrUpdateConversation implements [store.ConversationStore].
func (s *Store) CreateOrUpdateConversation(ctx context.Context, id string) (store.Conversation, error) {
	var c store.Conversation
	err := s.pool.QueryRow(ctx, upsertConversation, id, s.now()).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("postgres store: upsert conversation: %w", err)
	}
	return c, nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	const q = `SELECT id, created_at, updated_at FROM conversations WHERE id = $1`
	var c store.Conversation
	if err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return store.Conversation{}, notFound("get conversation", err)
	}
	return c, nil
}

// ── messages ─────────────────────────────────────────────────────────────────

// SaveMessage implements [store.MessageStore]. The conversation upsert and
// the insert share one transaction.
func (s *Store) SaveMessage(ctx context.Context, conversationID, role, content string) (store.Message, error) {
	now := s.now()
	m := store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertConversation, conversationID, now); err != nil {
			return err
		}
		const q = `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`
		_, err := tx.Exec(ctx, q, m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt)
		return err
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres store: save message: %w", err)
	}
	return m, nil
}

// ConversationHistory implements [store.MessageStore].
func (s *Store) ConversationHistory(ctx context.Context, conversationID string) ([]store.Message, error) {
	const q = `
		SELECT id, conversation_id, role, content, created_at
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY created_at, seq`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: history: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var m store.Message
		err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: history: %w", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}
