// Package sqlite is the single-file [store.Store] backend built on the pure
// Go modernc.org/sqlite driver. The schema lives in embedded goose
// migrations that run on [Open].
//
// Times are stored as INTEGER unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/MrWong99/voicedesk/pkg/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ store.Store = (*Store)(nil)

// Store wraps a single-connection *sql.DB; SQLite serialises writers anyway.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database file at path and migrates it
// to the latest schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Migrate applies all pending embedded migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite store: migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("sqlite store: migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("sqlite store: %s: %w", op, err)
}

// ── conversations ────────────────────────────────────────────────────────────

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertConversation(ctx context.Context, db execer, id string, now time.Time) error {
	const q = `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`
	_, err := db.ExecContext(ctx, q, id, nanos(now), nanos(now))
	return err
}

// CreateOrUpdateConversation implements [store.ConversationStore].
func (s *Store) CreateOrUpdateConversation(ctx context.Context, id string) (store.Conversation, error) {
	if err := upsertConversation(ctx, s.db, id, s.now()); err != nil {
		return store.Conversation{}, fmt.Errorf("sqlite store: upsert conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&created, &updated)
	if err != nil {
		return store.Conversation{}, notFound("get conversation", err)
	}
	return store.Conversation{ID: id, CreatedAt: fromNanos(created), UpdatedAt: fromNanos(updated)}, nil
}

// ── messages ─────────────────────────────────────────────────────────────────

// SaveMessage implements [store.MessageStore].
func (s *Store) SaveMessage(ctx context.Context, conversationID, role, content string) (m store.Message, err error) {
	now := s.now()
	m = store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Message{}, fmt.Errorf("sqlite store: save message: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = upsertConversation(ctx, tx, conversationID, now); err != nil {
		return store.Message{}, fmt.Errorf("sqlite store: save message: %w", err)
	}
	const q = `INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, q, m.ID, m.ConversationID, m.Role, m.Content, nanos(m.CreatedAt)); err != nil {
		return store.Message{}, fmt.Errorf("sqlite store: save message: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return store.Message{}, fmt.Errorf("sqlite store: save message: %w", err)
	}
	return m, nil
}

// ConversationHistory implements [store.MessageStore].
func (s *Store) ConversationHistory(ctx context.Context, conversationID string) ([]store.Message, error) {
	const q = `
		SELECT id, role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY created_at, seq`
	rows, err := s.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: history: %w", err)
	}
	defer rows.Close()

	msgs := []store.Message{}
	for rows.Next() {
		m := store.Message{ConversationID: conversationID}
		var created int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: history: %w", err)
		}
		m.CreatedAt = fromNanos(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: history: %w", err)
	}
	return msgs, nil
}

// ── tickets ──────────────────────────────────────────────────────────────────

const ticketColumns = `id, user_query, conversation_history, timestamp, status`

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (store.Ticket, error) {
	var (
		t       store.Ticket
		history string
		ts      int64
		status  string
	)
	if err := row.Scan(&t.ID, &t.UserQuery, &history, &ts, &status); err != nil {
		return store.Ticket{}, err
	}
	if err := json.Unmarshal([]byte(history), &t.ConversationHistory); err != nil {
		return store.Ticket{}, fmt.Errorf("decode history of ticket %s: %w", t.ID, err)
	}
	if t.ConversationHistory == nil {
		t.ConversationHistory = []store.HistoryEntry{}
	}
	t.Timestamp = fromNanos(ts)
	t.Status = store.TicketStatus(status)
	return t, nil
}

// CreateTicket implements [store.TicketStore].
func (s *Store) CreateTicket(ctx context.Context, t store.Ticket) (store.Ticket, error) {
	t = t.WithDefaults(s.now())
	history, err := json.Marshal(t.ConversationHistory)
	if err != nil {
		return store.Ticket{}, fmt.Errorf("sqlite store: encode history: %w", err)
	}
	const q = `INSERT INTO tickets (` + ticketColumns + `) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, t.ID, t.UserQuery, string(history), nanos(t.Timestamp), string(t.Status)); err != nil {
		return store.Ticket{}, fmt.Errorf("sqlite store: create ticket: %w", err)
	}
	return t, nil
}

// ListTickets implements [store.TicketStore].
func (s *Store) ListTickets(ctx context.Context) ([]store.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY timestamp DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []store.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: list tickets: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list tickets: %w", err)
	}
	return tickets, nil
}

// GetTicket implements [store.TicketStore].
func (s *Store) GetTicket(ctx context.Context, id string) (store.Ticket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if err != nil {
		return store.Ticket{}, notFound("get ticket", err)
	}
	return t, nil
}

// UpdateTicketStatus implements [store.TicketStore].
func (s *Store) UpdateTicketStatus(ctx context.Context, id string, status store.TicketStatus) (store.Ticket, error) {
	const q = `UPDATE tickets SET status = ?, timestamp = ? WHERE id = ? RETURNING ` + ticketColumns
	t, err := scanTicket(s.db.QueryRowContext(ctx, q, string(status), nanos(s.now()), id))
	if err != nil {
		return store.Ticket{}, notFound("update ticket", err)
	}
	return t, nil
}

// DeleteTicket implements [store.TicketStore].
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite store: delete ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store: delete ticket: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ── auth material ────────────────────────────────────────────────────────────

// StoreCodeVerifier implements [store.AuthStore].
func (s *Store) StoreCodeVerifier(ctx context.Context, state, verifier string) error {
	const q = `
		INSERT INTO code_verifiers (state, verifier, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (state) DO UPDATE SET verifier = excluded.verifier, expires_at = excluded.expires_at`
	if _, err := s.db.ExecContext(ctx, q, state, verifier, nanos(s.now().Add(store.CodeVerifierTTL))); err != nil {
		return fmt.Errorf("sqlite store: store verifier: %w", err)
	}
	return nil
}

// TakeCodeVerifier implements [store.AuthStore].
func (s *Store) TakeCodeVerifier(ctx context.Context, state string) (string, error) {
	var (
		verifier  string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `DELETE FROM code_verifiers WHERE state = ? RETURNING verifier, expires_at`, state).
		Scan(&verifier, &expiresAt)
	if err != nil {
		return "", notFound("take verifier", err)
	}
	if !s.now().Before(fromNanos(expiresAt)) {
		return "", store.ErrNotFound
	}
	return verifier, nil
}

// StoreCustomerToken implements [store.AuthStore].
func (s *Store) StoreCustomerToken(ctx context.Context, conversationID, token string, expiresAt time.Time) error {
	const q = `
		INSERT INTO customer_tokens (conversation_id, access_token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET access_token = excluded.access_token, expires_at = excluded.expires_at`
	if _, err := s.db.ExecContext(ctx, q, conversationID, token, nanos(expiresAt)); err != nil {
		return fmt.Errorf("sqlite store: store token: %w", err)
	}
	return nil
}

// CustomerToken implements [store.AuthStore].
func (s *Store) CustomerToken(ctx context.Context, conversationID string) (store.CustomerToken, error) {
	const q = `SELECT access_token, expires_at FROM customer_tokens WHERE conversation_id = ? AND expires_at > ?`
	t := store.CustomerToken{ConversationID: conversationID}
	var expiresAt int64
	if err := s.db.QueryRowContext(ctx, q, conversationID, nanos(s.now())).Scan(&t.AccessToken, &expiresAt); err != nil {
		return store.CustomerToken{}, notFound("customer token", err)
	}
	t.ExpiresAt = fromNanos(expiresAt)
	return t, nil
}

// StoreCustomerAccountURL implements [store.AuthStore].
func (s *Store) StoreCustomerAccountURL(ctx context.Context, conversationID, url string) error {
	const q = `
		INSERT INTO customer_account_urls (conversation_id, url) VALUES (?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET url = excluded.url`
	if _, err := s.db.ExecContext(ctx, q, conversationID, url); err != nil {
		return fmt.Errorf("sqlite store: store account url: %w", err)
	}
	return nil
}

// CustomerAccountURL implements [store.AuthStore].
func (s *Store) CustomerAccountURL(ctx context.Context, conversationID string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM customer_account_urls WHERE conversation_id = ?`, conversationID).Scan(&url)
	if err != nil {
		return "", notFound("customer account url", err)
	}
	return url, nil
}
