package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voicedesk/pkg/store"
)

const ticketColumns = `id, user_query, conversation_history, timestamp, status`

func scanTicket(row pgx.CollectableRow) (store.Ticket, error) {
	var (
		t      store.Ticket
		status string
	)
	if err := row.Scan(&t.ID, &t.UserQuery, &t.ConversationHistory, &t.Timestamp, &status); err != nil {
		return store.Ticket{}, err
	}
	t.Status = store.TicketStatus(status)
	if t.ConversationHistory == nil {
		t.ConversationHistory = []store.HistoryEntry{}
	}
	return t, nil
}

// CreateTicket implements [store.TicketStore].
func (s *Store) CreateTicket(ctx context.Context, t store.Ticket) (store.Ticket, error) {
	t = t.WithDefaults(s.now())
	const q = `
		INSERT INTO tickets (` + ticketColumns + `)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, t.ID, t.UserQuery, t.ConversationHistory, t.Timestamp, string(t.Status)); err != nil {
		return store.Ticket{}, fmt.Errorf("postgres store: create ticket: %w", err)
	}
	return t, nil
}

// ListTickets implements [store.TicketStore].
func (s *Store) ListTickets(ctx context.Context) ([]store.Ticket, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY timestamp DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list tickets: %w", err)
	}
	tickets, err := pgx.CollectRows(rows, scanTicket)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list tickets: %w", err)
	}
	if tickets == nil {
		tickets = []store.Ticket{}
	}
	return tickets, nil
}

// GetTicket implements [store.TicketStore].
func (s *Store) GetTicket(ctx context.Context, id string) (store.Ticket, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	if err != nil {
		return store.Ticket{}, fmt.Errorf("postgres store: get ticket: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTicket)
	if err != nil {
		return store.Ticket{}, notFound("get ticket", err)
	}
	return t, nil
}

// UpdateTicketStatus implements [store.TicketStore].
func (s *Store) UpdateTicketStatus(ctx context.Context, id string, status store.TicketStatus) (store.Ticket, error) {
	const q = `
		UPDATE tickets SET status = $2, timestamp = $3
		WHERE  id = $1
		RETURNING ` + ticketColumns
	rows, err := s.pool.Query(ctx, q, id, string(status), s.now())
	if err != nil {
		return store.Ticket{}, fmt.Errorf("postgres store: update ticket: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTicket)
	if err != nil {
		return store.Ticket{}, notFound("update ticket", err)
	}
	return t, nil
}

// DeleteTicket implements [store.TicketStore].
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tickets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
