// Package store defines the persistence interfaces of voicedesk: support
// conversations and their messages, escalation tickets, and the OAuth
// material used when a caller links a customer account.
//
// Three backends implement [Store]: memstore (in process), postgres (pgx)
// and sqlite (modernc.org/sqlite with goose migrations). The storetest
// package holds the conformance suite every backend runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested row does not exist or, for
// expiring material, has expired.
var ErrNotFound = errors.New("store: not found")

// CodeVerifierTTL is how long a PKCE code verifier stays retrievable.
const CodeVerifierTTL = 30 * time.Minute

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is one support session, keyed by the id the voice server
// generated for the WebSocket connection.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// TicketStatus is the lifecycle state of a support ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketPending    TicketStatus = "pending"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

// IsValid reports whether s is a recognised ticket status.
func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketOpen, TicketPending, TicketInProgress, TicketResolved, TicketClosed:
		return true
	}
	return false
}

// HistoryEntry is one line of the conversation excerpt attached to a ticket.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Ticket is a support escalation.
type Ticket struct {
	ID                  string         `json:"id"`
	UserQuery           string         `json:"user_query"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	Timestamp           time.Time      `json:"timestamp"`
	Status              TicketStatus   `json:"status"`
}

// WithDefaults returns a copy of t ready to be inserted: a fresh id, status
// open and timestamp now when those are unset, and a non-nil history.
func (t Ticket) WithDefaults(now time.Time) Ticket {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TicketOpen
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	if t.ConversationHistory == nil {
		t.ConversationHistory = []HistoryEntry{}
	}
	return t
}

// HistoryFromMessages converts stored messages into ticket history entries.
func HistoryFromMessages(msgs []Message) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out
}

// CustomerToken is an access token for the customer account API.
type CustomerToken struct {
	ConversationID string
	AccessToken    string
	ExpiresAt      time.Time
}

// ConversationStore persists conversations.
type ConversationStore interface {
	// CreateOrUpdateConversation inserts the conversation or bumps its
	// UpdatedAt.
	CreateOrUpdateConversation(ctx context.Context, id string) (Conversation, error)

	// GetConversation returns ErrNotFound for an unknown id.
	GetConversation(ctx context.Context, id string) (Conversation, error)
}

// MessageStore persists conversation messages.
type MessageStore interface {
	// SaveMessage appends a message, creating the conversation if needed.
	SaveMessage(ctx context.Context, conversationID, role, content string) (Message, error)

	// ConversationHistory returns the messages of a conversation oldest
	// first. An unknown conversation yields an empty slice.
	ConversationHistory(ctx context.Context, conversationID string) ([]Message, error)
}

// TicketStore persists support tickets.
type TicketStore interface {
	// CreateTicket stores t after applying [Ticket.WithDefaults].
	CreateTicket(ctx context.Context, t Ticket) (Ticket, error)

	// ListTickets returns all tickets, newest first.
	ListTickets(ctx context.Context) ([]Ticket, error)

	GetTicket(ctx context.Context, id string) (Ticket, error)

	// UpdateTicketStatus sets the status and bumps the timestamp.
	UpdateTicketStatus(ctx context.Context, id string, status TicketStatus) (Ticket, error)

	DeleteTicket(ctx context.Context, id string) error
}

// AuthStore keeps PKCE verifiers and customer account credentials.
type AuthStore interface {
	// StoreCodeVerifier keeps verifier under state for [CodeVerifierTTL].
	StoreCodeVerifier(ctx context.Context, state, verifier string) error

	// TakeCodeVerifier returns and deletes the verifier. Missing and
	// expired verifiers yield ErrNotFound.
	TakeCodeVerifier(ctx context.Context, state string) (string, error)

	StoreCustomerToken(ctx context.Context, conversationID, token string, expiresAt time.Time) error

	// CustomerToken returns ErrNotFound when no unexpired token exists.
	CustomerToken(ctx context.Context, conversationID string) (CustomerToken, error)

	StoreCustomerAccountURL(ctx context.Context, conversationID, url string) error
	CustomerAccountURL(ctx context.Context, conversationID string) (string, error)
}

// Store is the full persistence surface.
type Store interface {
	ConversationStore
	MessageStore
	TicketStore
	AuthStore

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
