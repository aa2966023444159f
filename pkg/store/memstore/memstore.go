// Package memstore is an in-process [store.Store]. Nothing survives a
// restart; it is the default backend and the test double for the packages
// that persist data.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicedesk/pkg/store"
)

var _ store.Store = (*Store)(nil)

var errClosed = errors.New("memstore: closed")

type verifier struct {
	value     string
	expiresAt time.Time
}

// Store is a mutex-guarded map-backed store. The zero value is not usable;
// call [New].
type Store struct {
	now func() time.Time

	mu            sync.Mutex
	conversations map[string]store.Conversation
	messages      map[string][]store.Message
	tickets       map[string]store.Ticket
	verifiers     map[string]verifier
	tokens        map[string]store.CustomerToken
	accountURLs   map[string]string
	closed        bool
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		conversations: make(map[string]store.Conversation),
		messages:      make(map[string][]store.Message),
		tickets:       make(map[string]store.Ticket),
		verifiers:     make(map[string]verifier),
		tokens:        make(map[string]store.CustomerToken),
		accountURLs:   make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ── conversations ────────────────────────────────────────────────────────────

// CreateOrUpdateConversation implements [store.ConversationStore].
func (s *Store) CreateOrUpdateConversation(_ context.Context, id string) (store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchLocked(id), nil
}

func (s *Store) touchLocked(id string) store.Conversation {
	now := s.now()
	c, ok := s.conversations[id]
	if !ok {
		c = store.Conversation{ID: id, CreatedAt: now}
	}
	c.UpdatedAt = now
	s.conversations[id] = c
	return c
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

// ── messages ─────────────────────────────────────────────────────────────────

// SaveMessage implements [store.MessageStore].
func (s *Store) SaveMessage(_ context.Context, conversationID, role, content string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(conversationID)
	m := store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	return m, nil
}

// ConversationHistory implements [store.MessageStore]. Messages are kept in
// insertion order, which is CreatedAt order for a monotonic clock.
func (s *Store) ConversationHistory(_ context.Context, conversationID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.messages[conversationID])
	slices.SortStableFunc(out, func(a, b store.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if out == nil {
		out = []store.Message{}
	}
	return out, nil
}

// ── tickets ──────────────────────────────────────────────────────────────────

// CreateTicket implements [store.TicketStore].
func (s *Store) CreateTicket(_ context.Context, t store.Ticket) (store.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t = t.WithDefaults(s.now())
	t.ConversationHistory = slices.Clone(t.ConversationHistory)
	s.tickets[t.ID] = t
	return cloneTicket(t), nil
}

// ListTickets implements [store.TicketStore].
func (s *Store) ListTickets(_ context.Context) ([]store.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, cloneTicket(t))
	}
	slices.SortFunc(out, func(a, b store.Ticket) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// GetTicket implements [store.TicketStore].
func (s *Store) GetTicket(_ context.Context, id string) (store.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return store.Ticket{}, store.ErrNotFound
	}
	return cloneTicket(t), nil
}

// UpdateTicketStatus implements [store.TicketStore].
func (s *Store) UpdateTicketStatus(_ context.Context, id string, status store.TicketStatus) (store.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return store.Ticket{}, store.ErrNotFound
	}
	t.Status = status
	t.Timestamp = s.now()
	s.tickets[id] = t
	return cloneTicket(t), nil
}

// DeleteTicket implements [store.TicketStore].
func (s *Store) DeleteTicket(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tickets, id)
	return nil
}

func cloneTicket(t store.Ticket) store.Ticket {
	t.ConversationHistory = slices.Clone(t.ConversationHistory)
	return t
}

// ── auth material ────────────────────────────────────────────────────────────

// StoreCodeVerifier implements [store.AuthStore].
func (s *Store) StoreCodeVerifier(_ context.Context, state, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiers[state] = verifier{value: v, expiresAt: s.now().Add(store.CodeVerifierTTL)}
	return nil
}

// TakeCodeVerifier implements [store.AuthStore].
func (s *Store) TakeCodeVerifier(_ context.Context, state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifiers[state]
	delete(s.verifiers, state)
	if !ok || !s.now().Before(v.expiresAt) {
		return "", store.ErrNotFound
	}
	return v.value, nil
}

// StoreCustomerToken implements [store.AuthStore].
func (s *Store) StoreCustomerToken(_ context.Context, conversationID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[conversationID] = store.CustomerToken{
		ConversationID: conversationID,
		AccessToken:    token,
		ExpiresAt:      expiresAt,
	}
	return nil
}

// CustomerToken implements [store.AuthStore].
func (s *Store) CustomerToken(_ context.Context, conversationID string) (store.CustomerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[conversationID]
	if !ok || !s.now().Before(t.ExpiresAt) {
		return store.CustomerToken{}, store.ErrNotFound
	}
	return t, nil
}

// StoreCustomerAccountURL implements [store.AuthStore].
func (s *Store) StoreCustomerAccountURL(_ context.Context, conversationID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountURLs[conversationID] = url
	return nil
}

// CustomerAccountURL implements [store.AuthStore].
func (s *Store) CustomerAccountURL(_ context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.accountURLs[conversationID]
	if !ok {
		return "", store.ErrNotFound
	}
	return u, nil
}

// ── lifecycle ────────────────────────────────────────────────────────────────

// Ping implements [store.Store]. It fails after Close.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
