// Package storetest is the conformance suite shared by every [store.Store]
// backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/voicedesk/pkg/store"
)

// Clock is a manually advanced time source handed to the backend under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed, microsecond-aligned instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns a fresh, empty store that reads time from clock.
type Factory func(t *testing.T, clock *Clock) store.Store

// Run executes the whole suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Conversations", func(t *testing.T) { testConversations(t, newStore) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore) })
	t.Run("Tickets", func(t *testing.T) { testTickets(t, newStore) })
	t.Run("TicketNotFound", func(t *testing.T) { testTicketNotFound(t, newStore) })
	t.Run("CodeVerifier", func(t *testing.T) { testCodeVerifier(t, newStore) })
	t.Run("CustomerToken", func(t *testing.T) { testCustomerToken(t, newStore) })
	t.Run("CustomerAccountURL", func(t *testing.T) { testCustomerAccountURL(t, newStore) })
	t.Run("Ping", func(t *testing.T) {
		s := newStore(t, NewClock())
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func assertSameTime(t *testing.T, want, got time.Time, msg string) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "%s: want %v, got %v", msg, want, got)
}

func testConversations(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()
	created := clock.Now()

	c, err := s.CreateOrUpdateConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", c.ID)
	assertSameTime(t, created, c.CreatedAt, "created_at")
	assertSameTime(t, created, c.UpdatedAt, "updated_at")

	clock.Advance(time.Minute)
	c, err = s.CreateOrUpdateConversation(ctx, "conv-1")
	require.NoError(t, err)
	assertSameTime(t, created, c.CreatedAt, "created_at after update")
	assertSameTime(t, clock.Now(), c.UpdatedAt, "updated_at after update")

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assertSameTime(t, clock.Now(), got.UpdatedAt, "stored updated_at")

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMessages(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	m1, err := s.SaveMessage(ctx, "conv-2", store.RoleUser, "Where is my order?")
	require.NoError(t, err)
	assert.NotEmpty(t, m1.ID)
	assert.Equal(t, "conv-2", m1.ConversationID)

	// The conversation is created on demand.
	_, err = s.GetConversation(ctx, "conv-2")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.SaveMessage(ctx, "conv-2", store.RoleAssistant, "It ships today.")
	require.NoError(t, err)
	// Same timestamp as the previous message: insertion order decides.
	_, err = s.SaveMessage(ctx, "conv-2", store.RoleUser, "Thanks!")
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, "other", store.RoleUser, "unrelated")
	require.NoError(t, err)

	history, err := s.ConversationHistory(ctx, "conv-2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "Where is my order?", history[0].Content)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, "Thanks!", history[2].Content)
	assert.False(t, history[1].CreatedAt.Before(history[0].CreatedAt))

	empty, err := s.ConversationHistory(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testTickets(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	history := []store.HistoryEntry{
		{Role: store.RoleUser, Content: "My parcel never arrived"},
		{Role: store.RoleAssistant, Content: "I'll open a ticket for you."},
	}
	first, err := s.CreateTicket(ctx, store.Ticket{UserQuery: "My parcel never arrived", ConversationHistory: history})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, store.TicketOpen, first.Status)
	assertSameTime(t, clock.Now(), first.Timestamp, "ticket timestamp")

	clock.Advance(time.Minute)
	second, err := s.CreateTicket(ctx, store.Ticket{UserQuery: "Refund please"})
	require.NoError(t, err)
	assert.NotNil(t, second.ConversationHistory)

	list, err := s.ListTickets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)

	got, err := s.GetTicket(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "My parcel never arrived", got.UserQuery)
	assert.Equal(t, history, got.ConversationHistory)

	clock.Advance(time.Hour)
	updated, err := s.UpdateTicketStatus(ctx, first.ID, store.TicketResolved)
	require.NoError(t, err)
	assert.Equal(t, store.TicketResolved, updated.Status)
	assertSameTime(t, clock.Now(), updated.Timestamp, "bumped timestamp")
	assert.Equal(t, history, updated.ConversationHistory)

	list, err = s.ListTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, list[0].ID, "updated ticket moves to the top")

	require.NoError(t, s.DeleteTicket(ctx, second.ID))
	_, err = s.GetTicket(ctx, second.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testTicketNotFound(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock())
	ctx := context.Background()

	_, err := s.GetTicket(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.UpdateTicketStatus(ctx, "nope", store.TicketClosed)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTicket(ctx, "nope"), store.ErrNotFound)

	list, err := s.ListTickets(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testCodeVerifier(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.StoreCodeVerifier(ctx, "state-1", "verifier-1"))
	got, err := s.TakeCodeVerifier(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "verifier-1", got)

	_, err = s.TakeCodeVerifier(ctx, "state-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "verifier is deleted after retrieval")

	require.NoError(t, s.StoreCodeVerifier(ctx, "state-2", "verifier-2"))
	clock.Advance(store.CodeVerifierTTL + time.Second)
	_, err = s.TakeCodeVerifier(ctx, "state-2")
	assert.ErrorIs(t, err, store.ErrNotFound, "expired verifier")

	_, err = s.TakeCodeVerifier(ctx, "never")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCustomerToken(t *testing.T, newStore Factory) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	_, err := s.CustomerToken(ctx, "conv-3")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.StoreCustomerToken(ctx, "conv-3", "tok-old", clock.Now().Add(time.Hour)))
	require.NoError(t, s.StoreCustomerToken(ctx, "conv-3", "tok-new", clock.Now().Add(2*time.Hour)))

	tok, err := s.CustomerToken(ctx, "conv-3")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", tok.AccessToken)
	assert.Equal(t, "conv-3", tok.ConversationID)
	assertSameTime(t, clock.Now().Add(2*time.Hour), tok.ExpiresAt, "expires_at")

	clock.Advance(3 * time.Hour)
	_, err = s.CustomerToken(ctx, "conv-3")
	assert.ErrorIs(t, err, store.ErrNotFound, "expired token")
}

func testCustomerAccountURL(t *testing.T, newStore Factory) {
	s := newStore(t, NewClock())
	ctx := context.Background()

	_, err := s.CustomerAccountURL(ctx, "conv-4")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.StoreCustomerAccountURL(ctx, "conv-4", "https://shop.example/account/a"))
	require.NoError(t, s.StoreCustomerAccountURL(ctx, "conv-4", "https://shop.example/account/b"))
	got, err := s.CustomerAccountURL(ctx, "conv-4")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/account/b", got)
}
