package tickets_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/voicedesk/internal/tickets"
	"github.com/MrWong99/voicedesk/pkg/store"
	"github.com/MrWong99/voicedesk/pkg/store/memstore"
)

type fixture struct {
	store  *memstore.Store
	router chi.Router
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	f.store = memstore.New(memstore.WithClock(func() time.Time { return f.now }))
	f.router = chi.NewRouter()
	tickets.NewHandler(f.store, nil).Register(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tickets",
		`{"user_query":"My order #123 is missing.","conversation_history":[{"role":"user","content":"Where is my order?"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	got := decode[tickets.Ticket](t, rec)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "My order #123 is missing.", got.UserQuery)
	assert.Equal(t, tickets.StatusOpen, got.Status)
	assert.True(t, f.now.Equal(got.Timestamp))
	assert.Equal(t, []tickets.HistoryEntry{{Role: "user", Content: "Where is my order?"}}, got.ConversationHistory)
}

func TestCreate_ExplicitTimestamp(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/tickets",
		`{"user_query":"late","conversation_history":[],"timestamp":"2024-05-31T12:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	got := decode[tickets.Ticket](t, rec)
	assert.True(t, time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC).Equal(got.Timestamp))
}

func TestCreate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"user_query":`},
		{name: "missing user query", body: `{"conversation_history":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, http.MethodPost, "/api/tickets", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			body := decode[map[string]string](t, rec)
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestList_NewestFirst(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "[]\n", f.do(t, http.MethodGet, "/api/tickets", "").Body.String())

	f.do(t, http.MethodPost, "/api/tickets", `{"user_query":"first"}`)
	f.now = f.now.Add(time.Minute)
	f.do(t, http.MethodPost, "/api/tickets", `{"user_query":"second"}`)

	rec := f.do(t, http.MethodGet, "/api/tickets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]tickets.Ticket](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].UserQuery)
	assert.Equal(t, "first", list[1].UserQuery)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	created := decode[tickets.Ticket](t, f.do(t, http.MethodPost, "/api/tickets", `{"user_query":"refund"}`))

	rec := f.do(t, http.MethodGet, "/api/tickets/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[tickets.Ticket](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/tickets/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Ticket with id unknown not found"}`, rec.Body.String())
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	created := decode[tickets.Ticket](t, f.do(t, http.MethodPost, "/api/tickets", `{"user_query":"exchange"}`))

	f.now = f.now.Add(time.Hour)
	rec := f.do(t, http.MethodPut, "/api/tickets/"+created.ID+"/status", `{"status":"in_progress"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[tickets.Ticket](t, rec)
	assert.Equal(t, tickets.StatusInProgress, got.Status)
	assert.True(t, f.now.Equal(got.Timestamp), "timestamp bumped")

	// The admin dashboard parks tickets as pending.
	rec = f.do(t, http.MethodPut, "/api/tickets/"+created.ID+"/status", `{"status":"pending"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tickets.StatusPending, decode[tickets.Ticket](t, rec).Status)

	rec = f.do(t, http.MethodPut, "/api/tickets/"+created.ID+"/status", `{"status":"waiting"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/tickets/nope/status", `{"status":"closed"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Ticket with id nope not found"}`, rec.Body.String())
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	created := decode[tickets.Ticket](t, f.do(t, http.MethodPost, "/api/tickets", `{"user_query":"cancel"}`))

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/tickets/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/tickets/"+created.ID, "").Code)
}

// failingStore returns an error from every call.
type failingStore struct{ store.TicketStore }

func (failingStore) ListTickets(context.Context) ([]store.Ticket, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailure(t *testing.T) {
	r := chi.NewRouter()
	tickets.NewHandler(failingStore{}, nil).Register(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tickets", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"internal error"}`, rec.Body.String())
}
