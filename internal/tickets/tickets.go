// Package tickets serves the support ticket REST API consumed by the admin
// dashboard and provides a [Client] for it.
//
// Routes, mounted by [Handler.Register]:
//
//	GET    /api/tickets              all tickets, newest first
//	POST   /api/tickets              create; 201 with status "open"
//	GET    /api/tickets/{id}
//	PUT    /api/tickets/{id}/status  set status and bump the timestamp
//	DELETE /api/tickets/{id}
//
// Error bodies are {"detail": "..."}.
package tickets

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/voicedesk/pkg/store"
)

// Ticket is the API representation of a support ticket.
type Ticket = store.Ticket

// Status is the ticket lifecycle state.
type Status = store.TicketStatus

// HistoryEntry is one line of conversation attached to a ticket.
type HistoryEntry = store.HistoryEntry

const (
	StatusOpen       = store.TicketOpen
	StatusPending    = store.TicketPending
	StatusInProgress = store.TicketInProgress
	StatusResolved   = store.TicketResolved
	StatusClosed     = store.TicketClosed
)

// CreateRequest is the body of POST /api/tickets. Timestamp defaults to now.
type CreateRequest struct {
	UserQuery           string         `json:"user_query"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	Timestamp           *time.Time     `json:"timestamp,omitempty"`
}

// StatusUpdate is the body of PUT /api/tickets/{id}/status.
type StatusUpdate struct {
	Status Status `json:"status"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// Handler serves the tickets API from a [store.TicketStore].
type Handler struct {
	store store.TicketStore
	log   *slog.Logger
}

// NewHandler returns a handler backed by s. A nil logger uses slog.Default.
func NewHandler(s store.TicketStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: s, log: log}
}

// Register mounts the ticket routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/tickets", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Put("/{id}/status", h.updateStatus)
		r.Delete("/{id}", h.delete)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListTickets(r.Context())
	if err != nil {
		h.storeError(w, "list tickets", "", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "invalid request body: " + err.Error()})
		return
	}
	if req.UserQuery == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "user_query is required"})
		return
	}

	t := Ticket{
		UserQuery:           req.UserQuery,
		ConversationHistory: req.ConversationHistory,
		Status:              StatusOpen,
	}
	if req.Timestamp != nil {
		t.Timestamp = *req.Timestamp
	}
	created, err := h.store.CreateTicket(r.Context(), t)
	if err != nil {
		h.storeError(w, "create ticket", "", err)
		return
	}
	h.log.Info("ticket created", "id", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.store.GetTicket(r.Context(), id)
	if err != nil {
		h.storeError(w, "get ticket", id, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "invalid request body: " + err.Error()})
		return
	}
	if !req.Status.IsValid() {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Detail: fmt.Sprintf("invalid status %q; valid values: open, pending, in_progress, resolved, closed", req.Status),
		})
		return
	}

	id := chi.URLParam(r, "id")
	t, err := h.store.UpdateTicketStatus(r.Context(), id, req.Status)
	if err != nil {
		h.storeError(w, "update ticket", id, err)
		return
	}
	h.log.Info("ticket status updated", "id", id, "status", t.Status)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteTicket(r.Context(), id); err != nil {
		h.storeError(w, "delete ticket", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storeError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: fmt.Sprintf("Ticket with id %s not found", id)})
		return
	}
	h.log.Error("tickets: store failure", "op", op, "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
