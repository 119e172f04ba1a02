/*
handlers.go - HTTP API handlers for the shared ledger store

PURPOSE:
  Exposes a ledger.Store to any number of clients (phones, browsers, the
  splitctl CLI). Each client runs its own reconciliation controller and
  observes the others through the /api/changes feed.

ENDPOINTS:
  Events:
    GET    /api/events          List all events, oldest first
    POST   /api/events          Record an expense or reimbursement
    PATCH  /api/events/{id}     Change an event's amount
    DELETE /api/events/{id}     Delete an event
    DELETE /api/events          Delete every event (reset)

  Balance:
    GET    /api/balance         Who owes whom, computed server side

  Changes:
    GET    /api/changes         Websocket change notifications

  Scenarios:
    GET    /api/scenarios       List demo data sets
    POST   /api/scenarios/load  Replace every event with a demo data set

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Event not found
  - 500: Store failures

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - feed.go: Websocket change feed
  - scenarios.go: Demo data sets
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/shared-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.Store
	Classifier *ledger.Classifier
	Calculator *ledger.Calculator
	Currency   string
	Logger     *slog.Logger

	// Origins allowed to open the change feed. Empty allows any.
	AllowedOrigins []string
}

// NewHandler creates a new handler with the given store.
func NewHandler(store ledger.Store, classifier *ledger.Classifier, currency string) *Handler {
	return &Handler{
		Store:      store,
		Classifier: classifier,
		Calculator: ledger.NewCalculator(classifier),
		Currency:   currency,
		Logger:     slog.Default(),
	}
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ListEvents returns all events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.List(r.Context())
	if err != nil {
		h.writeStoreError(w, "Failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events, h.Classifier))
}

// CreateEvent records a new event.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.newEvent(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}

	id, err := h.Store.Insert(r.Context(), e)
	if err != nil {
		h.writeStoreError(w, "Failed to record event", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateEventResponse{ID: string(id)})
}

func (h *Handler) newEvent(req CreateEventRequest) (ledger.NewEvent, error) {
	amount, err := ledger.ParseAmount(req.Amount.String())
	if err != nil {
		return ledger.NewEvent{}, err
	}

	e := ledger.NewEvent{Amount: amount, Timestamp: time.Now().UTC()}
	if req.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			return e, &ledger.ValidationError{Field: "timestamp", Input: req.Timestamp, Err: err}
		}
		e.Timestamp = t
	}

	if req.Person != "" {
		p, k, err := h.Classifier.Parse(req.Person)
		if err != nil {
			return e, err
		}
		e.Participant, e.Kind = p, k
		return e, nil
	}

	p, err := h.Classifier.Participant(req.Participant)
	if err != nil {
		return e, err
	}
	e.Participant, e.Kind = p, ledger.KindShared
	if req.Kind != "" {
		e.Kind = ledger.Kind(req.Kind)
		if !e.Kind.Valid() {
			return e, &ledger.ValidationError{Field: "kind", Input: req.Kind, Err: ledger.ErrUnclassifiable}
		}
	}
	return e, nil
}

// UpdateEvent changes the amount of an event.
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id := ledger.EventID(chi.URLParam(r, "id"))

	var req UpdateAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	if err := h.Store.UpdateAmount(r.Context(), id, amount); err != nil {
		h.writeStoreError(w, "Failed to update event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteEvent removes an event.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := ledger.EventID(chi.URLParam(r, "id"))
	if err := h.Store.Delete(r.Context(), id); err != nil {
		h.writeStoreError(w, "Failed to delete event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetEvents removes every event.
func (h *Handler) ResetEvents(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteAll(r.Context()); err != nil {
		h.writeStoreError(w, "Failed to reset ledger", err)
		return
	}
	h.Logger.Info("ledger reset", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance computes the balance from the full collection.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.List(r.Context())
	if err != nil {
		h.writeStoreError(w, "Failed to list events", err)
		return
	}

	result := h.Calculator.Compute(events)
	for _, ue := range result.Unclassified {
		h.Logger.Error("unclassifiable event excluded from balance", "event_id", ue.EventID, "tag", ue.Tag)
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(result, h.Currency))
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, ledger.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "Event not found", err)
	default:
		h.Logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
