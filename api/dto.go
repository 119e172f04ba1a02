/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

AMOUNTS:
  Amounts are written as decimal strings ("30.5") so no precision is lost.
  Requests accept either a JSON number or a numeric string.

LEGACY CLIENTS:
  CreateEventRequest accepts the legacy "person" tag
  ("Damien (Remboursement)") instead of participant + kind.

SEE ALSO:
  - handlers.go: Uses these types
  - remote/client.go: Decodes these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/shared-ledger/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// EventDTO represents a monetary event in API responses.
type EventDTO struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Participant string `json:"participant"`
	Kind        string `json:"kind"`
	Person      string `json:"person"`
	Timestamp   string `json:"timestamp"`
}

// CreateEventRequest is the request to record an event.
type CreateEventRequest struct {
	Amount      json.Number `json:"amount"`
	Participant string      `json:"participant,omitempty"`
	Kind        string      `json:"kind,omitempty"`   // defaults to "shared"
	Person      string      `json:"person,omitempty"` // legacy tag, replaces participant + kind
	Timestamp   string      `json:"timestamp,omitempty"`
}

// CreateEventResponse carries the id assigned by the store.
type CreateEventResponse struct {
	ID string `json:"id"`
}

// UpdateAmountRequest is the request to change an event's amount.
type UpdateAmountRequest struct {
	Amount json.Number `json:"amount"`
}

// ParticipantTotalDTO is one participant's column of the balance.
type ParticipantTotalDTO struct {
	Participant string `json:"participant"`
	Shared      string `json:"shared"`
	Reimbursed  string `json:"reimbursed"`
}

// BalanceDTO is the derived "who owes whom".
type BalanceDTO struct {
	Totals       []ParticipantTotalDTO `json:"totals"`
	Balance      string                `json:"balance"`
	Debtor       string                `json:"debtor"`
	Creditor     string                `json:"creditor"`
	Amount       string                `json:"amount"`
	Settled      bool                  `json:"settled"`
	Statement    string                `json:"statement"`
	Unclassified []string              `json:"unclassified,omitempty"`
}

// ChangeDTO is one frame of the /api/changes websocket.
type ChangeDTO struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario string `json:"scenario"`
	Events   int    `json:"events"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEventDTO(e ledger.Event, c *ledger.Classifier) EventDTO {
	return EventDTO{
		ID:          string(e.ID),
		Amount:      e.Amount.String(),
		Participant: string(e.Participant),
		Kind:        string(e.Kind),
		Person:      c.Tag(e.Participant, e.Kind),
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func toEventDTOs(events []ledger.Event, c *ledger.Classifier) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e, c)
	}
	return dtos
}

func toBalanceDTO(r ledger.Result, currency string) BalanceDTO {
	dto := BalanceDTO{
		Balance:   r.Balance.String(),
		Debtor:    string(r.Debtor),
		Creditor:  string(r.Creditor),
		Amount:    r.Magnitude.StringFixed(2),
		Settled:   r.Settled(),
		Statement: r.Statement(currency),
	}
	for _, p := range []ledger.Participant{r.Pair.First, r.Pair.Second} {
		dto.Totals = append(dto.Totals, ParticipantTotalDTO{
			Participant: string(p),
			Shared:      r.SharedTotal(p).StringFixed(2),
			Reimbursed:  r.Reimbursed(p).StringFixed(2),
		})
	}
	for _, ue := range r.Unclassified {
		dto.Unclassified = append(dto.Unclassified, ue.Error())
	}
	return dto
}

func toChangeDTO(c ledger.Change) ChangeDTO {
	return ChangeDTO{Op: string(c.Op), ID: string(c.ID)}
}
