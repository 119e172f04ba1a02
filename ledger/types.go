/*
Package ledger provides the shared-expense reconciliation engine.

PURPOSE:
  Two participants log cash outlays they paid for both of them, plus
  reimbursements they paid directly to each other. This package turns the
  raw list of those monetary events into a single signed balance and a
  "who owes whom" statement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Participant: One of the two fixed people sharing the ledger
  - Kind: Shared expense or reimbursement
  - Event: A persisted monetary event (id assigned by the store)
  - NewEvent: The atomic payload of an insert

DESIGN PRINCIPLES:
  1. Precision: Amounts are decimal.Decimal, never float64
  2. Explicit tagging: participant and kind are two discrete fields
  3. Derived state: balances are recomputed from events, never stored

USAGE:
  classifier, _ := ledger.NewClassifier(ledger.DefaultPair, ledger.DefaultMarker)
  calc := ledger.NewCalculator(classifier)
  result := calc.Compute(events)
  fmt.Println(result.Debtor, "owes", result.Magnitude)

SEE ALSO:
  - classify.go: Event Classifier and legacy tag encoding
  - balance.go: Balance Calculator
  - store.go: Store interface and change notifications
*/
package ledger

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PARTICIPANTS
// =============================================================================

// Participant is the base name of one of the two people sharing the ledger.
type Participant string

func (p Participant) String() string { return string(p) }

// Pair is the fixed set of two participants. First is P1, Second is P2:
// a positive balance means Second owes First.
type Pair struct {
	First  Participant
	Second Participant
}

// DefaultPair is the pair of the legacy deployment.
var DefaultPair = Pair{First: "Tomi", Second: "Damien"}

// Has reports whether p is one of the two participants.
func (p Pair) Has(x Participant) bool { return x == p.First || x == p.Second }

// Admit returns a ValidationError unless x belongs to the pair.
func (p Pair) Admit(x Participant) error {
	if p.Has(x) {
		return nil
	}
	return &ValidationError{Field: "participant", Input: string(x), Err: ErrUnknownParticipant}
}

// Other returns the participant that is not x.
func (p Pair) Other(x Participant) Participant {
	if x == p.First {
		return p.Second
	}
	return p.First
}

// =============================================================================
// KIND
// =============================================================================

type Kind string

const (
	KindShared        Kind = "shared"        // Paid by one participant on behalf of both
	KindReimbursement Kind = "reimbursement" // Direct transfer to settle the balance
)

func (k Kind) Valid() bool { return k == KindShared || k == KindReimbursement }

// =============================================================================
// EVENTS
// =============================================================================

type EventID string

// Event is a monetary event as held by a Store.
type Event struct {
	ID          EventID
	Amount      decimal.Decimal
	Participant Participant
	Kind        Kind
	Timestamp   time.Time
}

// NewEvent carries everything an insert needs. Stores never persist a
// partially constructed event.
type NewEvent struct {
	Amount      decimal.Decimal
	Participant Participant
	Kind        Kind
	Timestamp   time.Time
}

// Validate checks the storage invariants. Every Store calls it before
// persisting, so a zero or negative amount never reaches storage.
func (n NewEvent) Validate() error {
	if err := ValidateAmount(n.Amount); err != nil {
		return err
	}
	if n.Participant == "" {
		return &ValidationError{Field: "participant", Err: ErrUnknownParticipant}
	}
	if !n.Kind.Valid() {
		return &ValidationError{Field: "kind", Input: string(n.Kind), Err: ErrUnclassifiable}
	}
	if n.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Err: ErrMissingTimestamp}
	}
	return nil
}

// =============================================================================
// AMOUNTS
// =============================================================================

// ParseAmount parses user input into a strictly positive decimal.
// Non-numeric, NaN, infinite, zero and negative inputs are rejected with a
// *ValidationError wrapping ErrInvalidAmount.
func ParseAmount(input string) (decimal.Decimal, error) {
	s := strings.TrimSpace(input)
	// Accept a decimal comma, as typed on French keyboards.
	s = strings.Replace(s, ",", ".", 1)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Input: input, Err: ErrInvalidAmount}
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Input: input, Err: ErrInvalidAmount}
	}
	return d, nil
}

// AmountFromFloat converts a float amount, rejecting NaN and infinities
// (decimal.NewFromFloat panics on those).
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, &ValidationError{Field: "amount", Err: ErrInvalidAmount}
	}
	d := decimal.NewFromFloat(f)
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount enforces amount > 0.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return &ValidationError{Field: "amount", Input: d.String(), Err: ErrInvalidAmount}
	}
	return nil
}
