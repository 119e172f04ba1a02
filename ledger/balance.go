/*
balance.go - Balance calculation from the full event collection

PURPOSE:
  Answers "who owes whom, and how much?" for the two participants.

ALGORITHM:
  shared(P)     = sum of P's shared expenses
  reimbursed(P) = sum of P's reimbursements
  raw           = shared(First)/2 - shared(Second)/2
  balance       = raw - reimbursed(Second) + reimbursed(First)

  A positive balance means Second owes First. A reimbursement paid by the
  debtor moves the balance toward zero.

EXAMPLE:
  Tomi pays 100, Damien pays 40:
    raw = 50 - 20 = 30          -> Damien owes Tomi 30.00
  Damien reimburses 30:
    balance = 30 - 30 + 0 = 0   -> settled

SETTLED:
  |balance| < Epsilon (0.01), checked on the unrounded value. Rounding to
  two decimals happens only when formatting.
*/
package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Epsilon is one minor currency unit.
var Epsilon = decimal.New(1, -2)

var two = decimal.NewFromInt(2)

// =============================================================================
// RESULT - Derived, never persisted
// =============================================================================

// Result is the balance derived from one snapshot of the event collection.
type Result struct {
	Pair Pair

	FirstShared      decimal.Decimal
	SecondShared     decimal.Decimal
	FirstReimbursed  decimal.Decimal
	SecondReimbursed decimal.Decimal

	// Balance is signed: positive means Second owes First.
	Balance decimal.Decimal

	Debtor    Participant
	Creditor  Participant
	Magnitude decimal.Decimal

	// Unclassified events were excluded from every total.
	Unclassified []*UnclassifiableError
}

// SharedTotal returns what p paid on behalf of both.
func (r Result) SharedTotal(p Participant) decimal.Decimal {
	switch p {
	case r.Pair.First:
		return r.FirstShared
	case r.Pair.Second:
		return r.SecondShared
	}
	return decimal.Zero
}

// Reimbursed returns what p transferred directly to the other participant.
func (r Result) Reimbursed(p Participant) decimal.Decimal {
	switch p {
	case r.Pair.First:
		return r.FirstReimbursed
	case r.Pair.Second:
		return r.SecondReimbursed
	}
	return decimal.Zero
}

// Settled reports whether the magnitude is within one minor unit of zero.
func (r Result) Settled() bool {
	return r.Magnitude.LessThan(Epsilon)
}

// Equal compares the derived numbers, ignoring the unclassified list.
func (r Result) Equal(o Result) bool {
	return r.Pair == o.Pair &&
		r.FirstShared.Equal(o.FirstShared) &&
		r.SecondShared.Equal(o.SecondShared) &&
		r.FirstReimbursed.Equal(o.FirstReimbursed) &&
		r.SecondReimbursed.Equal(o.SecondReimbursed) &&
		r.Balance.Equal(o.Balance) &&
		r.Debtor == o.Debtor &&
		r.Magnitude.Equal(o.Magnitude)
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Calculator is a pure function of the event collection.
type Calculator struct {
	Classifier *Classifier
}

func NewCalculator(c *Classifier) *Calculator {
	return &Calculator{Classifier: c}
}

// Compute derives the Result. It is deterministic and order independent;
// unclassifiable events never make it fail.
func (c *Calculator) Compute(events []Event) Result {
	pair := c.Classifier.Pair()
	r := Result{
		Pair:             pair,
		FirstShared:      decimal.Zero,
		SecondShared:     decimal.Zero,
		FirstReimbursed:  decimal.Zero,
		SecondReimbursed: decimal.Zero,
	}

	for _, e := range events {
		cl, err := c.Classifier.Classify(e)
		if err != nil {
			var ue *UnclassifiableError
			if !errors.As(err, &ue) {
				ue = &UnclassifiableError{EventID: e.ID, Tag: string(e.Participant)}
			}
			r.Unclassified = append(r.Unclassified, ue)
			continue
		}
		first := cl.Owner == pair.First
		switch {
		case cl.Kind == KindShared && first:
			r.FirstShared = r.FirstShared.Add(e.Amount)
		case cl.Kind == KindShared:
			r.SecondShared = r.SecondShared.Add(e.Amount)
		case first:
			r.FirstReimbursed = r.FirstReimbursed.Add(e.Amount)
		default:
			r.SecondReimbursed = r.SecondReimbursed.Add(e.Amount)
		}
	}

	raw := r.FirstShared.Div(two).Sub(r.SecondShared.Div(two))
	r.Balance = raw.Sub(r.SecondReimbursed).Add(r.FirstReimbursed)

	if r.Balance.IsPositive() {
		r.Debtor, r.Creditor = pair.Second, pair.First
	} else {
		r.Debtor, r.Creditor = pair.First, pair.Second
	}
	r.Magnitude = r.Balance.Abs()
	return r
}
