// Package storetest is a conformance suite for ledger.Store implementations.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shared-ledger/ledger"
)

// Factory returns an empty store restricted to ledger.DefaultPair. Cleanup
// is registered on t.
type Factory func(t *testing.T) ledger.Store

var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func event(p ledger.Participant, k ledger.Kind, amount string, offset time.Duration) ledger.NewEvent {
	return ledger.NewEvent{
		Amount:      decimal.RequireFromString(amount),
		Participant: p,
		Kind:        k,
		Timestamp:   base.Add(offset),
	}
}

// Run exercises every ledger.Store operation against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertThenList", func(t *testing.T) { testInsertThenList(t, newStore(t)) })
	t.Run("ListOrderedByTimestamp", func(t *testing.T) { testListOrdered(t, newStore(t)) })
	t.Run("InsertRejectsInvalid", func(t *testing.T) { testInsertRejectsInvalid(t, newStore(t)) })
	t.Run("InsertRejectsForeignParticipant", func(t *testing.T) { testInsertRejectsForeign(t, newStore(t)) })
	t.Run("UpdateAmount", func(t *testing.T) { testUpdateAmount(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteAll", func(t *testing.T) { testDeleteAll(t, newStore(t)) })
	t.Run("SubscribeSeesEveryOp", func(t *testing.T) { testSubscribe(t, newStore(t)) })
}

func testInsertThenList(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	id, err := s.Insert(ctx, event("Damien", ledger.KindReimbursement, "30.50", 0))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	events, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, id, e.ID)
	assert.True(t, e.Amount.Equal(decimal.RequireFromString("30.5")), "amount = %s", e.Amount)
	assert.Equal(t, ledger.Participant("Damien"), e.Participant)
	assert.Equal(t, ledger.KindReimbursement, e.Kind)
	assert.True(t, e.Timestamp.Equal(base), "timestamp = %s", e.Timestamp)
}

func testListOrdered(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	late, err := s.Insert(ctx, event("Tomi", ledger.KindShared, "3", 2*time.Hour))
	require.NoError(t, err)
	early, err := s.Insert(ctx, event("Damien", ledger.KindShared, "1", 0))
	require.NoError(t, err)
	middle, err := s.Insert(ctx, event("Tomi", ledger.KindShared, "2", time.Hour))
	require.NoError(t, err)

	events, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []ledger.EventID{early, middle, late},
		[]ledger.EventID{events[0].ID, events[1].ID, events[2].ID})
}

func testInsertRejectsInvalid(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.Insert(ctx, event("Tomi", ledger.KindShared, "0", 0))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = s.Insert(ctx, event("Tomi", ledger.KindShared, "-4", 0))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	events, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing persisted")
}

func testInsertRejectsForeign(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.Insert(ctx, event("Alice", ledger.KindShared, "10", 0))
	assert.ErrorIs(t, err, ledger.ErrUnknownParticipant)

	_, err = s.Insert(ctx, event("Alice", ledger.KindReimbursement, "10", 0))
	assert.ErrorIs(t, err, ledger.ErrUnknownParticipant)

	events, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing persisted")
}

func testUpdateAmount(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	id, err := s.Insert(ctx, event("Tomi", ledger.KindShared, "10", 0))
	require.NoError(t, err)

	require.NoError(t, s.UpdateAmount(ctx, id, decimal.RequireFromString("12.75")))

	events, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Amount.Equal(decimal.RequireFromString("12.75")))
	assert.Equal(t, ledger.Participant("Tomi"), events[0].Participant, "participant is immutable")

	err = s.UpdateAmount(ctx, id, decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func testUpdateMissing(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	err := s.UpdateAmount(ctx, "999999", decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)

	err = s.Delete(ctx, "999999")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func testDelete(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	keep, err := s.Insert(ctx, event("Tomi", ledger.KindShared, "10", 0))
	require.NoError(t, err)
	drop, err := s.Insert(ctx, event("Damien", ledger.KindShared, "5", time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, drop))

	events, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, keep, events[0].ID)

	assert.ErrorIs(t, s.Delete(ctx, drop), ledger.ErrEventNotFound)
}

func testDeleteAll(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, event("Tomi", ledger.KindShared, "1", time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	require.NoError(t, s.DeleteAll(ctx))

	events, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// recorder collects notifications.
type recorder struct {
	mu  sync.Mutex
	ops []ledger.ChangeOp
}

func (r *recorder) record(c ledger.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, c.Op)
}

func (r *recorder) seen(op ledger.ChangeOp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.ops {
		if o == op {
			return true
		}
	}
	return false
}

func testSubscribe(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Notifications coalesce, so each op is awaited before the next write.
	id, err := s.Insert(ctx, event("Tomi", ledger.KindShared, "10", 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.seen(ledger.ChangeInsert) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.UpdateAmount(ctx, id, decimal.NewFromInt(11)))
	require.Eventually(t, func() bool { return rec.seen(ledger.ChangeUpdate) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Delete(ctx, id))
	require.Eventually(t, func() bool { return rec.seen(ledger.ChangeDelete) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.DeleteAll(ctx))
	require.Eventually(t, func() bool { return rec.seen(ledger.ChangeReset) }, 5*time.Second, 10*time.Millisecond)
}
