package reconcile_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shared-ledger/ledger"
	"github.com/warp/shared-ledger/ledger/store"
	"github.com/warp/shared-ledger/reconcile"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var errBackend = errors.New("connection refused")

// flakyStore wraps the memory store with injectable failures and call counts.
type flakyStore struct {
	*store.Memory

	mu        sync.Mutex
	listErr   error
	insertErr error
	listGate  func(call int) // runs inside List before reading

	lists   atomic.Int32
	inserts atomic.Int32
	updates atomic.Int32
	deletes atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: store.NewMemory()}
}

func (f *flakyStore) failLists(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *flakyStore) failInserts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertErr = err
}

func (f *flakyStore) List(ctx context.Context) ([]ledger.Event, error) {
	call := int(f.lists.Add(1))
	f.mu.Lock()
	err, gate := f.listErr, f.listGate
	f.mu.Unlock()

	events, listErr := f.Memory.List(ctx)
	if gate != nil {
		gate(call)
	}
	if err != nil {
		return nil, err
	}
	return events, listErr
}

func (f *flakyStore) Insert(ctx context.Context, e ledger.NewEvent) (ledger.EventID, error) {
	f.inserts.Add(1)
	f.mu.Lock()
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.Memory.Insert(ctx, e)
}

func (f *flakyStore) UpdateAmount(ctx context.Context, id ledger.EventID, amount decimal.Decimal) error {
	f.updates.Add(1)
	return f.Memory.UpdateAmount(ctx, id, amount)
}

func (f *flakyStore) Delete(ctx context.Context, id ledger.EventID) error {
	f.deletes.Add(1)
	return f.Memory.Delete(ctx, id)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, s ledger.Store) *reconcile.Controller {
	classifier := ledger.MustClassifier(ledger.DefaultPair, ledger.DefaultMarker)
	c := reconcile.New(s, classifier, reconcile.WithLogger(quietLogger()))
	t.Cleanup(func() { c.Close() })
	return c
}

func started(t *testing.T, s ledger.Store) *reconcile.Controller {
	c := newController(t, s)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func seed(t *testing.T, s ledger.Store, p ledger.Participant, k ledger.Kind, amount string) ledger.EventID {
	id, err := s.Insert(context.Background(), ledger.NewEvent{
		Amount:      decimal.RequireFromString(amount),
		Participant: p,
		Kind:        k,
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
	return id
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// LOADING
// =============================================================================

func TestController_StartLoadsView(t *testing.T) {
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "100")
	seed(t, s, "Damien", ledger.KindShared, "40")

	c := started(t, s)

	v := c.View()
	assert.True(t, v.Loaded)
	assert.NoError(t, v.Err)
	assert.Len(t, v.Events, 2)
	assert.Equal(t, ledger.Participant("Damien"), v.Result.Debtor)
	assert.True(t, v.Result.Magnitude.Equal(dec("30")))
	assert.Equal(t, "Damien owes Tomi 30.00", v.Result.Statement(""))
}

func TestController_StartWithUnreachableStore(t *testing.T) {
	// GIVEN: A store whose first List fails
	// WHEN: Starting
	// THEN: Start succeeds, the view is empty and carries the error

	s := newFlakyStore()
	s.failLists(errBackend)

	c := started(t, s)

	v := c.View()
	assert.False(t, v.Loaded)
	var storeErr *reconcile.StoreError
	require.ErrorAs(t, v.Err, &storeErr)
	assert.Equal(t, "refresh", storeErr.Op)
	assert.True(t, v.Result.Settled())
}

// =============================================================================
// REFRESH
// =============================================================================

func TestController_RefreshFailureKeepsView(t *testing.T) {
	// GIVEN: A loaded view with one event
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "50")
	c := started(t, s)
	before := c.View()

	// WHEN: The next refresh fails
	s.failLists(errBackend)
	err := c.Refresh(context.Background())

	// THEN: The events and balance are unchanged and the error is surfaced
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errBackend)

	v := c.View()
	assert.Equal(t, before.Events, v.Events)
	assert.True(t, before.Result.Equal(v.Result))
	assert.Error(t, v.Err)

	// AND: The next successful refresh clears the error
	s.failLists(nil)
	require.NoError(t, c.Refresh(context.Background()))
	assert.NoError(t, c.View().Err)
}

func TestController_DismissError(t *testing.T) {
	s := newFlakyStore()
	c := started(t, s)

	s.failLists(errBackend)
	require.Error(t, c.Refresh(context.Background()))
	c.DismissError()
	assert.NoError(t, c.View().Err)
}

func TestController_RefreshIsIdempotent(t *testing.T) {
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "12.34")
	seed(t, s, "Damien", ledger.KindReimbursement, "3")
	c := started(t, s)

	first := c.View()
	require.NoError(t, c.Refresh(context.Background()))
	second := c.View()

	assert.Equal(t, first.Events, second.Events)
	assert.True(t, first.Result.Equal(second.Result))
	assert.Greater(t, second.Sequence, first.Sequence)
}

func TestController_StaleRefreshDiscarded(t *testing.T) {
	// GIVEN: A slow refresh that read the store before a new event arrived
	// WHEN: A newer refresh completes first
	// THEN: The slow result is discarded when it finally returns

	s := newFlakyStore()
	c := started(t, s)

	slowRead := make(chan struct{})
	release := make(chan struct{})
	slowCall := int(s.lists.Load()) + 1
	s.mu.Lock()
	s.listGate = func(call int) {
		if call == slowCall {
			close(slowRead)
			<-release
		}
	}
	s.mu.Unlock()

	slowDone := make(chan error, 1)
	go func() { slowDone <- c.Refresh(context.Background()) }()
	<-slowRead

	seed(t, s, "Tomi", ledger.KindShared, "20")
	require.NoError(t, c.Refresh(context.Background()))
	require.Len(t, c.View().Events, 1)

	close(release)
	require.NoError(t, <-slowDone)

	assert.Len(t, c.View().Events, 1, "stale empty snapshot must not replace the newer one")
}

func TestController_RemoteChangeTriggersRefresh(t *testing.T) {
	// GIVEN: A started controller
	s := newFlakyStore()
	c := started(t, s)

	// WHEN: Another writer inserts directly into the store
	seed(t, s, "Damien", ledger.KindShared, "80")

	// THEN: The view catches up through the change notification
	require.Eventually(t, func() bool {
		v := c.View()
		return len(v.Events) == 1 && v.Result.Debtor == "Tomi"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestController_OnUpdateNotified(t *testing.T) {
	s := newFlakyStore()
	c := newController(t, s)

	var views []reconcile.View
	var mu sync.Mutex
	c.OnUpdate(func(v reconcile.View) {
		mu.Lock()
		defer mu.Unlock()
		views = append(views, v)
	})

	require.NoError(t, c.Refresh(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, views, 1)
	assert.True(t, views[0].Loaded)
}

func TestController_ObserversSeeViewsInOrder(t *testing.T) {
	// GIVEN: An observer that is slow to handle the first view
	s := newFlakyStore()
	c := newController(t, s)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []reconcile.View
	c.OnUpdate(func(v reconcile.View) {
		mu.Lock()
		first := len(seen) == 0
		seen = append(seen, v)
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
	})

	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Refresh(context.Background()) }()
	<-entered

	// WHEN: A newer refresh is applied while the first view is still being delivered
	seed(t, s, "Tomi", ledger.KindShared, "20")
	secondDone := make(chan error, 1)
	go func() { secondDone <- c.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return len(c.View().Events) == 1 }, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	// THEN: The newest view is delivered last
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Less(t, seen[0].Sequence, seen[1].Sequence)
	assert.Len(t, seen[1].Events, 1)
	assert.Equal(t, c.View().Sequence, seen[1].Sequence)
}

func TestController_OvertakenRefreshDoesNotPrune(t *testing.T) {
	// GIVEN: A refresh that read the store before an event existed
	s := newFlakyStore()
	c := started(t, s)

	slowRead := make(chan struct{})
	release := make(chan struct{})
	slowCall := int(s.lists.Load()) + 1
	s.mu.Lock()
	s.listGate = func(call int) {
		if call == slowCall {
			close(slowRead)
			<-release
		}
	}
	s.mu.Unlock()

	slowDone := make(chan error, 1)
	go func() { slowDone <- c.Refresh(context.Background()) }()
	<-slowRead

	// WHEN: The event appears, is edited, and the slow refresh returns last
	id := seed(t, s, "Tomi", ledger.KindShared, "20")
	require.NoError(t, c.Refresh(context.Background()))
	c.Interactions().StartEdit(id)

	close(release)
	require.NoError(t, <-slowDone)

	// THEN: The edit survives
	assert.Equal(t, reconcile.Editing, c.Interactions().State().Mode)
	assert.Equal(t, id, c.Interactions().State().EventID)
}

func TestController_UnclassifiedEventReported(t *testing.T) {
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "100")
	seed(t, s, "Alice", ledger.KindShared, "999")

	c := started(t, s)

	v := c.View()
	assert.Len(t, v.Events, 2)
	require.Len(t, v.Result.Unclassified, 1)
	assert.True(t, v.Result.Magnitude.Equal(dec("50")))
}

// =============================================================================
// INTENTS
// =============================================================================

func TestController_AddExpense_ValidationBeforeStore(t *testing.T) {
	s := newFlakyStore()
	c := started(t, s)
	ctx := context.Background()

	for _, input := range []string{"", "abc", "0", "-3", "NaN", "Inf"} {
		_, err := c.AddExpense(ctx, "Tomi", input)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "input %q", input)
	}

	_, err := c.AddExpense(ctx, "Bob", "10")
	assert.ErrorIs(t, err, ledger.ErrUnknownParticipant)

	assert.Equal(t, int32(0), s.inserts.Load(), "no store call for invalid input")
}

func TestController_AddExpense_RefreshesView(t *testing.T) {
	s := newFlakyStore()
	c := started(t, s)

	id, err := c.AddExpense(context.Background(), "tomi", "100,50")
	require.NoError(t, err)

	v := c.View()
	require.Len(t, v.Events, 1)
	assert.Equal(t, id, v.Events[0].ID)
	assert.Equal(t, ledger.Participant("Tomi"), v.Events[0].Participant)
	assert.Equal(t, ledger.KindShared, v.Events[0].Kind)
	assert.True(t, v.Result.Magnitude.Equal(dec("50.25")))
}

func TestController_AddExpense_StoreFailure(t *testing.T) {
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "10")
	c := started(t, s)
	before := c.View()

	s.failInserts(errBackend)
	_, err := c.AddExpense(context.Background(), "Damien", "10")

	var storeErr *reconcile.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "insert", storeErr.Op)
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.Equal(t, before.Events, c.View().Events, "failed mutation is not applied locally")
}

func TestController_EditAmount(t *testing.T) {
	s := newFlakyStore()
	id := seed(t, s, "Tomi", ledger.KindShared, "100")
	c := started(t, s)

	require.NoError(t, c.EditAmount(context.Background(), id, "60"))

	v := c.View()
	assert.True(t, v.Events[0].Amount.Equal(dec("60")))
	assert.True(t, v.Result.Magnitude.Equal(dec("30")))

	err := c.EditAmount(context.Background(), id, "zero")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	assert.Equal(t, int32(1), s.updates.Load())
}

func TestController_EditMissingEventRefreshes(t *testing.T) {
	// GIVEN: The view holds an event another device just deleted
	s := newFlakyStore()
	id := seed(t, s, "Tomi", ledger.KindShared, "100")
	c := newController(t, s)
	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, s.Memory.Delete(context.Background(), id))

	// WHEN: Editing it
	listsBefore := s.lists.Load()
	err := c.EditAmount(context.Background(), id, "10")

	// THEN: Not found is reported and the view is resynchronized
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
	assert.NotErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.Greater(t, s.lists.Load(), listsBefore)
	assert.Empty(t, c.View().Events)
}

func TestController_DeleteOnlyEvent(t *testing.T) {
	s := newFlakyStore()
	id := seed(t, s, "Damien", ledger.KindShared, "40")
	c := started(t, s)

	require.NoError(t, c.DeleteEvent(context.Background(), id))

	v := c.View()
	assert.Empty(t, v.Events)
	assert.True(t, v.Result.Balance.IsZero())
	assert.True(t, v.Result.Settled())
}

func TestController_SettleUp(t *testing.T) {
	// GIVEN: Damien owes Tomi 30
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "100")
	seed(t, s, "Damien", ledger.KindShared, "40")
	c := started(t, s)

	// WHEN: Settling 30
	id, err := c.SettleUp(context.Background(), "30")
	require.NoError(t, err)

	// THEN: A reimbursement by Damien is recorded and the ledger is settled
	v := c.View()
	require.Len(t, v.Events, 3)
	last := v.Events[2]
	assert.Equal(t, id, last.ID)
	assert.Equal(t, ledger.Participant("Damien"), last.Participant)
	assert.Equal(t, ledger.KindReimbursement, last.Kind)
	assert.True(t, v.Result.Settled())

	// AND: Settling again is refused without a store call
	inserts := s.inserts.Load()
	_, err = c.SettleUp(context.Background(), "1")
	assert.ErrorIs(t, err, reconcile.ErrNothingToSettle)
	assert.Equal(t, inserts, s.inserts.Load())
}

func TestController_SettleUpBeforeFirstLoad(t *testing.T) {
	// GIVEN: A debt the controller never managed to load
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "100")
	s.failLists(errBackend)
	c := started(t, s)
	require.False(t, c.View().Loaded)

	// WHEN: Settling while the store is still down
	_, err := c.SettleUp(context.Background(), "50")

	// THEN: The read failure is reported, not a settled ledger
	var storeErr *reconcile.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "refresh", storeErr.Op)
	assert.True(t, ledger.IsStoreFailure(err))
	assert.NotErrorIs(t, err, reconcile.ErrNothingToSettle)
	assert.Zero(t, s.inserts.Load())

	// AND: Once the store answers, settling reads the ledger first
	s.failLists(nil)
	_, err = c.SettleUp(context.Background(), "50")
	require.NoError(t, err)
	v := c.View()
	require.Len(t, v.Events, 2)
	assert.Equal(t, ledger.Participant("Damien"), v.Events[1].Participant)
	assert.True(t, v.Result.Settled())
}

func TestController_SettleUpPartial(t *testing.T) {
	s := newFlakyStore()
	seed(t, s, "Damien", ledger.KindShared, "100")
	c := started(t, s)

	_, err := c.SettleUp(context.Background(), "20")
	require.NoError(t, err)

	v := c.View()
	assert.Equal(t, ledger.Participant("Tomi"), v.Result.Debtor)
	assert.True(t, v.Result.Magnitude.Equal(dec("30")))
}

func TestController_ResetAll(t *testing.T) {
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "1")
	seed(t, s, "Damien", ledger.KindShared, "2")
	c := started(t, s)

	require.NoError(t, c.ResetAll(context.Background()))
	assert.Empty(t, c.View().Events)
}

// =============================================================================
// CONFIRMATION FLOWS
// =============================================================================

func TestController_ConfirmDeleteFlow(t *testing.T) {
	s := newFlakyStore()
	keep := seed(t, s, "Tomi", ledger.KindShared, "10")
	drop := seed(t, s, "Damien", ledger.KindShared, "10")
	c := started(t, s)
	ctx := context.Background()

	// Confirming with nothing pending does nothing.
	assert.ErrorIs(t, c.ConfirmDelete(ctx), reconcile.ErrNoPendingInteraction)
	assert.Equal(t, int32(0), s.deletes.Load())

	c.Interactions().RequestDelete(drop)
	require.NoError(t, c.ConfirmDelete(ctx))

	v := c.View()
	require.Len(t, v.Events, 1)
	assert.Equal(t, keep, v.Events[0].ID)
	assert.Equal(t, reconcile.Idle, c.Interactions().State().Mode)
}

func TestController_CancelDeleteLeavesEvent(t *testing.T) {
	s := newFlakyStore()
	id := seed(t, s, "Tomi", ledger.KindShared, "10")
	c := started(t, s)

	c.Interactions().RequestDelete(id)
	c.Interactions().CancelDelete()

	assert.ErrorIs(t, c.ConfirmDelete(context.Background()), reconcile.ErrNoPendingInteraction)
	assert.Len(t, c.View().Events, 1)
	assert.Equal(t, int32(0), s.deletes.Load())
}

func TestController_SaveEditFlow(t *testing.T) {
	s := newFlakyStore()
	id := seed(t, s, "Tomi", ledger.KindShared, "10")
	c := started(t, s)
	ctx := context.Background()

	c.Interactions().StartEdit(id)

	// Invalid input keeps the edit open.
	assert.ErrorIs(t, c.SaveEdit(ctx, "-1"), ledger.ErrInvalidAmount)
	assert.Equal(t, reconcile.State{Mode: reconcile.Editing, EventID: id}, c.Interactions().State())

	require.NoError(t, c.SaveEdit(ctx, "25"))
	assert.Equal(t, reconcile.Idle, c.Interactions().State().Mode)
	assert.True(t, c.View().Events[0].Amount.Equal(dec("25")))
}

func TestController_ConfirmResetFlow(t *testing.T) {
	s := newFlakyStore()
	seed(t, s, "Tomi", ledger.KindShared, "10")
	c := started(t, s)
	ctx := context.Background()

	assert.ErrorIs(t, c.ConfirmReset(ctx), reconcile.ErrNoPendingInteraction)
	assert.Len(t, c.View().Events, 1)

	c.Interactions().RequestReset()
	require.NoError(t, c.ConfirmReset(ctx))
	assert.Empty(t, c.View().Events)
	assert.Equal(t, reconcile.Idle, c.Interactions().State().Mode)
}

func TestController_RemoteDeletePrunesEdit(t *testing.T) {
	// GIVEN: The user is editing an event
	s := newFlakyStore()
	id := seed(t, s, "Tomi", ledger.KindShared, "10")
	c := started(t, s)
	c.Interactions().StartEdit(id)

	// WHEN: Another device deletes it
	require.NoError(t, s.Memory.Delete(context.Background(), id))

	// THEN: The edit is abandoned once the view refreshes
	require.Eventually(t, func() bool {
		return c.Interactions().State().Mode == reconcile.Idle
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestController_CloseUnsubscribes(t *testing.T) {
	s := newFlakyStore()
	c := newController(t, s)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 1, s.Subscribers())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, s.Subscribers())
}
