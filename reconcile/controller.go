/*
Package reconcile keeps a local view of a remote, multi-writer ledger.

PURPOSE:
  The Controller owns the locally displayed events and balance. It
  validates user intents, sends mutations to the ledger.Store, and
  resynchronizes whenever the store reports any change.

SYNCHRONIZATION:
  There is no incremental merge. Every acknowledged mutation and every
  change notification, whoever the writer, leads to a full List() that
  replaces the view wholesale. The displayed balance is therefore always
  computed from one complete snapshot of the store.

  ┌──────────┐  intent   ┌────────────┐  mutation  ┌───────┐
  │   user   │ ────────▶ │ Controller │ ─────────▶ │ Store │
  └──────────┘           └────────────┘            └───────┘
                              ▲   ▲                    │
                    Refresh() │   └── OnRemoteChange ──┘
                              │        (any writer)
                        full List()

ORDERING:
  Refreshes may overlap (a notification arrives while a mutation's own
  refresh is in flight). Each refresh takes a sequence number when it
  starts; a result that completes after a newer one was applied is
  discarded. Observers and interaction pruning see applied views in the
  same order.

ERRORS:
  - Validation errors are returned before any store call.
  - Refresh failures keep the previous view and set View.Err until the
    next successful refresh or DismissError. Retrying is calling Refresh.
  - Mutation failures are returned as *StoreError and never assumed
    applied. Nothing is retried automatically.

SEE ALSO:
  - interaction.go: single-slot edit/delete confirmation state machine
  - ledger/balance.go: Balance Calculator
*/
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/shared-ledger/ledger"
)

// DefaultRefreshTimeout bounds refreshes triggered by change notifications.
const DefaultRefreshTimeout = 10 * time.Second

// =============================================================================
// VIEW - Immutable snapshot handed to the UI
// =============================================================================

// View is one consistent snapshot. Events must be treated as read-only.
type View struct {
	Events      []ledger.Event // timestamp ascending
	Result      ledger.Result
	Err         error // last refresh failure, nil once a refresh succeeds
	RefreshedAt time.Time
	Sequence    uint64
	Loaded      bool // at least one refresh succeeded
}

// Newest returns the events newest first, for display.
func (v View) Newest() []ledger.Event {
	out := make([]ledger.Event, len(v.Events))
	for i, e := range v.Events {
		out[len(v.Events)-1-i] = e
	}
	return out
}

// =============================================================================
// CONTROLLER
// =============================================================================

type Controller struct {
	store      ledger.Store
	classifier *ledger.Classifier
	calc       *ledger.Calculator
	rows       *Machine

	logger         *slog.Logger
	now            func() time.Time
	refreshTimeout time.Duration

	issued atomic.Uint64

	mu        sync.RWMutex
	view      View
	applied   uint64
	sub       ledger.Subscription
	observers []func(View)

	// publishMu orders pruning and observer calls by sequence.
	publishMu sync.Mutex
	published uint64
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Controller) { c.refreshTimeout = d }
}

func New(store ledger.Store, classifier *ledger.Classifier, opts ...Option) *Controller {
	c := &Controller{
		store:          store,
		classifier:     classifier,
		calc:           ledger.NewCalculator(classifier),
		rows:           NewMachine(),
		logger:         slog.Default(),
		now:            time.Now,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.view.Result = c.calc.Compute(nil)
	return c
}

// Start subscribes to store changes and performs the initial refresh. A
// failed initial refresh does not fail Start: it is reported in View().Err
// and the subscription stays live.
func (c *Controller) Start(ctx context.Context) error {
	sub, err := c.store.Subscribe(ctx, c.OnRemoteChange)
	if err != nil {
		return &StoreError{Op: "subscribe", Err: err}
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial refresh failed", "error", err)
	}
	return nil
}

// Close releases the change subscription. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// View returns the current snapshot.
func (c *Controller) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Interactions exposes the row interaction state machine.
func (c *Controller) Interactions() *Machine { return c.rows }

// OnUpdate registers fn to be called after every applied refresh, including
// failed ones. Calls are serialized and arrive in sequence order; a view
// overtaken by a newer refresh is skipped. fn must not call Refresh or any
// intent.
func (c *Controller) OnUpdate(fn func(View)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// DismissError clears the displayed refresh error without refetching.
func (c *Controller) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.Err = nil
}

// =============================================================================
// REFRESH
// =============================================================================

// Refresh fetches the full collection and replaces the view. On failure the
// previous events and balance are kept and View.Err is set.
func (c *Controller) Refresh(ctx context.Context) error {
	seq := c.issued.Add(1)
	events, err := c.store.List(ctx)

	c.mu.Lock()
	if seq <= c.applied {
		applied := c.applied
		c.mu.Unlock()
		c.logger.Debug("discarding out-of-order refresh", "seq", seq, "applied", applied)
		return nil
	}
	c.applied = seq

	if err != nil {
		storeErr := &StoreError{Op: "refresh", Err: err}
		c.view.Err = storeErr
		view, observers := c.view, c.snapshotObservers()
		c.mu.Unlock()

		c.logger.Error("failed to refresh ledger", "error", err, "seq", seq)
		c.publish(seq, view, observers, nil)
		return storeErr
	}

	result := c.calc.Compute(events)
	c.view = View{
		Events:      events,
		Result:      result,
		RefreshedAt: c.now(),
		Sequence:    seq,
		Loaded:      true,
	}
	view, observers := c.view, c.snapshotObservers()
	c.mu.Unlock()

	ids := make(map[ledger.EventID]struct{}, len(events))
	for _, e := range events {
		ids[e.ID] = struct{}{}
	}

	for _, ue := range result.Unclassified {
		c.logger.Error("unclassifiable event excluded from balance", "event_id", ue.EventID, "tag", ue.Tag)
	}
	c.publish(seq, view, observers, ids)
	return nil
}

// publish prunes the interaction machine against ids (nil after a failed
// refresh) and notifies observers. A view overtaken by a newer one is
// dropped, so observers see sequences in increasing order. Observers run
// under publishMu and must not call Refresh.
func (c *Controller) publish(seq uint64, view View, observers []func(View), ids map[ledger.EventID]struct{}) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if seq < c.published {
		c.logger.Debug("dropping overtaken view", "seq", seq, "published", c.published)
		return
	}
	c.published = seq

	if ids != nil {
		c.rows.Prune(ids)
	}
	notify(observers, view)
}

// OnRemoteChange handles a store notification with a full refresh. The
// payload is only logged.
func (c *Controller) OnRemoteChange(ch ledger.Change) {
	c.logger.Debug("remote change", "op", ch.Op, "event_id", ch.ID)
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	_ = c.Refresh(ctx)
}

func (c *Controller) snapshotObservers() []func(View) {
	return append([]func(View){}, c.observers...)
}

func notify(observers []func(View), v View) {
	for _, fn := range observers {
		fn(v)
	}
}

// =============================================================================
// INTENTS
// =============================================================================

// AddExpense records a shared expense paid by the named participant. The
// input is rejected locally unless it is a finite number > 0.
func (c *Controller) AddExpense(ctx context.Context, participant, input string) (ledger.EventID, error) {
	p, err := c.classifier.Participant(participant)
	if err != nil {
		return "", err
	}
	amount, err := ledger.ParseAmount(input)
	if err != nil {
		return "", err
	}
	return c.insert(ctx, ledger.NewEvent{
		Amount:      amount,
		Participant: p,
		Kind:        ledger.KindShared,
		Timestamp:   c.now(),
	})
}

// EditAmount changes the amount of one event. Participant and kind are
// immutable.
func (c *Controller) EditAmount(ctx context.Context, id ledger.EventID, input string) error {
	amount, err := ledger.ParseAmount(input)
	if err != nil {
		return err
	}
	if err := c.store.UpdateAmount(ctx, id, amount); err != nil {
		return c.mutationFailed(ctx, "update", err)
	}
	c.refreshAfter(ctx, "update")
	return nil
}

// DeleteEvent removes one event unconditionally.
func (c *Controller) DeleteEvent(ctx context.Context, id ledger.EventID) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return c.mutationFailed(ctx, "delete", err)
	}
	c.refreshAfter(ctx, "delete")
	return nil
}

// SettleUp records a reimbursement paid by the current debtor. Partial
// amounts are allowed; the balance is recomputed on the next refresh.
// Before the first successful load the ledger is read again, and a failed
// read is returned instead of a balance nobody has seen.
func (c *Controller) SettleUp(ctx context.Context, input string) (ledger.EventID, error) {
	amount, err := ledger.ParseAmount(input)
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	loaded := c.view.Loaded
	c.mu.RUnlock()
	if !loaded {
		if err := c.Refresh(ctx); err != nil {
			return "", err
		}
	}

	c.mu.RLock()
	result, loaded := c.view.Result, c.view.Loaded
	c.mu.RUnlock()
	if !loaded {
		return "", &StoreError{Op: "refresh", Err: ledger.ErrStoreUnavailable}
	}
	if result.Settled() {
		return "", ErrNothingToSettle
	}

	return c.insert(ctx, ledger.NewEvent{
		Amount:      amount,
		Participant: result.Debtor,
		Kind:        ledger.KindReimbursement,
		Timestamp:   c.now(),
	})
}

// ResetAll deletes every event.
func (c *Controller) ResetAll(ctx context.Context) error {
	if err := c.store.DeleteAll(ctx); err != nil {
		return c.mutationFailed(ctx, "reset", err)
	}
	c.refreshAfter(ctx, "reset")
	return nil
}

// =============================================================================
// CONFIRMATION STEPS - second step of the interaction flows
// =============================================================================

// SaveEdit applies input to the event being edited. On success the machine
// returns to Idle; on validation or store failure it stays Editing.
func (c *Controller) SaveEdit(ctx context.Context, input string) error {
	st, err := c.rows.begin(Editing)
	if err != nil {
		return err
	}
	if err := c.EditAmount(ctx, st.EventID, input); err != nil {
		return err
	}
	c.rows.finish(st)
	return nil
}

// ConfirmDelete deletes the event awaiting confirmation.
func (c *Controller) ConfirmDelete(ctx context.Context) error {
	st, err := c.rows.begin(ConfirmingDelete)
	if err != nil {
		return err
	}
	if err := c.DeleteEvent(ctx, st.EventID); err != nil {
		return err
	}
	c.rows.finish(st)
	return nil
}

// ConfirmReset deletes every event after RequestReset.
func (c *Controller) ConfirmReset(ctx context.Context) error {
	st, err := c.rows.begin(ConfirmingReset)
	if err != nil {
		return err
	}
	if err := c.ResetAll(ctx); err != nil {
		return err
	}
	c.rows.finish(st)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Controller) insert(ctx context.Context, e ledger.NewEvent) (ledger.EventID, error) {
	id, err := c.store.Insert(ctx, e)
	if err != nil {
		return "", c.mutationFailed(ctx, "insert", err)
	}
	c.logger.Info("event recorded", "event_id", id, "participant", e.Participant, "kind", e.Kind, "amount", e.Amount)
	c.refreshAfter(ctx, "insert")
	return id, nil
}

// refreshAfter refetches once a mutation is acknowledged. A failure here
// does not fail the mutation; it shows up in View.Err.
func (c *Controller) refreshAfter(ctx context.Context, op string) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("refresh after mutation failed", "op", op, "error", err)
	}
}

func (c *Controller) mutationFailed(ctx context.Context, op string, err error) error {
	c.logger.Error("ledger mutation failed", "op", op, "error", err)
	if ledger.IsValidation(err) {
		return err
	}
	// The row vanished under us: the view is stale.
	if ledger.IsNotFound(err) {
		c.refreshAfter(ctx, op)
	}
	return &StoreError{Op: op, Err: err}
}
