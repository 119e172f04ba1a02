/*
store.go - Persistence interface for monetary events

PURPOSE:
  Defines the interface between the reconciliation engine and the
  authoritative, multi-writer event store. The engine never trusts its
  local copy: every change notification leads to a full List().

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for testing and dev
  - store/sqlite/sqlite.go: SQLite, in-process notifications
  - store/postgres/postgres.go: PostgreSQL, LISTEN/NOTIFY
  - remote/client.go: HTTP API client, websocket notifications

NOTIFICATIONS:
  Subscribe delivers a Change for every insert, update, delete or reset,
  from any writer. The payload is a hint only; subscribers must not rely on
  it beyond "something changed".
*/
package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the authoritative event collection.
type Store interface {
	// List returns every event ordered by timestamp ascending.
	List(ctx context.Context) ([]Event, error)

	// Insert persists a new event atomically and returns its id.
	Insert(ctx context.Context, e NewEvent) (EventID, error)

	// UpdateAmount changes the amount of one event. Returns ErrEventNotFound
	// if the id does not exist.
	UpdateAmount(ctx context.Context, id EventID, amount decimal.Decimal) error

	// Delete removes one event. Returns ErrEventNotFound if the id does not exist.
	Delete(ctx context.Context, id EventID) error

	// DeleteAll removes every event.
	DeleteAll(ctx context.Context) error

	// Subscribe registers fn for change notifications until the returned
	// Subscription is released.
	Subscribe(ctx context.Context, fn func(Change)) (Subscription, error)
}

// Subscription is a long-lived notification registration.
type Subscription interface {
	Unsubscribe() error
}

// =============================================================================
// CHANGES
// =============================================================================

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
	ChangeReset  ChangeOp = "reset"
)

// Change describes one mutation of the collection. ID is empty for resets.
type Change struct {
	Op ChangeOp
	ID EventID
}

// =============================================================================
// BROADCASTER - Fan-out of changes to subscribers
// =============================================================================

// Broadcaster delivers changes to subscribers. Each subscriber has its own
// goroutine and a one-slot buffer: while a notification is pending, newer
// ones are dropped, since the pending one already triggers a full refresh.
// Publish never blocks, so stores may call it right after committing.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	b    *Broadcaster
	ch   chan Change
	done chan struct{}
	once sync.Once
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Subscribe starts delivering changes to fn.
func (b *Broadcaster) Subscribe(fn func(Change)) Subscription {
	s := &subscriber{
		b:    b,
		ch:   make(chan Change, 1),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case c := <-s.ch:
				fn(c)
			case <-s.done:
				return
			}
		}
	}()
	return s
}

// Publish notifies every subscriber.
func (b *Broadcaster) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- c:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close releases every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.stop()
	}
}

func (s *subscriber) Unsubscribe() error {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	s.stop()
	return nil
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
