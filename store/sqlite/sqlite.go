/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Persists monetary events in a single table. Participant and kind are two
  discrete columns, so rows never need tag parsing.

KEY TABLES:
  events: One row per shared expense or reimbursement

CONCURRENCY:
  The pool is limited to one connection, which serializes writers and keeps
  ":memory:" databases consistent across calls.

NOTIFICATIONS:
  Changes are published in-process after each successful write. Processes
  sharing the database file through other means should go through the HTTP
  API (cmd/server) to observe each other.

USAGE:
  store, err := sqlite.New("./ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definition
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/shared-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db   *sql.DB
	feed *ledger.Broadcaster

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	pair *ledger.Pair // nil admits any participant
}

type Option func(*Store)

// WithPair restricts inserts to the participants of pair.
func WithPair(pair ledger.Pair) Option {
	return func(s *Store) { s.pair = &pair }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:      db,
		feed:    ledger.NewBroadcaster(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close releases subscribers and closes the database connection.
func (s *Store) Close() error {
	s.feed.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		participant TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('shared', 'reimbursement')),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_created_at
		ON events(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// List returns every event, oldest first. ULIDs break timestamp ties in
// insertion order.
func (s *Store) List(ctx context.Context) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount, participant, kind, created_at
		FROM events
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		e         ledger.Event
		amount    string
		createdAt string
	)
	if err := rows.Scan(&e.ID, &amount, &e.Participant, &e.Kind, &createdAt); err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return e, fmt.Errorf("event %s: bad amount %q: %w", e.ID, amount, err)
	}
	e.Amount = d

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return e, fmt.Errorf("event %s: bad timestamp %q: %w", e.ID, createdAt, err)
	}
	e.Timestamp = t
	return e, nil
}

// Insert adds an event.
func (s *Store) Insert(ctx context.Context, e ledger.NewEvent) (ledger.EventID, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if s.pair != nil {
		if err := s.pair.Admit(e.Participant); err != nil {
			return "", err
		}
	}

	id, err := s.newID(e.Timestamp)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, amount, participant, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		id,
		e.Amount.String(),
		e.Participant,
		e.Kind,
		formatTime(e.Timestamp),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}

	s.feed.Publish(ledger.Change{Op: ledger.ChangeInsert, ID: id})
	return id, nil
}

// UpdateAmount changes the amount of an existing event.
func (s *Store) UpdateAmount(ctx context.Context, id ledger.EventID, amount decimal.Decimal) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE events SET amount = ? WHERE id = ?`, amount.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}

	s.feed.Publish(ledger.Change{Op: ledger.ChangeUpdate, ID: id})
	return nil
}

// Delete removes an event.
func (s *Store) Delete(ctx context.Context, id ledger.EventID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}

	s.feed.Publish(ledger.Change{Op: ledger.ChangeDelete, ID: id})
	return nil
}

// DeleteAll clears the ledger.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("failed to reset events: %w", err)
	}

	s.feed.Publish(ledger.Change{Op: ledger.ChangeReset})
	return nil
}

// Subscribe registers fn for in-process change notifications.
func (s *Store) Subscribe(_ context.Context, fn func(ledger.Change)) (ledger.Subscription, error) {
	return s.feed.Subscribe(fn), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// newID returns a ULID for t. Within one millisecond ids increase
// monotonically, so equal timestamps list in insertion order.
func (s *Store) newID(t time.Time) (ledger.EventID, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate event id: %w", err)
	}
	return ledger.EventID(id.String()), nil
}

// formatTime uses a fixed-width UTC layout so that text ordering in SQL
// matches chronological ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func requireRow(res sql.Result, id ledger.EventID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, ledger.ErrEventNotFound)
	}
	return nil
}
