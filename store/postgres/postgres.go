/*
Package postgres provides a PostgreSQL-backed ledger.Store.

PURPOSE:
  Serves the schema of the legacy deployment, where each expense row
  carries a single "person" column holding a legacy participant tag
  ("Tomi", "Damien (Remboursement)"). The Classifier encodes and decodes it.

KEY TABLES:
  expenses(id bigserial, amount numeric, person text, date timestamptz)

NOTIFICATIONS:
  Migrate installs a row trigger that calls pg_notify on the
  "expenses_changes" channel for every insert, update and delete, whoever
  the writer is. Subscribe listens on that channel with pq.Listener. When
  the listener reconnects, notifications may have been missed, so a reset
  change is delivered.

USAGE:
  store, err := postgres.New(ctx, "postgres://localhost/expenses?sslmode=disable", classifier)
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/warp/shared-ledger/ledger"
)

// Channel is the LISTEN/NOTIFY channel fed by the expenses trigger.
const Channel = "expenses_changes"

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	db         *sql.DB
	dsn        string
	classifier *ledger.Classifier
	logger     *slog.Logger
}

// New opens the database, checks connectivity and migrates the schema.
func New(ctx context.Context, dsn string, classifier *ledger.Classifier) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, dsn: dsn, classifier: classifier, logger: slog.Default()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// WithLogger sets the logger used by change listeners.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	s.logger = l
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS expenses (
		id BIGSERIAL PRIMARY KEY,
		amount NUMERIC NOT NULL CHECK (amount > 0),
		person TEXT NOT NULL,
		date TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_date ON expenses(date);

	CREATE OR REPLACE FUNCTION notify_expenses_change() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			PERFORM pg_notify('` + Channel + `', json_build_object('op', lower(TG_OP), 'id', OLD.id)::text);
			RETURN OLD;
		END IF;
		PERFORM pg_notify('` + Channel + `', json_build_object('op', lower(TG_OP), 'id', NEW.id)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS expenses_notify ON expenses;
	CREATE TRIGGER expenses_notify
		AFTER INSERT OR UPDATE OR DELETE ON expenses
		FOR EACH ROW EXECUTE FUNCTION notify_expenses_change();
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) List(ctx context.Context) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, amount, person, date FROM expenses ORDER BY date ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			id     int64
			amount string
			person string
			date   time.Time
		)
		if err := rows.Scan(&id, &amount, &person, &date); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("expense %d: bad amount %q: %w", id, amount, err)
		}
		e := ledger.Event{ID: formatID(id), Amount: d, Timestamp: date}
		events = append(events, s.classifier.Decode(e, person))
	}
	return events, rows.Err()
}

func (s *Store) Insert(ctx context.Context, e ledger.NewEvent) (ledger.EventID, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if err := s.classifier.Pair().Admit(e.Participant); err != nil {
		return "", err
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO expenses (amount, person, date) VALUES ($1, $2, $3) RETURNING id`,
		e.Amount.String(), s.classifier.Tag(e.Participant, e.Kind), e.Timestamp.UTC(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert expense: %w", err)
	}
	return formatID(id), nil
}

func (s *Store) UpdateAmount(ctx context.Context, id ledger.EventID, amount decimal.Decimal) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}
	n, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE expenses SET amount = $1 WHERE id = $2`, amount.String(), n)
	if err != nil {
		return fmt.Errorf("failed to update expense: %w", err)
	}
	return requireRow(res, id)
}

func (s *Store) Delete(ctx context.Context, id ledger.EventID) error {
	n, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = $1`, n)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	return requireRow(res, id)
}

// DeleteAll removes every row and announces a single reset. The row
// trigger still fires per deleted row; the reset covers an empty table.
func (s *Store) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM expenses`); err != nil {
		return fmt.Errorf("failed to reset expenses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, `{"op":"reset"}`); err != nil {
		return fmt.Errorf("failed to announce reset: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type notification struct {
	Op string `json:"op"`
	ID int64  `json:"id"`
}

type listenerSub struct {
	listener *pq.Listener
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Subscribe opens a dedicated LISTEN connection. Writes from any client of
// the database are observed, not only those made through this Store.
func (s *Store) Subscribe(_ context.Context, fn func(ledger.Change)) (ledger.Subscription, error) {
	logger := s.logger
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("change listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(Channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listening on %s: %w", Channel, err)
	}

	sub := &listenerSub{listener: listener, done: make(chan struct{})}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification follows a reconnect.
				if n == nil {
					fn(ledger.Change{Op: ledger.ChangeReset})
					continue
				}
				fn(decodeNotification(n.Extra, logger))
			}
		}
	}()
	return sub, nil
}

func (ls *listenerSub) Unsubscribe() error {
	var err error
	ls.once.Do(func() {
		close(ls.done)
		err = ls.listener.Close()
		ls.wg.Wait()
	})
	return err
}

func decodeNotification(payload string, logger *slog.Logger) ledger.Change {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		logger.Warn("undecodable change notification", "payload", payload, "error", err)
		return ledger.Change{Op: ledger.ChangeReset}
	}
	op := ledger.ChangeOp(n.Op)
	switch op {
	case ledger.ChangeInsert, ledger.ChangeUpdate, ledger.ChangeDelete:
		return ledger.Change{Op: op, ID: formatID(n.ID)}
	}
	return ledger.Change{Op: ledger.ChangeReset}
}

// =============================================================================
// HELPERS
// =============================================================================

func formatID(id int64) ledger.EventID {
	return ledger.EventID(strconv.FormatInt(id, 10))
}

func parseID(id ledger.EventID) (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event %s: %w", id, ledger.ErrEventNotFound)
	}
	return n, nil
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
