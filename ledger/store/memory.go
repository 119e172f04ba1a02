// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/shared-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	events map[ledger.EventID]record
	seq    uint64
	feed   *ledger.Broadcaster
	pair   *ledger.Pair // nil admits any participant
}

type MemoryOption func(*Memory)

// WithPair restricts inserts to the participants of pair.
func WithPair(pair ledger.Pair) MemoryOption {
	return func(m *Memory) { m.pair = &pair }
}

// record keeps insertion order to break timestamp ties.
type record struct {
	event ledger.Event
	seq   uint64
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		events: make(map[ledger.EventID]record),
		feed:   ledger.NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) List(_ context.Context) ([]ledger.Event, error) {
	m.mu.RLock()
	recs := make([]record, 0, len(m.events))
	for _, r := range m.events {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].event.Timestamp.Equal(recs[j].event.Timestamp) {
			return recs[i].event.Timestamp.Before(recs[j].event.Timestamp)
		}
		return recs[i].seq < recs[j].seq
	})

	result := make([]ledger.Event, len(recs))
	for i, r := range recs {
		result[i] = r.event
	}
	return result, nil
}

func (m *Memory) Insert(_ context.Context, e ledger.NewEvent) (ledger.EventID, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if m.pair != nil {
		if err := m.pair.Admit(e.Participant); err != nil {
			return "", err
		}
	}

	id := ledger.EventID(uuid.NewString())
	m.mu.Lock()
	m.seq++
	m.events[id] = record{
		event: ledger.Event{
			ID:          id,
			Amount:      e.Amount,
			Participant: e.Participant,
			Kind:        e.Kind,
			Timestamp:   e.Timestamp,
		},
		seq: m.seq,
	}
	m.mu.Unlock()

	m.feed.Publish(ledger.Change{Op: ledger.ChangeInsert, ID: id})
	return id, nil
}

func (m *Memory) UpdateAmount(_ context.Context, id ledger.EventID, amount decimal.Decimal) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}

	m.mu.Lock()
	r, ok := m.events[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, ledger.ErrEventNotFound)
	}
	r.event.Amount = amount
	m.events[id] = r
	m.mu.Unlock()

	m.feed.Publish(ledger.Change{Op: ledger.ChangeUpdate, ID: id})
	return nil
}

func (m *Memory) Delete(_ context.Context, id ledger.EventID) error {
	m.mu.Lock()
	if _, ok := m.events[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ledger.ErrEventNotFound)
	}
	delete(m.events, id)
	m.mu.Unlock()

	m.feed.Publish(ledger.Change{Op: ledger.ChangeDelete, ID: id})
	return nil
}

func (m *Memory) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	m.events = make(map[ledger.EventID]record)
	m.mu.Unlock()

	m.feed.Publish(ledger.Change{Op: ledger.ChangeReset})
	return nil
}

func (m *Memory) Subscribe(_ context.Context, fn func(ledger.Change)) (ledger.Subscription, error) {
	return m.feed.Subscribe(fn), nil
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int { return m.feed.Len() }

// Close releases all subscriptions.
func (m *Memory) Close() error {
	m.feed.Close()
	return nil
}
