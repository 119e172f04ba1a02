package reconcile

import (
	"fmt"
	"sync"

	"github.com/warp/shared-ledger/ledger"
)

// =============================================================================
// INTERACTION STATE MACHINE - One transient row state at a time
// =============================================================================
//
//   Idle ──StartEdit(id)──────▶ Editing(id) ──save ok / cancel──▶ Idle
//   Idle ──RequestDelete(id)──▶ ConfirmingDelete(id) ──confirm / cancel──▶ Idle
//   Idle ──RequestReset()─────▶ ConfirmingReset ──confirm / cancel──▶ Idle
//
// Entering any non-Idle state replaces the current one, so a second row
// can never be editing or confirming at the same time.

type Mode int

const (
	Idle Mode = iota
	Editing
	ConfirmingDelete
	ConfirmingReset
)

func (m Mode) String() string {
	switch m {
	case Editing:
		return "editing"
	case ConfirmingDelete:
		return "confirming-delete"
	case ConfirmingReset:
		return "confirming-reset"
	default:
		return "idle"
	}
}

// State is the single interaction slot. EventID is empty for Idle and
// ConfirmingReset.
type State struct {
	Mode    Mode
	EventID ledger.EventID
}

func (s State) String() string {
	if s.EventID == "" {
		return s.Mode.String()
	}
	return fmt.Sprintf("%s(%s)", s.Mode, s.EventID)
}

// Machine is safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine() *Machine { return &Machine{} }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartEdit enters Editing(id), cancelling whatever was in progress.
func (m *Machine) StartEdit(id ledger.EventID) State {
	return m.set(State{Mode: Editing, EventID: id})
}

// RequestDelete enters ConfirmingDelete(id), cancelling whatever was in progress.
func (m *Machine) RequestDelete(id ledger.EventID) State {
	return m.set(State{Mode: ConfirmingDelete, EventID: id})
}

// RequestReset enters ConfirmingReset, cancelling whatever was in progress.
func (m *Machine) RequestReset() State {
	return m.set(State{Mode: ConfirmingReset})
}

// CancelEdit leaves Editing. It is a no-op in any other state.
func (m *Machine) CancelEdit() State { return m.cancel(Editing) }

// CancelDelete leaves ConfirmingDelete. It is a no-op in any other state.
func (m *Machine) CancelDelete() State { return m.cancel(ConfirmingDelete) }

// CancelReset leaves ConfirmingReset. It is a no-op in any other state.
func (m *Machine) CancelReset() State { return m.cancel(ConfirmingReset) }

// Cancel returns to Idle from any state.
func (m *Machine) Cancel() State { return m.set(State{}) }

// Prune returns to Idle when the referenced event is no longer in ids.
func (m *Machine) Prune(ids map[ledger.EventID]struct{}) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.EventID != "" {
		if _, ok := ids[m.state.EventID]; !ok {
			m.state = State{}
		}
	}
	return m.state
}

// begin checks that the machine is in mode and returns the current state.
func (m *Machine) begin(mode Mode) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode != mode {
		return m.state, fmt.Errorf("%w: expected %s, in %s", ErrNoPendingInteraction, mode, m.state)
	}
	return m.state, nil
}

// finish returns to Idle if the slot still holds expected. A newer
// interaction started while the remote call was in flight is kept.
func (m *Machine) finish(expected State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == expected {
		m.state = State{}
	}
}

func (m *Machine) set(s State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return s
}

func (m *Machine) cancel(mode Mode) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode == mode {
		m.state = State{}
	}
	return m.state
}
