package reconcile

import (
	"errors"
	"fmt"

	"github.com/warp/shared-ledger/ledger"
)

var (
	// ErrNothingToSettle is returned by SettleUp when the ledger is settled.
	ErrNothingToSettle = errors.New("nothing to settle")

	// ErrNoPendingInteraction is returned when a confirmation step is called
	// without the matching first step.
	ErrNoPendingInteraction = errors.New("no pending interaction")
)

// StoreError wraps a store failure observed at the controller boundary.
// A failed mutation is never assumed applied.
type StoreError struct {
	Op  string // refresh, insert, update, delete, reset
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes a StoreError match ledger.ErrStoreUnavailable unless the store
// answered that the event does not exist.
func (e *StoreError) Is(target error) bool {
	return target == ledger.ErrStoreUnavailable && !errors.Is(e.Err, ledger.ErrEventNotFound)
}
