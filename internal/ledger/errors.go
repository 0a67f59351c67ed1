package ledger

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrSerialization is returned by Append when the payload cannot be
	// canonically encoded. Nothing is written.
	ErrSerialization = errors.New("ledger payload serialization failed")

	// ErrChainBroken matches every *ChainBrokenError.
	ErrChainBroken = errors.New("ledger hash chain broken")

	// ErrConcurrentAppend is returned when another writer claimed the next
	// nonce first and the single internal retry also lost.
	ErrConcurrentAppend = errors.New("concurrent ledger append conflict")

	// ErrLedgerHalted is returned by Append after verification has found a
	// broken chain. Appending onto a corrupted chain is refused until an
	// operator has investigated and restarted the process.
	ErrLedgerHalted = errors.New("ledger halted after failed verification")

	// ErrNotFound is returned when no entry exists at the requested nonce.
	ErrNotFound = errors.New("ledger entry not found")
)

// ChainBrokenError reports the first nonce at which verification failed.
type ChainBrokenError struct {
	Nonce  int64
	Reason string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("hash chain broken at nonce %d: %s", e.Nonce, e.Reason)
}

// Is makes errors.Is(err, ErrChainBroken) hold for any *ChainBrokenError.
func (e *ChainBrokenError) Is(target error) bool {
	return target == ErrChainBroken
}

// haltSwitch latches the first verification failure seen by a ledger.
type haltSwitch struct {
	cause atomic.Pointer[ChainBrokenError]
}

func (h *haltSwitch) trip(err error) {
	var broken *ChainBrokenError
	if errors.As(err, &broken) {
		h.cause.CompareAndSwap(nil, broken)
	}
}

func (h *haltSwitch) check() error {
	if c := h.cause.Load(); c != nil {
		return fmt.Errorf("%w: %v", ErrLedgerHalted, c)
	}
	return nil
}

func (h *haltSwitch) halted() bool {
	return h.cause.Load() != nil
}
