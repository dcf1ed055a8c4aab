// Package apperrors defines the sentinel error kinds every engine
// surfaces (spec §7), as typed values so callers can use errors.As/Is
// instead of matching on message text.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", ...) at
// the point of detection; callers match with errors.Is.
var (
	// ErrOverflow: precision conversion would not fit in 64 bits. The
	// offending order is clamped and skipped, not fatal.
	ErrOverflow = errors.New("apperrors: precision overflow")

	// ErrInsufficientFunds: a try_deduct failed. Aborts the specific
	// state transition; the engine continues.
	ErrInsufficientFunds = errors.New("apperrors: insufficient funds")

	// ErrInvariantViolation: a fund invariant failed recalculation.
	// Warn + metric; the cycle proceeds.
	ErrInvariantViolation = errors.New("apperrors: invariant violation")

	// ErrChainRPC: a ChainGateway call failed. Transient instances are
	// retried with backoff by the coordinator; a not-found seen during
	// a correction is dropped silently by the caller instead.
	ErrChainRPC = errors.New("apperrors: chain rpc error")

	// ErrAssetLookupMissing: required asset metadata is absent. Fatal
	// at startup.
	ErrAssetLookupMissing = errors.New("apperrors: asset lookup missing")

	// ErrPersistFailure: a snapshot write failed. Recorded as a
	// pending-retry record; a later stable cycle retries.
	ErrPersistFailure = errors.New("apperrors: persist failure")

	// ErrLockTimeout: a per-slot or per-order lock could not be
	// acquired this cycle. The conflicting operation is skipped and
	// retried next cycle.
	ErrLockTimeout = errors.New("apperrors: lock timeout")

	// ErrParse: a chain order or fill event could not be parsed. That
	// single item is skipped; the batch continues.
	ErrParse = errors.New("apperrors: parse error")
)

// Transient reports whether err should be retried with backoff rather
// than treated as a one-shot failure. Only ErrChainRPC is retried; the
// "order not found during correction" case is a distinct, non-retried
// condition the caller detects separately.
func Transient(err error) bool {
	return errors.Is(err, ErrChainRPC)
}

// Wrap annotates err with one of the sentinel kinds above, preserving
// it for errors.Is while attaching call-site context.
func Wrap(kind error, context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", context, kind, err)
}
