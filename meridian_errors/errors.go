// Provides common meridian error definitions.
package meridian_errors

import "errors"

var (
	ErrClosed         = errors.New("meridian: store is closed")
	ErrTypeUnknown    = errors.New("meridian: unknown record type")
	ErrIndexUnknown   = errors.New("meridian: unknown index")
	ErrRecordNotFound = errors.New("meridian: record not found")

	// Transaction commit failures, in rough order of severity.
	ErrNotCommitted           = errors.New("meridian: transaction not committed due to conflict")
	ErrCommitUnknownResult    = errors.New("meridian: commit result unknown")
	ErrReadVersionUnavailable = errors.New("meridian: read version not available")
	ErrTransactionTooLarge    = errors.New("meridian: transaction exceeds byte limit")
	ErrWriteTooLarge          = errors.New("meridian: write exceeds value size limit")
	ErrTransactionTooOld      = errors.New("meridian: transaction open past its deadline")
	ErrTransactionClosed      = errors.New("meridian: transaction already committed or closed")

	// Index build failures surfaced by the indexer package.
	ErrRangeAlreadyBuilt   = errors.New("meridian: range already built")
	ErrSessionLocked       = errors.New("meridian: index build session held by another worker")
	ErrSessionLost         = errors.New("meridian: index build session lost")
	ErrTooManyConflicts    = errors.New("meridian: too many transaction conflicts")
	ErrMaxRetriesExceeded  = errors.New("meridian: max retries exceeded")
	ErrIndexDisabled       = errors.New("meridian: index is disabled")
	ErrAlreadyBuilding     = errors.New("meridian: index is already being built")
	ErrStateMismatch       = errors.New("meridian: index lifecycle state changed unexpectedly")
	ErrBuildValidation     = errors.New("meridian: index build validation failed")
)
