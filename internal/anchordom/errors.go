package anchordom

import (
	"errors"
	"fmt"
)

// Taxonomy tags a CodedError with the error-handling category from §7, so
// callers that need to distinguish transient from terminal failures (the
// reconciliation loop, mainly) can do so without string matching.
type Taxonomy string

const (
	TaxonomyInvalidInput              Taxonomy = "invalid_input"
	TaxonomyNotFound                   Taxonomy = "not_found"
	TaxonomyLedgerUnavailable          Taxonomy = "ledger_unavailable"
	TaxonomyLedgerSubmission           Taxonomy = "ledger_submission"
	TaxonomyLedgerConfirmationTimeout  Taxonomy = "ledger_confirmation_timeout"
	TaxonomyLedgerConflicting          Taxonomy = "ledger_conflicting"
	TaxonomyPersistence                Taxonomy = "persistence"
	TaxonomyCancelled                  Taxonomy = "cancelled"
)

// Sentinel errors. Component-specific errors wrap one of these with
// fmt.Errorf("...: %w", err) so callers can use errors.Is across package
// boundaries without importing the originating package's error type.
var (
	ErrEmptyInput           = errors.New("anchordom: empty input")
	ErrOutOfBounds          = errors.New("anchordom: index out of bounds")
	ErrNotFound             = errors.New("anchordom: not found")
	ErrLedgerUnavailable    = errors.New("anchordom: ledger unavailable")
	ErrConnectionFailure    = errors.New("anchordom: ledger connection failure")
	ErrSubmissionRejected   = errors.New("anchordom: ledger submission rejected")
	ErrConfirmationTimeout  = errors.New("anchordom: confirmation timeout")
	ErrConflictingLedgerState = errors.New("anchordom: conflicting ledger state")
	ErrPersistence          = errors.New("anchordom: persistence failure")
	ErrCancelled            = errors.New("anchordom: cancelled")
)

// CodedError pairs an underlying error with its taxonomy tag so the
// workflow and reconciliation loop can record a stable, user-facing
// category alongside the raw message.
type CodedError struct {
	Code Taxonomy
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Coded wraps err with the given taxonomy tag. If err is nil, Coded
// returns nil.
func Coded(code Taxonomy, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// CodeOf extracts the taxonomy tag from err, if any CodedError is present
// in its chain.
func CodeOf(err error) (Taxonomy, bool) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return "", false
}
