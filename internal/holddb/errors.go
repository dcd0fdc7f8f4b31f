package holddb

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

// The error kinds the core distinguishes, per the error handling design:
// NotFound and RaceLost are recovered by callers close to the repository,
// PersistenceUnavailable and a duplicate payment hash are surfaced
// upstream unchanged.
var (
	// ErrNotFound is returned when an invoice or HTLC lookup matches no
	// row.
	ErrNotFound = errors.New("holddb: not found")

	// ErrRaceLost names the outcome of a conditional update that matched
	// zero rows because another writer changed the row first. Repo's
	// SetInvoiceState and SetHTLCState report that outcome as a false
	// result with a nil error rather than returning this value; callers
	// re-read the current state and re-validate rather than retrying
	// blindly.
	ErrRaceLost = errors.New("holddb: conditional update lost the race")

	// ErrDuplicatePaymentHash is returned when inserting an invoice whose
	// payment hash already exists, enforcing invariant 1.
	ErrDuplicatePaymentHash = errors.New("holddb: payment hash already exists")

	// ErrPersistenceUnavailable wraps connectivity failures the
	// repository cannot recover from locally.
	ErrPersistenceUnavailable = errors.New("holddb: persistence unavailable")

	// ErrRetriesExceeded is returned by the transaction executor once a
	// serialization conflict has survived every configured retry.
	ErrRetriesExceeded = errors.New("holddb: sql transaction retries exceeded")
)

// ErrSerializationError indicates the underlying database detected a
// serialization conflict between two concurrent transactions and asked the
// caller to retry. The transaction executor unwraps this to decide whether
// to retry the whole transaction body.
type ErrSerializationError struct {
	cause error
}

func (e *ErrSerializationError) Error() string {
	return "serialization error: " + e.cause.Error()
}

func (e *ErrSerializationError) Unwrap() error {
	return e.cause
}

// MapSQLError turns a raw database/sql or driver error into one of the
// sentinel kinds above, generalizing aperturedb's MapSQLError from the LSAT
// secrets/onion schema to the invoice/HTLC schema.
func MapSQLError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound

	case errors.Is(err, ErrRaceLost):
		return err
	}

	if uniqueViolation(err) {
		return ErrDuplicatePaymentHash
	}

	if serializationFailure(err) {
		return &ErrSerializationError{cause: err}
	}

	if connectionFailure(err) {
		return ErrPersistenceUnavailable
	}

	return err
}

// uniqueViolation reports whether err is a unique-constraint violation on
// either supported backend.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgerrcode.UniqueViolation
	}

	// modernc.org/sqlite surfaces constraint failures as a plain error
	// whose message contains "UNIQUE constraint failed"; there is no
	// typed error to assert against.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// serializationFailure reports whether err indicates a transaction
// serialization conflict that's safe to retry.
func serializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgerrcode.SerializationFailure ||
			pqErr.Code == pgerrcode.DeadlockDetected
	}

	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked")
}

// connectionFailure reports whether err indicates the database is
// unreachable rather than rejecting the query itself.
func connectionFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection") ||
		errors.Is(err, sql.ErrConnDone)
}
