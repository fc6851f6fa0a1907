// Package apperr defines the marketplace error taxonomy shared by every
// store operation and the outer surfaces that report them.
package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrPermission: the actor may not perform the action (self-purchase,
	// non-owner lifecycle change, non-participant message).
	ErrPermission = errors.New("permission denied")

	// ErrNotFound: the lead, conversation or subscription does not exist,
	// or the lead is deleted.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: the lifecycle transition or purchase is not allowed
	// from the lead's current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrSoldOut: the lead has no purchase slots left.
	ErrSoldOut = errors.New("sold out")

	// ErrQuotaExceeded: the buyer's plan has no allowance left this period.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrAlreadyPurchased is resolved to the existing purchase inside the
	// allocation engine and never returned to callers.
	ErrAlreadyPurchased = errors.New("already purchased")

	// ErrConflict: a uniqueness conflict that could not be resolved to an
	// existing row, e.g. an idempotency key reused for a different lead.
	ErrConflict = errors.New("conflict")

	// ErrTransient: a network, timeout or lock failure from the store. Safe
	// to retry a bounded number of times with the same idempotency key.
	ErrTransient = errors.New("transient store error")

	// ErrInvalidInput: a required argument is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
)

// transientError keeps the driver error visible to errors.As while also
// matching ErrTransient.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return fmt.Sprintf("%v: %v", ErrTransient, e.err) }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Classify wraps err with ErrTransient when it is a retryable store failure.
// Other errors are returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	if IsTransient(err) {
		return &transientError{err: err}
	}
	return err
}

// IsTransient reports whether err is a network, timeout or lock-contention
// failure that a bounded retry may clear.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		// 1205 lock wait timeout, 1213 deadlock.
		return myErr.Number == 1205 || myErr.Number == 1213
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, lock_not_available.
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03"
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// Retryable reports whether a caller may retry the failed operation. Capacity,
// quota, permission and not-found outcomes are final.
func Retryable(err error) bool {
	return IsTransient(err)
}

// HTTPStatus maps an error from the taxonomy to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSoldOut):
		return http.StatusGone
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable code for API error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPermission):
		return "permission_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSoldOut):
		return "sold_out"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	default:
		return "internal"
	}
}
