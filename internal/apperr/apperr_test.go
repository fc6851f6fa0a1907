package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"mysql deadlock", &mysqldriver.MySQLError{Number: 1213}, true},
		{"mysql lock wait", &mysqldriver.MySQLError{Number: 1205}, true},
		{"mysql duplicate", &mysqldriver.MySQLError{Number: 1062}, false},
		{"postgres serialization", &pgconn.PgError{Code: "40001"}, true},
		{"postgres unique", &pgconn.PgError{Code: "23505"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sold out", ErrSoldOut, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	driverErr := &mysqldriver.MySQLError{Number: 1213, Message: "deadlock"}
	got := Classify(fmt.Errorf("purchase: %w", driverErr))
	if !errors.Is(got, ErrTransient) {
		t.Fatalf("Classify() = %v, want ErrTransient", got)
	}
	var myErr *mysqldriver.MySQLError
	if !errors.As(got, &myErr) {
		t.Error("classified error should still unwrap to the driver error")
	}

	plain := errors.New("boom")
	if Classify(plain) != plain {
		t.Error("non-transient errors should pass through unchanged")
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestRetryable_FinalOutcomes(t *testing.T) {
	for _, err := range []error{ErrSoldOut, ErrQuotaExceeded, ErrPermission, ErrNotFound, ErrInvalidState} {
		if Retryable(fmt.Errorf("wrapped: %w", err)) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{ErrPermission, http.StatusForbidden, "permission_denied"},
		{ErrNotFound, http.StatusNotFound, "not_found"},
		{ErrInvalidState, http.StatusConflict, "invalid_state"},
		{ErrConflict, http.StatusConflict, "conflict"},
		{ErrSoldOut, http.StatusGone, "sold_out"},
		{ErrQuotaExceeded, http.StatusPaymentRequired, "quota_exceeded"},
		{Classify(context.DeadlineExceeded), http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("op: %w", tt.err)
		if got := HTTPStatus(wrapped); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
		if got := Code(wrapped); got != tt.code {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.code)
		}
	}
}
