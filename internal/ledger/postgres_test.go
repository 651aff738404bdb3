package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
		code string
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: ErrDuplicateTransaction, code: "duplicate_transaction"},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: ErrConflict, code: "conflict"},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: ErrConflict, code: "conflict"},
		{name: "lock not available", err: &pgconn.PgError{Code: "55P03"}, want: ErrConflict, code: "conflict"},
		{name: "statement timeout", err: &pgconn.PgError{Code: "57014"}, want: ErrTransient, code: "transient"},
		{name: "numeric overflow", err: &pgconn.PgError{Code: "22003"}, want: ErrInvalidAmount, code: "invalid_amount"},
		{name: "wrapped numeric overflow", err: fmt.Errorf("update: %w", &pgconn.PgError{Code: "22003"}), want: ErrInvalidAmount, code: "invalid_amount"},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrTransient, code: "transient"},
		{name: "cancelled", err: context.Canceled, want: ErrTransient, code: "transient"},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: ErrStoreUnavailable, code: "store_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.code, Code(got))
		})
	}
}

func TestClassifyKeepsOtherPostgresErrors(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42P01"}
	got := classify(pgErr)
	assert.Same(t, pgErr, got)
	assert.NoError(t, classify(nil))
}
