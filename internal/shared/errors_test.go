package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	verr := &ValidationError{}
	require.True(t, verr.Empty())
	require.NoError(t, verr.OrNil())

	verr.Add("total_amount", "must be positive")
	verr.Add("company_id", "required")
	err := verr.OrNil()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "validation failed: company_id: required; total_amount: must be positive", err.Error())
}

func TestTransientWrapping(t *testing.T) {
	require.NoError(t, Transient(nil))

	base := errors.New("connection reset")
	err := Transient(base)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, base)
	require.Same(t, err, Transient(err))

	wrapped := WrapOp("amortization.get", "42", err)
	require.True(t, IsTransient(wrapped))
	require.Equal(t, "amortization.get 42: transient failure: connection reset", wrapped.Error())
	require.NoError(t, WrapOp("op", "", nil))

	require.True(t, IsTimeout(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	require.False(t, IsTimeout(base))
}

func TestExternalSystemError(t *testing.T) {
	err := error(&ExternalSystemError{Status: 400, Code: "-5002", Message: "Invalid card code"})
	require.ErrorIs(t, err, ErrExternalSystem)
	require.False(t, IsTransient(err))
	require.Contains(t, err.Error(), "code -5002")

	require.ErrorIs(t, Conflictf("duplicate %s", "INV-1"), ErrConflict)
	require.ErrorIs(t, NotFoundf("amortization %d", 1), ErrNotFound)
}

func TestClassifyPG(t *testing.T) {
	require.NoError(t, ClassifyPG(nil))

	for _, code := range []string{"08006", "40001", "57P01"} {
		err := ClassifyPG(&pgconn.PgError{Code: code})
		require.True(t, IsTransient(err), code)
	}
	unique := ClassifyPG(&pgconn.PgError{Code: "23505"})
	require.False(t, IsTransient(unique))

	require.True(t, IsTransient(ClassifyPG(context.DeadlineExceeded)))
	require.False(t, IsTransient(ClassifyPG(errors.New("syntax error"))))
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("amortization.import", "ACME", "client", "101")
	require.Equal(t, a, IdempotencyKey("amortization.import", "ACME", "client", "101"))
	require.NotEqual(t, a, IdempotencyKey("amortization.import", "ACME", "supplier", "101"))
}

func TestNilIdempotencyStore(t *testing.T) {
	var store *IdempotencyStore
	require.Error(t, store.CheckAndInsert(context.Background(), "k", "m"))
	require.NoError(t, store.Delete(context.Background(), "k"))
	require.NoError(t, store.Cleanup(context.Background(), 0))
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(0, 0, 45)
	require.Equal(t, Pagination{Page: 1, PerPage: 20, Total: 45, TotalPages: 3}, p)
	require.Equal(t, 0, NewPagination(1, 10, 0).TotalPages)
}
