package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "uq_transactions_invoice_number"})
	name, ok := UniqueViolation(err)
	require.True(t, ok)
	require.Equal(t, "uq_transactions_invoice_number", name)

	_, ok = UniqueViolation(&pgconn.PgError{Code: CodeCheckViolation})
	require.False(t, ok)
	_, ok = UniqueViolation(errors.New("boom"))
	require.False(t, ok)
}

func TestIsForeignKeyViolation(t *testing.T) {
	require.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: CodeForeignKeyViolation}))
	require.False(t, IsForeignKeyViolation(errors.New("boom")))
}
