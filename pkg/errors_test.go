package pkg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sqlErrCode(t *testing.T, err error) ErrorCode {
	t.Helper()
	var appErr AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestHandleSQLError(t *testing.T) {
	logger := zap.NewNop()

	t.Run("no rows maps to not found", func(t *testing.T) {
		err := HandleSQLError("trace-1", logger, pgx.ErrNoRows)
		assert.Equal(t, ErrRecordNotFoundCode, sqlErrCode(t, err))
		// The pgx sentinel stays reachable for callers that check it.
		assert.True(t, errors.Is(err, pgx.ErrNoRows))
	})

	t.Run("unique violation maps to duplicate", func(t *testing.T) {
		err := HandleSQLError("trace-1", logger, &pgconn.PgError{Code: "23505"})
		assert.Equal(t, ErrSQLDuplicateCode, sqlErrCode(t, err))
	})

	t.Run("foreign key violation maps to conflict", func(t *testing.T) {
		err := HandleSQLError("trace-1", logger, &pgconn.PgError{Code: "23503"})
		assert.Equal(t, ErrSQLConflictCode, sqlErrCode(t, err))
		assert.True(t, errors.Is(err, SqlErrForeignKeyViolation))
	})

	t.Run("bad uuid maps to invalid input", func(t *testing.T) {
		err := HandleSQLError("trace-1", logger, &pgconn.PgError{Code: "22P02"})
		assert.Equal(t, ErrSQLInvalidInput, sqlErrCode(t, err))
	})

	t.Run("anything else maps to unknown", func(t *testing.T) {
		err := HandleSQLError("trace-1", logger, fmt.Errorf("connection reset"))
		assert.Equal(t, ErrSQLUnknownCode, sqlErrCode(t, err))
	})
}
