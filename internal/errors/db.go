package errors

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps database errors to AppError instances.
// Transient Postgres failures (deadlocks, serialization failures, connection
// problems) map to retryable errors so the worker's poll loop backs off and
// retries instead of crashing the process.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrCodeTimeout, Message: "database operation timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: ErrCodeCanceled, Message: "database operation was canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr, err)
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError, cause error) error {
	switch {
	case pgErr.Code == pgerrcode.DeadlockDetected,
		pgErr.Code == pgerrcode.SerializationFailure,
		pgErr.Code == pgerrcode.LockNotAvailable:
		return &AppError{Code: ErrCodeRetryable, Message: "transient database contention", Cause: cause}
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgErr.Code == pgerrcode.CannotConnectNow,
		pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CrashShutdown:
		return &AppError{Code: ErrCodeRetryable, Message: "database unavailable", Cause: cause}
	case pgErr.Code == pgerrcode.CheckViolation,
		pgErr.Code == pgerrcode.NotNullViolation,
		pgErr.Code == pgerrcode.InvalidTextRepresentation:
		return &AppError{Code: ErrCodeValidation, Message: "invalid data for database constraint", Cause: cause}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: cause}
	}
}
