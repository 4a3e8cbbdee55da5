package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fairlens/fairlens-worker/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 2100 is reserved for fairlens reaper operations.
const (
	advisoryLockReaperMajor       = 2100
	advisoryLockReaperFailRunning = 1 // minor key for FailStaleRunningJobs
)

// FailStaleRunningJobs marks running jobs whose last update is older than
// maxAge as failed. A running row that stale means its worker died without
// reaching the terminal update. Processes up to batchSize jobs per call to
// prevent long locks and I/O spikes, and takes an advisory lock so
// concurrent reaper instances do not sweep the same rows.
// Returns the number of jobs marked as failed.
func (r *JobRepo) FailStaleRunningJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if maxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperFailRunning).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			cutoffTime := currentTime.Add(-maxAge)

			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'failed',
					payload = payload || jsonb_build_object('error', 'Job timed out in running status'),
					updated_at = $1
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status = 'running'
					  AND updated_at < $2
					ORDER BY updated_at
					LIMIT $3
				)
			`, currentTime.UTC(), cutoffTime.UTC(), batchSize)
			if err != nil {
				return fmt.Errorf("fail stale running jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
