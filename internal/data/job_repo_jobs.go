package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/fairlens/fairlens-worker/internal/errors"

	"github.com/fairlens/fairlens-worker/internal/data/pgxutil"
	"github.com/fairlens/fairlens-worker/internal/domain/model"
)

// jobAddedChannel is the pg_notify channel signalling that a job was enqueued.
const jobAddedChannel = "fairlens_job_added"

// SQL used by ClaimNext to atomically claim the oldest queued job.
// SKIP LOCKED lets concurrent claimants pass over rows another transaction
// holds, so exactly one caller wins any given row.
const claimNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE status = 'queued'
    ORDER BY created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    updated_at = $1
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.user_id, j.project_id, j.job_id, j.job_type, j.payload, j.total_prompts, j.status, j.progress, j.last_processed_prompt, j.percent, j.created_at, j.updated_at`

// Create enqueues a new job in queued status and notifies waiting workers.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	now := r.timeProvider.Now().UTC()

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
			  INSERT INTO jobs(user_id, project_id, job_id, job_type, payload, total_prompts, status, progress, percent, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, 0, 'queued', '', 0, $6, $6)
			  RETURNING `+jobColumns,
				req.UserID, req.ProjectID, jobID, req.Type, []byte(req.Payload), now)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			j, collectErr := collectJobFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}

			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobAddedChannel, j.JobID); execErr != nil {
				return fmt.Errorf("send job notification: %w", execErr)
			}
			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest queued job, transitioning it to
// running within the same transaction. Returns model.ErrNoJobsAvailable when
// no row is claimable.
func (r *JobRepo) ClaimNext(ctx context.Context) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, claimNextUpdateSQL, r.timeProvider.Now().UTC())
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("claim job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// InitProgress persists the total prompt count and zeroes the progress
// fields before a handler starts its item loop.
func (r *JobRepo) InitProgress(ctx context.Context, id int64, totalPrompts int) error {
	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET total_prompts = $2,
		    progress = $3,
		    percent = 0,
		    updated_at = $4
		WHERE id = $1 AND status = 'running'
	`, id, totalPrompts, fmt.Sprintf("0/%d", totalPrompts), now)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("init progress: %w", err))
	}
	return nil
}

// UpdateProgress persists the per-item progress bookkeeping. Only the
// claiming worker writes to a row after claim, so no concurrency check is
// needed on these writes.
func (r *JobRepo) UpdateProgress(ctx context.Context, id int64, update model.ProgressUpdate) error {
	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET progress = $2,
		    percent = $3,
		    last_processed_prompt = $4,
		    updated_at = $5
		WHERE id = $1 AND status = 'running'
	`, id, update.Progress(), update.Percent, update.LastProcessedPrompt, now)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("update progress: %w", err))
	}
	return nil
}

// Complete marks a running job completed, merging the completion report into
// the payload so the original configuration is enriched rather than replaced.
func (r *JobRepo) Complete(ctx context.Context, id int64, report *model.CompletionReport) (bool, error) {
	if report == nil {
		return false, errors.New("completion report is required")
	}
	enrichment, err := json.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("marshal completion report: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	progress := fmt.Sprintf("%d/%d", report.Summary.Total, report.Summary.Total)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    payload = payload || $2::jsonb,
		    progress = $3,
		    percent = 100,
		    updated_at = $4
		WHERE id = $1 AND status = 'running'
	`, id, enrichment, progress, now)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("complete job: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return affected > 0, nil
}

// Fail marks a running job failed, recording the error message in the payload.
func (r *JobRepo) Fail(ctx context.Context, id int64, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    payload = payload || jsonb_build_object('error', $2::text),
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, errMsg, now)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("fail job: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats returns counts of jobs in each state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
	  SELECT
	    count(*) FILTER (WHERE status = 'queued')    AS queued,
	    count(*) FILTER (WHERE status = 'running')   AS running,
	    count(*) FILTER (WHERE status = 'completed') AS completed,
	    count(*) FILTER (WHERE status = 'failed')    AS failed
	  FROM jobs
	`).Scan(&s.Queued, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("job stats: %w", err))
	}
	return &s, nil
}

// GetByJobID retrieves a job by its external job id.
func (r *JobRepo) GetByJobID(ctx context.Context, jobID string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE job_id = $1
		`, jobID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrap(ErrJobNotFound, apperrors.ErrCodeNotFound, "get job")
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// WaitForNotification waits for a Postgres notification indicating new jobs
// are available, or until the context is done.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{jobAddedChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", jobAddedChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var payload []byte
	var lastPrompt sql.NullString

	if err := scanner.Scan(
		&job.ID,
		&job.UserID,
		&job.ProjectID,
		&job.JobID,
		&job.Type,
		&payload,
		&job.TotalPrompts,
		&job.Status,
		&job.Progress,
		&lastPrompt,
		&job.Percent,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Payload = cloneJSON(payload)
	if lastPrompt.Valid {
		s := lastPrompt.String
		job.LastProcessedPrompt = &s
	}
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}
