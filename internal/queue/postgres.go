package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, job_type, parent_id, owner_id, payload, priority, status,
	attempts, max_attempts, scheduled_for, started_at, completed_at, result, error,
	created_at, updated_at`

const jobColumnsQualified = `j.id, j.job_type, j.parent_id, j.owner_id, j.payload, j.priority, j.status,
	j.attempts, j.max_attempts, j.scheduled_for, j.started_at, j.completed_at, j.result, j.error,
	j.created_at, j.updated_at`

// PostgresStore implements Store on a pgx connection pool. Lease
// exclusivity comes from FOR UPDATE SKIP LOCKED; dedup exclusivity from
// a partial unique index on active deduplicating jobs.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps a pgx pool with the queue Store interface.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if !req.Type.Known() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobType, req.Type)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	if req.Type.Deduplicating() {
		// Lock any active duplicate so a concurrent enqueue serializes
		// behind us, then supersede its payload.
		row := tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE job_type = $1 AND parent_id = $2 AND owner_id = $3
			  AND status IN ('pending', 'processing')
			FOR UPDATE
		`, req.Type, req.ParentID, req.OwnerID)

		existing, err := scanJob(row)
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `
				UPDATE jobs SET payload = $2, updated_at = now() WHERE id = $1
			`, existing.ID, req.Payload); err != nil {
				return nil, fmt.Errorf("supersede payload for job %s: %w", existing.ID, err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("commit enqueue: %w", err)
			}
			existing.Payload = req.Payload
			return &EnqueueResult{Job: existing, Deduplicated: true}, nil
		case !errors.Is(err, ErrJobNotFound):
			return nil, err
		}
	}

	job, err := insertJob(ctx, tx, req, maxAttempts)
	if err != nil {
		// Lost a dedup insert race: the partial unique index fired.
		// Re-run against the now-visible winner.
		var pgErr *pgconn.PgError
		if req.Type.Deduplicating() && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			tx.Rollback(ctx)
			return s.Enqueue(ctx, req)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return &EnqueueResult{Job: job}, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, req EnqueueRequest, maxAttempts int) (*Job, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO jobs
			(id, job_type, parent_id, owner_id, payload, priority, status,
			 attempts, max_attempts, scheduled_for, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, 'pending', 0, $7, now(), now(), now())
		RETURNING `+jobColumns,
		uuid.New().String(), req.Type, req.ParentID, req.OwnerID,
		req.Payload, req.Priority, maxAttempts,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) LeaseNext(ctx context.Context, types []Type) (*Job, error) {
	if err := validateTypes(types); err != nil {
		return nil, err
	}

	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	// SKIP LOCKED makes concurrent leases pass over rows another
	// transaction has already selected, so exactly one caller wins.
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_for <= now()
			  AND job_type = ANY($1)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'processing', started_at = now(), updated_at = now()
		FROM next
		WHERE j.id = next.id
		RETURNING `+jobColumnsQualified,
		names,
	)

	job, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease next job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID string, result json.RawMessage) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
		RETURNING `+jobColumns,
		jobID, result,
	)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("complete job %s: %w", jobID, err)
	}

	// Either the job does not exist or it is already terminal. The
	// first success stays authoritative; this call's result is dropped.
	existing, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("duplicate completion discarded",
		"job_id", jobID, "status", existing.Status, "discarded_bytes", len(result))
	return existing, nil
}

func (s *PostgresStore) Fail(ctx context.Context, jobID string, errMsg string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempts     = attempts + 1,
		    status       = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    error        = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE NULL END,
		    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN now() ELSE NULL END,
		    scheduled_for = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_for ELSE now() END,
		    updated_at   = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
		RETURNING `+jobColumns,
		jobID, errMsg,
	)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	// Terminal rows are immutable; return them unchanged.
	return s.Get(ctx, jobID)
}

func (s *PostgresStore) FailTerminal(ctx context.Context, jobID string, errMsg string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET attempts = attempts + 1, status = 'failed', error = $2,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
		RETURNING `+jobColumns,
		jobID, errMsg,
	)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("fail job %s terminally: %w", jobID, err)
	}
	return s.Get(ctx, jobID)
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, err
}

func (s *PostgresStore) ListByParent(ctx context.Context, parentID string) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE parent_id = $1
		ORDER BY created_at DESC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for parent %s: %w", parentID, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CountForOwner(ctx context.Context, ownerID string, t Type, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE owner_id = $1 AND job_type = $2 AND created_at >= $3
	`, ownerID, t, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs for owner %s: %w", ownerID, err)
	}
	return n, nil
}

func (s *PostgresStore) CleanupOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND completed_at < $1
	`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'processing'),
			min(started_at) FILTER (WHERE status = 'processing')
		FROM jobs
	`).Scan(&st.Pending, &st.Processing, &oldest)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	if oldest != nil {
		st.OldestProcessingAge = time.Since(*oldest)
	}
	return st, nil
}

// scanJob reads a job row from any pgx row type.
func scanJob(row pgx.Row) (*Job, error) {
	var (
		j       Job
		typeStr string
		status  string
		errMsg  *string
	)
	err := row.Scan(
		&j.ID, &typeStr, &j.ParentID, &j.OwnerID, &j.Payload, &j.Priority, &status,
		&j.Attempts, &j.MaxAttempts, &j.ScheduledFor, &j.StartedAt, &j.CompletedAt,
		&j.Result, &errMsg, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Type = Type(typeStr)
	j.Status = Status(status)
	if errMsg != nil {
		j.Error = *errMsg
	}
	return &j, nil
}

// Verify interface
var _ Store = (*PostgresStore)(nil)
