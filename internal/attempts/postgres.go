package attempts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planforge/planforge/internal/plan"
)

const attemptColumns = `id, parent_id, status, classification, duration_ms,
	module_count, task_count, input_truncated, input_normalized, input_hash,
	timed_out, created_at, completed_at`

// PostgresStore implements Store on a pgx pool. Reserve locks the plan
// row (FOR UPDATE) so two concurrent reservations for the same plan
// serialize; the loser then observes the winner's in_progress attempt.
type PostgresStore struct {
	pool *pgxpool.Pool
	cap  int
}

// NewPostgresStore wraps a pgx pool with the attempts Store interface.
func NewPostgresStore(pool *pgxpool.Pool, attemptCap int) *PostgresStore {
	if attemptCap <= 0 {
		attemptCap = DefaultAttemptCap
	}
	return &PostgresStore{pool: pool, cap: attemptCap}
}

func (s *PostgresStore) Reserve(ctx context.Context, parentID, ownerID, rawInput string) (*Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the plan row for the duration of the check-then-insert.
	var planID string
	err = tx.QueryRow(ctx, `SELECT id FROM plans WHERE id = $1 FOR UPDATE`, parentID).Scan(&planID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, parentID)
		}
		return nil, fmt.Errorf("lock plan %s: %w", parentID, err)
	}

	var finalized, inProgress int
	err = tx.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status <> 'in_progress'),
			count(*) FILTER (WHERE status = 'in_progress')
		FROM attempts WHERE parent_id = $1
	`, parentID).Scan(&finalized, &inProgress)
	if err != nil {
		return nil, fmt.Errorf("count attempts for plan %s: %w", parentID, err)
	}

	if inProgress > 0 {
		return &Reservation{Reason: ReasonInProgress}, nil
	}
	if finalized >= s.cap {
		return &Reservation{Reason: ReasonCapped}, nil
	}

	input := Sanitize(rawInput)
	attemptID := uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO attempts
			(id, parent_id, status, input_truncated, input_normalized, input_hash, created_at)
		VALUES
			($1, $2, 'in_progress', $3, $4, $5, now())
	`, attemptID, parentID, input.Truncated, input.Normalized, input.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE plans SET status = 'generating', updated_at = now() WHERE id = $1
	`, parentID); err != nil {
		return nil, fmt.Errorf("mark plan generating: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	return &Reservation{
		Reserved:      true,
		AttemptID:     attemptID,
		AttemptNumber: finalized + 1,
		Input:         input,
	}, nil
}

func (s *PostgresStore) FinalizeSuccess(ctx context.Context, attemptID, parentID string, modules []plan.Module, durationMs int64) (*Attempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE attempts
		SET status = 'success', duration_ms = $2, module_count = $3,
		    task_count = $4, completed_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING `+attemptColumns,
		attemptID, durationMs, len(modules), plan.TaskCount(modules),
	)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, s.finalizeLookupErr(ctx, attemptID, err)
	}

	// Regeneration replaces prior artifacts wholesale.
	if _, err := tx.Exec(ctx, `
		DELETE FROM plan_tasks WHERE module_id IN (SELECT id FROM plan_modules WHERE plan_id = $1)
	`, parentID); err != nil {
		return nil, fmt.Errorf("clear tasks for plan %s: %w", parentID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM plan_modules WHERE plan_id = $1`, parentID); err != nil {
		return nil, fmt.Errorf("clear modules for plan %s: %w", parentID, err)
	}

	for mi, m := range modules {
		moduleID := m.ID
		if moduleID == "" {
			moduleID = uuid.New().String()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO plan_modules (id, plan_id, position, title, summary)
			VALUES ($1, $2, $3, $4, $5)
		`, moduleID, parentID, mi, m.Title, m.Summary); err != nil {
			return nil, fmt.Errorf("insert module %d: %w", mi, err)
		}
		for ti, task := range m.Tasks {
			taskID := task.ID
			if taskID == "" {
				taskID = uuid.New().String()
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO plan_tasks (id, module_id, position, title, estimated_minutes)
				VALUES ($1, $2, $3, $4, $5)
			`, taskID, moduleID, ti, task.Title, task.EstimatedMinutes); err != nil {
				return nil, fmt.Errorf("insert task %d.%d: %w", mi, ti, err)
			}
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE plans SET status = 'ready', updated_at = now() WHERE id = $1
	`, parentID); err != nil {
		return nil, fmt.Errorf("mark plan ready: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) FinalizeFailure(ctx context.Context, attemptID, parentID string, class Classification, durationMs int64, timedOut bool) (*Attempt, error) {
	planStatus := plan.StatusGenerating
	if !class.Retryable() {
		planStatus = plan.StatusFailed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE attempts
		SET status = 'failure', classification = $2, duration_ms = $3,
		    timed_out = $4, completed_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING `+attemptColumns,
		attemptID, string(class), durationMs, timedOut,
	)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, s.finalizeLookupErr(ctx, attemptID, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE plans SET status = $2, updated_at = now() WHERE id = $1
	`, parentID, string(planStatus)); err != nil {
		return nil, fmt.Errorf("update plan status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return a, nil
}

// finalizeLookupErr distinguishes "attempt missing" from "attempt
// already finalized" when the guarded UPDATE matched no row.
func (s *PostgresStore) finalizeLookupErr(ctx context.Context, attemptID string, scanErr error) error {
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return fmt.Errorf("finalize attempt %s: %w", attemptID, scanErr)
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM attempts WHERE id = $1`, attemptID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if err != nil {
		return fmt.Errorf("lookup attempt %s: %w", attemptID, err)
	}
	return fmt.Errorf("%w: %s is %s", ErrAttemptFinalized, attemptID, status)
}

func (s *PostgresStore) ListByParent(ctx context.Context, parentID string) ([]*Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE parent_id = $1
		ORDER BY created_at ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for plan %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePlan(ctx context.Context, p *plan.Plan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plans (id, owner_id, title, topic, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.OwnerID, p.Title, p.Topic, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create plan %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	var p plan.Plan
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, topic, status, created_at, updated_at
		FROM plans WHERE id = $1
	`, id).Scan(&p.ID, &p.OwnerID, &p.Title, &p.Topic, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
		}
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	p.Status = plan.GenerationStatus(status)
	return &p, nil
}

func (s *PostgresStore) ListModules(ctx context.Context, planID string) ([]plan.Module, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, plan_id, position, title, summary
		FROM plan_modules WHERE plan_id = $1 ORDER BY position
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list modules for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var modules []plan.Module
	for rows.Next() {
		var m plan.Module
		if err := rows.Scan(&m.ID, &m.PlanID, &m.Position, &m.Title, &m.Summary); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range modules {
		taskRows, err := s.pool.Query(ctx, `
			SELECT id, module_id, position, title, estimated_minutes
			FROM plan_tasks WHERE module_id = $1 ORDER BY position
		`, modules[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list tasks for module %s: %w", modules[i].ID, err)
		}
		for taskRows.Next() {
			var t plan.Task
			if err := taskRows.Scan(&t.ID, &t.ModuleID, &t.Position, &t.Title, &t.EstimatedMinutes); err != nil {
				taskRows.Close()
				return nil, fmt.Errorf("scan task: %w", err)
			}
			modules[i].Tasks = append(modules[i].Tasks, t)
		}
		taskRows.Close()
		if err := taskRows.Err(); err != nil {
			return nil, err
		}
	}
	return modules, nil
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		a     Attempt
		class *string
	)
	err := row.Scan(
		&a.ID, &a.ParentID, (*string)(&a.Status), &class, &a.DurationMs,
		&a.ModuleCount, &a.TaskCount, &a.InputTruncated, &a.InputNormalized,
		&a.InputHash, &a.TimedOut, &a.CreatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if class != nil {
		c := Classification(*class)
		a.Classification = &c
	}
	return &a, nil
}

// Verify interface
var _ Store = (*PostgresStore)(nil)
