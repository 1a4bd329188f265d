package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the full DDL. Every statement is idempotent so Migrate can
// run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS plans (
	id         text PRIMARY KEY,
	owner_id   text NOT NULL,
	title      text NOT NULL,
	topic      text NOT NULL,
	status     text NOT NULL DEFAULT 'draft',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_plans_owner ON plans (owner_id);

CREATE TABLE IF NOT EXISTS jobs (
	id            text PRIMARY KEY,
	job_type      text NOT NULL,
	parent_id     text NOT NULL,
	owner_id      text NOT NULL,
	payload       jsonb NOT NULL,
	priority      int NOT NULL DEFAULT 0,
	status        text NOT NULL DEFAULT 'pending',
	attempts      int NOT NULL DEFAULT 0,
	max_attempts  int NOT NULL DEFAULT 3,
	scheduled_for timestamptz NOT NULL DEFAULT now(),
	started_at    timestamptz,
	completed_at  timestamptz,
	result        jsonb,
	error         text,
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now()
);

-- Lease scan: eligible pending jobs by rank.
CREATE INDEX IF NOT EXISTS idx_jobs_lease
	ON jobs (priority DESC, created_at ASC)
	WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs (parent_id);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs (owner_id, job_type, created_at);

-- At most one active deduplicating job per (type, parent, owner).
-- Backstop for the transactional dedup check under concurrent enqueues.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_dedup
	ON jobs (job_type, parent_id, owner_id)
	WHERE status IN ('pending', 'processing') AND job_type = 'plan_regenerate';

CREATE TABLE IF NOT EXISTS attempts (
	id               text PRIMARY KEY,
	parent_id        text NOT NULL REFERENCES plans (id),
	status           text NOT NULL DEFAULT 'in_progress',
	classification   text,
	duration_ms      bigint NOT NULL DEFAULT 0,
	module_count     int NOT NULL DEFAULT 0,
	task_count       int NOT NULL DEFAULT 0,
	input_truncated  boolean NOT NULL DEFAULT false,
	input_normalized boolean NOT NULL DEFAULT false,
	input_hash       text NOT NULL DEFAULT '',
	timed_out        boolean NOT NULL DEFAULT false,
	created_at       timestamptz NOT NULL DEFAULT now(),
	completed_at     timestamptz
);

CREATE INDEX IF NOT EXISTS idx_attempts_parent ON attempts (parent_id, created_at);

-- At most one open attempt per plan. Backstop for the plan-row lock.
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_in_progress
	ON attempts (parent_id)
	WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS plan_modules (
	id       text PRIMARY KEY,
	plan_id  text NOT NULL REFERENCES plans (id),
	position int NOT NULL,
	title    text NOT NULL,
	summary  text NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_plan_modules_plan ON plan_modules (plan_id, position);

CREATE TABLE IF NOT EXISTS plan_tasks (
	id                text PRIMARY KEY,
	module_id         text NOT NULL REFERENCES plan_modules (id),
	position          int NOT NULL,
	title             text NOT NULL,
	estimated_minutes int NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_plan_tasks_module ON plan_tasks (module_id, position);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
