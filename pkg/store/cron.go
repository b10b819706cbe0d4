package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

const cronJobColumns = `agent_id, enabled, schedule_kind, schedule_expr,
	schedule_every_ms, schedule_tz, definition_hash, last_run_at, next_run_at,
	in_flight_run_key, in_flight_goal_id, in_flight_started_at,
	claimed_by, claimed_at, claim_expires_at, created_at, updated_at`

// UpsertCronJob registers or refreshes a cron job by agent id. On update
// the schedule and definition hash are replaced; next_run_at is reset to
// job.NextRunAt only when the schedule or definition actually changed,
// otherwise the stored fire time is kept.
func (s *Store) UpsertCronJob(ctx context.Context, job *models.CronJob) error {
	now := time.Now().UTC()
	enabled := 0
	if job.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (`+cronJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, '', NULL, NULL, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			enabled = excluded.enabled,
			schedule_kind = excluded.schedule_kind,
			schedule_expr = excluded.schedule_expr,
			schedule_every_ms = excluded.schedule_every_ms,
			schedule_tz = excluded.schedule_tz,
			definition_hash = excluded.definition_hash,
			next_run_at = CASE
				WHEN cron_jobs.schedule_kind != excluded.schedule_kind
					OR cron_jobs.schedule_expr != excluded.schedule_expr
					OR cron_jobs.schedule_every_ms != excluded.schedule_every_ms
					OR cron_jobs.schedule_tz != excluded.schedule_tz
					OR cron_jobs.definition_hash != excluded.definition_hash
					OR cron_jobs.next_run_at IS NULL
				THEN excluded.next_run_at
				ELSE cron_jobs.next_run_at
			END,
			updated_at = excluded.updated_at`,
		job.AgentID, enabled, string(job.Schedule.Kind), job.Schedule.Expr,
		job.Schedule.EveryMS, job.Schedule.Timezone, job.DefinitionHash,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		now, now)
	return fault("upsert cron job", err)
}

func scanCronJob(row interface{ Scan(...any) error }) (*models.CronJob, error) {
	var (
		j          models.CronJob
		enabled    int
		kind       string
		lastRun    sql.NullTime
		nextRun    sql.NullTime
		inFlightAt sql.NullTime
		claimedAt  sql.NullTime
		claimExp   sql.NullTime
	)
	err := row.Scan(&j.AgentID, &enabled, &kind, &j.Schedule.Expr,
		&j.Schedule.EveryMS, &j.Schedule.Timezone, &j.DefinitionHash,
		&lastRun, &nextRun,
		&j.InFlightRunKey, &j.InFlightGoalID, &inFlightAt,
		&j.ClaimedBy, &claimedAt, &claimExp,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	j.Schedule.Kind = models.ScheduleKind(kind)
	j.LastRunAt = timePtr(lastRun)
	j.NextRunAt = timePtr(nextRun)
	j.InFlightStartedAt = timePtr(inFlightAt)
	j.ClaimedAt = timePtr(claimedAt)
	j.ClaimExpiresAt = timePtr(claimExp)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

// GetCronJob reads a cron job by agent id.
func (s *Store) GetCronJob(ctx context.Context, agentID string) (*models.CronJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE agent_id = ?`, agentID)
	j, err := scanCronJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault("get cron job", err)
	}
	return j, nil
}

// ListCronJobs returns all cron jobs ordered by agent id.
func (s *Store) ListCronJobs(ctx context.Context) ([]*models.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs ORDER BY agent_id ASC`)
	if err != nil {
		return nil, fault("list cron jobs", err)
	}
	defer rows.Close()

	var jobs []*models.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, fault("scan cron job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, fault("list cron jobs", rows.Err())
}

// ClaimDueCronJobs selects and claims due cron jobs in one statement:
// enabled, next_run_at <= now, and either unclaimed or with an expired
// claim, ordered by next_run_at asc. Only rows actually claimed are
// returned, so two competing dispatchers can never both hold the same job
// within a claim window.
func (s *Store) ClaimDueCronJobs(ctx context.Context, instanceID string, now time.Time, ttl time.Duration, limit int) ([]*models.CronJob, error) {
	if limit <= 0 {
		limit = 10
	}
	nowUTC := now.UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE cron_jobs SET
			claimed_by = ?, claimed_at = ?, claim_expires_at = ?
		WHERE agent_id IN (
			SELECT agent_id FROM cron_jobs
			WHERE enabled = 1
				AND next_run_at IS NOT NULL AND next_run_at <= ?
				AND (claimed_by = '' OR claim_expires_at IS NULL OR claim_expires_at < ?)
			ORDER BY next_run_at ASC
			LIMIT ?
		)
		RETURNING `+cronJobColumns,
		instanceID, nowUTC, nowUTC.Add(ttl),
		nowUTC, nowUTC, limit)
	if err != nil {
		return nil, fault("claim cron jobs", err)
	}
	defer rows.Close()

	var jobs []*models.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, fault("scan claimed cron job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, fault("claim cron jobs", rows.Err())
}

// ReleaseCronClaim clears the claim fields if still held by instanceID.
func (s *Store) ReleaseCronClaim(ctx context.Context, agentID, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET claimed_by = '', claimed_at = NULL, claim_expires_at = NULL, updated_at = ?
		WHERE agent_id = ? AND claimed_by = ?`,
		time.Now().UTC(), agentID, instanceID)
	return fault("release cron claim", err)
}

// CompleteCronDispatch records a successful dispatch: the in-flight lease,
// last/next fire times, and the claim release, all in one statement.
func (s *Store) CompleteCronDispatch(ctx context.Context, agentID, runKey, goalID string, scheduledFor, nextRun time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET
			in_flight_run_key = ?, in_flight_goal_id = ?, in_flight_started_at = ?,
			last_run_at = ?, next_run_at = ?,
			claimed_by = '', claimed_at = NULL, claim_expires_at = NULL,
			updated_at = ?
		WHERE agent_id = ?`,
		runKey, goalID, now, scheduledFor.UTC(), nextRun.UTC(), now, agentID)
	if err != nil {
		return fault("complete cron dispatch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearCronLease clears the in-flight lease block. Run key, goal id, and
// started-at go together, always.
func (s *Store) ClearCronLease(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET
			in_flight_run_key = '', in_flight_goal_id = '', in_flight_started_at = NULL,
			updated_at = ?
		WHERE agent_id = ?`,
		time.Now().UTC(), agentID)
	return fault("clear cron lease", err)
}

const cronRunColumns = `id, agent_id, run_key, goal_id, scheduled_for,
	coalesced_count, status, created_at`

// InsertCronJobRun inserts a pending cron job run, unique on
// (agent_id, run_key). On conflict the existing row is returned unchanged
// with inserted=false — this is the idempotence point of cron dispatch.
func (s *Store) InsertCronJobRun(ctx context.Context, agentID, runKey string, scheduledFor time.Time, coalesced int) (*models.CronJobRun, bool, error) {
	var (
		run      *models.CronJobRun
		inserted bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cron_job_runs
				(id, agent_id, run_key, goal_id, scheduled_for, coalesced_count, status, created_at)
			VALUES (?, ?, ?, NULL, ?, ?, 'pending', ?)`,
			uuid.New().String(), agentID, runKey, scheduledFor.UTC(), coalesced, time.Now().UTC())
		if err != nil {
			return fault("insert cron job run", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fault("insert cron job run", err)
		}
		inserted = n > 0

		// Fetch the row for this run key; if the ignore hit the
		// one-pending-per-agent index instead, fall back to the agent's
		// pending row (an earlier firing that never got linked).
		row := tx.QueryRowContext(ctx, `
			SELECT `+cronRunColumns+` FROM cron_job_runs
			WHERE agent_id = ? AND run_key = ?`, agentID, runKey)
		run, err = scanCronJobRun(row)
		if err == sql.ErrNoRows {
			row = tx.QueryRowContext(ctx, `
				SELECT `+cronRunColumns+` FROM cron_job_runs
				WHERE agent_id = ? AND status = 'pending'`, agentID)
			run, err = scanCronJobRun(row)
		}
		if err != nil {
			return fault("get cron job run", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return run, inserted, nil
}

func scanCronJobRun(row interface{ Scan(...any) error }) (*models.CronJobRun, error) {
	var (
		r      models.CronJobRun
		goalID sql.NullString
		status string
	)
	err := row.Scan(&r.ID, &r.AgentID, &r.RunKey, &goalID, &r.ScheduledFor,
		&r.CoalescedCount, &status, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.GoalID = goalID.String
	r.Status = models.CronRunStatus(status)
	r.ScheduledFor = r.ScheduledFor.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// GetCronJobRun reads a cron job run by (agent id, run key).
func (s *Store) GetCronJobRun(ctx context.Context, agentID, runKey string) (*models.CronJobRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cronRunColumns+` FROM cron_job_runs WHERE agent_id = ? AND run_key = ?`,
		agentID, runKey)
	r, err := scanCronJobRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault("get cron job run", err)
	}
	return r, nil
}

// LinkCronJobRunGoal links a pending run to its created goal and marks it
// submitted. Returns false when the run was already linked.
func (s *Store) LinkCronJobRunGoal(ctx context.Context, id, goalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_job_runs SET goal_id = ?, status = 'submitted'
		WHERE id = ? AND goal_id IS NULL`,
		goalID, id)
	if err != nil {
		return false, fault("link cron job run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("link cron job run", err)
	}
	return n > 0, nil
}

// UpdateCronJobRunStatus sets a cron job run's terminal status.
func (s *Store) UpdateCronJobRunStatus(ctx context.Context, id string, status models.CronRunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_job_runs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fault("update cron job run status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCronJobRuns returns an agent's runs newest first.
func (s *Store) ListCronJobRuns(ctx context.Context, agentID string, limit int) ([]*models.CronJobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cronRunColumns+` FROM cron_job_runs
		WHERE agent_id = ? ORDER BY scheduled_for DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fault("list cron job runs", err)
	}
	defer rows.Close()

	var runs []*models.CronJobRun
	for rows.Next() {
		r, err := scanCronJobRun(rows)
		if err != nil {
			return nil, fault("scan cron job run", err)
		}
		runs = append(runs, r)
	}
	return runs, fault("list cron job runs", rows.Err())
}
