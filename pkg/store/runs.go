package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

const runColumns = `id, work_item_id, goal_id, agent_type, seq, status,
	tokens_used, wall_seconds, cost, artifacts, log, error,
	started_at, completed_at`

// CreateRun opens a new run for a work item, assigning the next gap-free
// sequence number. The sequence assignment and the insert share one
// transaction, so concurrent creators cannot collide (the unique index on
// (work_item_id, seq) backs this up).
func (s *Store) CreateRun(ctx context.Context, workItemID, goalID, agentType string) (*models.Run, error) {
	run := &models.Run{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		GoalID:     goalID,
		AgentType:  agentType,
		Status:     models.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM runs WHERE work_item_id = ?`, workItemID).Scan(&maxSeq); err != nil {
			return fault("next run seq", err)
		}
		run.Seq = int(maxSeq.Int64) + 1

		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.WorkItemID, run.GoalID, run.AgentType, run.Seq, string(run.Status),
			run.TokensUsed, run.WallSeconds, run.Cost,
			marshalJSON(run.Artifacts, "[]"), run.Log, run.Error,
			run.StartedAt, nil)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fault("insert run", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun closes a run, setting its terminal status and metrics in one
// statement. Completing an already-terminal run is a no-op returning
// ErrTerminalStatus.
func (s *Store) CompleteRun(ctx context.Context, id string, status models.RunStatus, metrics models.RunMetrics, runErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, tokens_used = ?, wall_seconds = ?, cost = ?,
			artifacts = ?, log = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), metrics.TokensUsed, metrics.WallSeconds, metrics.Cost,
		marshalJSON(metrics.Artifacts, "[]"), metrics.Log, runErr,
		time.Now().UTC(), id)
	if err != nil {
		return fault("complete run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault("complete run", err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrTerminalStatus
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*models.Run, error) {
	var (
		r         models.Run
		status    string
		artifacts string
		completed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.WorkItemID, &r.GoalID, &r.AgentType, &r.Seq, &status,
		&r.TokensUsed, &r.WallSeconds, &r.Cost, &artifacts, &r.Log, &r.Error,
		&r.StartedAt, &completed)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(artifacts, &r.Artifacts)
	r.Status = models.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

// GetRun reads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault("get run", err)
	}
	return r, nil
}

// ListRunsByWorkItem returns all runs of a work item in sequence order.
func (s *Store) ListRunsByWorkItem(ctx context.Context, workItemID string) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE work_item_id = ? ORDER BY seq ASC`, workItemID)
	if err != nil {
		return nil, fault("list runs", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fault("scan run", err)
		}
		runs = append(runs, r)
	}
	return runs, fault("list runs", rows.Err())
}

// GetOpenRun returns the non-terminal run of a work item, or ErrNotFound.
// A work item has at most one open run at a time.
func (s *Store) GetOpenRun(ctx context.Context, workItemID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE work_item_id = ? AND status = 'running'
		ORDER BY seq DESC LIMIT 1`, workItemID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault("get open run", err)
	}
	return r, nil
}

// AbortOpenRuns closes every running run of a work item as aborted with
// the given reason. Used by recovery and administrative cancellation.
func (s *Store) AbortOpenRuns(ctx context.Context, workItemID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'aborted', error = ?, completed_at = ?
		WHERE work_item_id = ? AND status = 'running'`,
		reason, time.Now().UTC(), workItemID)
	if err != nil {
		return 0, fault("abort open runs", err)
	}
	n, err := res.RowsAffected()
	return n, fault("abort open runs", err)
}
