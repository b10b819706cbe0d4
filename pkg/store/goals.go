package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

const goalColumns = `id, title, description, success_criteria, priority,
	budget_tokens, budget_minutes, budget_cost,
	spent_tokens, spent_minutes, spent_cost,
	status, failure_reason, created_at, updated_at`

// CreateGoal inserts a goal together with its initial work items in one
// transaction. Work item ids are assigned here; spec refs in depends_on
// are translated to the assigned ids.
func (s *Store) CreateGoal(ctx context.Context, req models.CreateGoalRequest) (*models.Goal, []*models.WorkItem, error) {
	if req.Title == "" {
		return nil, nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	goal := &models.Goal{
		ID:              uuid.New().String(),
		Title:           req.Title,
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        req.Priority,
		Budget:          req.Budget,
		Status:          models.GoalStatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	items, err := resolveWorkItemSpecs(goal.ID, req.WorkItems, now)
	if err != nil {
		return nil, nil, err
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertGoal(ctx, tx, goal); err != nil {
			return err
		}
		for _, item := range items {
			if err := insertWorkItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return goal, items, nil
}

func insertGoal(ctx context.Context, q querier, g *models.Goal) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO goals (`+goalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Title, g.Description, marshalJSON(g.SuccessCriteria, "[]"), g.Priority,
		g.Budget.Tokens, g.Budget.Minutes, g.Budget.Cost,
		g.Spent.Tokens, g.Spent.Minutes, g.Spent.Cost,
		string(g.Status), g.FailureReason, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fault("insert goal", err)
	}
	return nil
}

func scanGoal(row interface{ Scan(...any) error }) (*models.Goal, error) {
	var (
		g        models.Goal
		criteria string
		status   string
	)
	err := row.Scan(&g.ID, &g.Title, &g.Description, &criteria, &g.Priority,
		&g.Budget.Tokens, &g.Budget.Minutes, &g.Budget.Cost,
		&g.Spent.Tokens, &g.Spent.Minutes, &g.Spent.Cost,
		&status, &g.FailureReason, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(criteria, &g.SuccessCriteria)
	g.Status = models.GoalStatus(status)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return &g, nil
}

// GetGoal reads a goal by id.
func (s *Store) GetGoal(ctx context.Context, id string) (*models.Goal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault("get goal", err)
	}
	return g, nil
}

// ListGoals returns goals matching the filters, newest first.
func (s *Store) ListGoals(ctx context.Context, filters models.GoalFilters) (*models.GoalListResponse, error) {
	where := ""
	args := []any{}
	if filters.Status != "" {
		where = " WHERE status = ?"
		args = append(args, filters.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM goals`+where, args...).Scan(&total); err != nil {
		return nil, fault("count goals", err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, filters.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+goalColumns+` FROM goals`+where+`
		ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fault("list goals", err)
	}
	defer rows.Close()

	resp := &models.GoalListResponse{TotalCount: total, Limit: limit, Offset: filters.Offset}
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fault("scan goal", err)
		}
		resp.Goals = append(resp.Goals, g)
	}
	return resp, fault("list goals", rows.Err())
}

// ListGoalsByStatuses returns all goals in any of the given statuses,
// priority desc then created-at asc. Used by scheduler recovery.
func (s *Store) ListGoalsByStatuses(ctx context.Context, statuses ...models.GoalStatus) ([]*models.Goal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + goalColumns + ` FROM goals WHERE status IN (?` +
		repeat(",?", len(statuses)-1) + `) ORDER BY priority DESC, created_at ASC, id ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault("list goals by status", err)
	}
	defer rows.Close()

	var goals []*models.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fault("scan goal", err)
		}
		goals = append(goals, g)
	}
	return goals, fault("list goals by status", rows.Err())
}

// UpdateGoalStatus sets the goal's status, refusing to regress a terminal
// status. The guard is part of the statement so concurrent writers cannot
// race past it.
func (s *Store) UpdateGoalStatus(ctx context.Context, id string, status models.GoalStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), reason, time.Now().UTC(), id)
	if err != nil {
		return fault("update goal status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault("update goal status", err)
	}
	if n == 0 {
		g, err := s.GetGoal(ctx, id)
		if err != nil {
			return err
		}
		if g.Status.IsTerminal() {
			return fmt.Errorf("%w: goal %s is %s", ErrTerminalStatus, id, g.Status)
		}
		return ErrNotFound
	}
	return nil
}

// AddGoalSpend adds to the goal's spent counters. Counters only grow;
// negative deltas are rejected.
func (s *Store) AddGoalSpend(ctx context.Context, id string, delta models.Spend) error {
	if delta.Tokens < 0 || delta.Minutes < 0 || delta.Cost < 0 {
		return fmt.Errorf("%w: spend deltas must be non-negative", ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET
			spent_tokens = spent_tokens + ?,
			spent_minutes = spent_minutes + ?,
			spent_cost = spent_cost + ?,
			updated_at = ?
		WHERE id = ?`,
		delta.Tokens, delta.Minutes, delta.Cost, time.Now().UTC(), id)
	if err != nil {
		return fault("add goal spend", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneGoals deletes terminal goals older than the cutoff, cascading to
// their work items and runs. Returns the number of goals deleted.
func (s *Store) PruneGoals(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM goals
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		olderThan.UTC())
	if err != nil {
		return 0, fault("prune goals", err)
	}
	n, err := res.RowsAffected()
	return n, fault("prune goals", err)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
