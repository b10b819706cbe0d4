package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

const workItemColumns = `id, goal_id, title, description, type, priority,
	depends_on, verification, retry_count, max_retries,
	status, verification_status, context, model_hint, tool_allow_list,
	created_at, updated_at`

// resolveWorkItemSpecs assigns ids to specs and rewrites depends_on refs
// (spec Ref values) into the assigned ids. A dependency naming an unknown
// ref is left as-is; DAG validation rejects it at admission.
func resolveWorkItemSpecs(goalID string, specs []models.WorkItemSpec, now time.Time) ([]*models.WorkItem, error) {
	byRef := make(map[string]string, len(specs))
	items := make([]*models.WorkItem, 0, len(specs))
	for i, spec := range specs {
		if spec.Title == "" {
			return nil, fmt.Errorf("%w: work item %d: title is required", ErrInvalidInput, i)
		}
		id := uuid.New().String()
		if spec.Ref != "" {
			if _, dup := byRef[spec.Ref]; dup {
				return nil, fmt.Errorf("%w: duplicate work item ref %q", ErrInvalidInput, spec.Ref)
			}
			byRef[spec.Ref] = id
		}
		items = append(items, &models.WorkItem{
			ID:                 id,
			GoalID:             goalID,
			Title:              spec.Title,
			Description:        spec.Description,
			Type:               spec.Type,
			Priority:           spec.Priority,
			DependsOn:          append([]string(nil), spec.DependsOn...),
			Verification:       spec.Verification,
			MaxRetries:         spec.MaxRetries,
			Status:             models.WorkItemStatusQueued,
			VerificationStatus: models.VerificationNotStarted,
			Context:            spec.Context,
			ModelHint:          spec.ModelHint,
			ToolAllowList:      spec.ToolAllowList,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}
	for _, item := range items {
		for i, dep := range item.DependsOn {
			if id, ok := byRef[dep]; ok {
				item.DependsOn[i] = id
			}
		}
	}
	return items, nil
}

func insertWorkItem(ctx context.Context, q querier, w *models.WorkItem) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO work_items (`+workItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.GoalID, w.Title, w.Description, w.Type, w.Priority,
		marshalJSON(w.DependsOn, "[]"), marshalJSON(w.Verification, "[]"),
		w.RetryCount, w.MaxRetries,
		string(w.Status), string(w.VerificationStatus),
		marshalJSON(w.Context, "{}"), w.ModelHint, marshalJSON(w.ToolAllowList, "[]"),
		w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fault("insert work item", err)
	}
	return nil
}

// CreateWorkItems inserts additional work items for an existing goal (e.g.
// from planning) in one transaction.
func (s *Store) CreateWorkItems(ctx context.Context, goalID string, specs []models.WorkItemSpec) ([]*models.WorkItem, error) {
	items, err := resolveWorkItemSpecs(goalID, specs, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if err := insertWorkItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func scanWorkItem(row interface{ Scan(...any) error }) (*models.WorkItem, error) {
	var (
		w          models.WorkItem
		deps       string
		verif      string
		status     string
		verifState string
		itemCtx    string
		tools      string
	)
	err := row.Scan(&w.ID, &w.GoalID, &w.Title, &w.Description, &w.Type, &w.Priority,
		&deps, &verif, &w.RetryCount, &w.MaxRetries,
		&status, &verifState, &itemCtx, &w.ModelHint, &tools,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(deps, &w.DependsOn)
	unmarshalJSON(verif, &w.Verification)
	unmarshalJSON(itemCtx, &w.Context)
	unmarshalJSON(tools, &w.ToolAllowList)
	w.Status = models.WorkItemStatus(status)
	w.VerificationStatus = models.VerificationStatus(verifState)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

// GetWorkItem reads a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	w, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault("get work item", err)
	}
	return w, nil
}

// ListWorkItemsByGoal returns all work items of a goal, priority desc then
// created-at asc then id asc.
func (s *Store) ListWorkItemsByGoal(ctx context.Context, goalID string) ([]*models.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE goal_id = ?
		ORDER BY priority DESC, created_at ASC, id ASC`, goalID)
	if err != nil {
		return nil, fault("list work items", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fault("scan work item", err)
		}
		items = append(items, w)
	}
	return items, fault("list work items", rows.Err())
}

// ListReadyWorkItems returns ready work items across all goals, priority
// desc then created-at asc then id asc.
func (s *Store) ListReadyWorkItems(ctx context.Context) ([]*models.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE status = 'ready'
		ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fault("list ready work items", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fault("scan work item", err)
		}
		items = append(items, w)
	}
	return items, fault("list ready work items", rows.Err())
}

// UpdateWorkItemStatus sets a work item's status unconditionally. Legality
// of the transition is the work item manager's concern, not the store's.
func (s *Store) UpdateWorkItemStatus(ctx context.Context, id string, status models.WorkItemStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fault("update work item status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapWorkItemStatus sets status only if the row is currently in
// the expected status. Returns false without error when the guard misses.
// This is what keeps a work item's transitions totally ordered even with a
// cancel racing the executor.
func (s *Store) CompareAndSwapWorkItemStatus(ctx context.Context, id string, from, to models.WorkItemStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fault("cas work item status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("cas work item status", err)
	}
	return n > 0, nil
}

// PromoteWorkItemIfDepsDone promotes a queued work item to ready iff every
// dependency is done, as one atomic statement. Returns true when the row
// was promoted.
func (s *Store) PromoteWorkItemIfDepsDone(ctx context.Context, id string) (bool, error) {
	// The json_each join counts dependencies that are NOT done; zero
	// remaining means the item is eligible.
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = 'ready', updated_at = ?
		WHERE id = ? AND status = 'queued' AND NOT EXISTS (
			SELECT 1 FROM json_each(work_items.depends_on) AS dep
			LEFT JOIN work_items AS wi ON wi.id = dep.value
			WHERE wi.id IS NULL OR wi.status != 'done'
		)`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fault("promote work item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault("promote work item", err)
	}
	return n > 0, nil
}

// IncrementWorkItemRetry bumps the retry counter and requeues the item in
// one statement.
func (s *Store) IncrementWorkItemRetry(ctx context.Context, id string, status models.WorkItemStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET retry_count = retry_count + 1, status = ?, updated_at = ?
		WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fault("increment work item retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWorkItemVerification sets the verification status.
func (s *Store) UpdateWorkItemVerification(ctx context.Context, id string, vs models.VerificationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET verification_status = ?, updated_at = ? WHERE id = ?`,
		string(vs), time.Now().UTC(), id)
	if err != nil {
		return fault("update work item verification", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountWorkItemsByStatus returns per-status counts for a goal.
func (s *Store) CountWorkItemsByStatus(ctx context.Context, goalID string) (map[models.WorkItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items WHERE goal_id = ? GROUP BY status`, goalID)
	if err != nil {
		return nil, fault("count work items", err)
	}
	defer rows.Close()

	counts := make(map[models.WorkItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fault("count work items", err)
		}
		counts[models.WorkItemStatus(status)] = n
	}
	return counts, fault("count work items", rows.Err())
}
