package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

const auditColumns = `id, actor_id, actor_type, action, entity_type, entity_id,
	goal_id, work_item_id, run_id, session_id,
	before_json, after_json, metadata, created_at`

// AppendAudit inserts one audit entry. Entries are append-only; there is
// no update path.
func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.appendAudit(ctx, s.db, e)
}

// AppendAuditBatch inserts a batch of audit entries in one transaction.
func (s *Store) AppendAuditBatch(ctx context.Context, entries []*models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = time.Now().UTC()
			}
			if err := s.appendAudit(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) appendAudit(ctx context.Context, q querier, e *models.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, string(e.ActorType), e.Action, e.EntityType, e.EntityID,
		e.GoalID, e.WorkItemID, e.RunID, e.SessionID,
		marshalJSON(e.Before, "{}"), marshalJSON(e.After, "{}"), marshalJSON(e.Metadata, "{}"),
		e.CreatedAt)
	return fault("append audit", err)
}

// ListAuditEntries returns entries for a goal, oldest first.
func (s *Store) ListAuditEntries(ctx context.Context, goalID string, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE goal_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, goalID, limit)
	if err != nil {
		return nil, fault("list audit entries", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var (
			e         models.AuditEntry
			actorType string
			before    string
			after     string
			metadata  string
		)
		err := rows.Scan(&e.ID, &e.ActorID, &actorType, &e.Action, &e.EntityType, &e.EntityID,
			&e.GoalID, &e.WorkItemID, &e.RunID, &e.SessionID,
			&before, &after, &metadata, &e.CreatedAt)
		if err != nil {
			return nil, fault("scan audit entry", err)
		}
		e.ActorType = models.ActorType(actorType)
		unmarshalJSON(before, &e.Before)
		unmarshalJSON(after, &e.After)
		unmarshalJSON(metadata, &e.Metadata)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, &e)
	}
	return entries, fault("list audit entries", rows.Err())
}

// PruneAudit deletes audit entries older than the cutoff. Returns the
// number of entries deleted.
func (s *Store) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fault("prune audit", err)
	}
	n, err := res.RowsAffected()
	return n, fault("prune audit", err)
}
