package audit

import (
	"github.com/helmsman-ai/helmsman/pkg/events"
	"github.com/helmsman-ai/helmsman/pkg/models"
)

// BridgeID is the event bus subscriber id used by the audit bridge.
const BridgeID = "audit-bridge"

// Subscribe attaches the writer to the event bus: every scheduler event
// becomes one audit entry attributed to the daemon.
func Subscribe(bus *events.Bus, w *Writer) {
	bus.Subscribe(BridgeID, func(ev events.Event) {
		w.Record(EntryFromEvent(ev))
	})
}

// EntryFromEvent maps a scheduler event to an audit entry.
func EntryFromEvent(ev events.Event) *models.AuditEntry {
	entityType, entityID := "goal", ev.GoalID
	if ev.RunID != "" {
		entityType, entityID = "run", ev.RunID
	} else if ev.WorkItemID != "" {
		entityType, entityID = "work_item", ev.WorkItemID
	}
	return &models.AuditEntry{
		ActorID:    "scheduler",
		ActorType:  models.ActorTypeDaemon,
		Action:     string(ev.Type),
		EntityType: entityType,
		EntityID:   entityID,
		GoalID:     ev.GoalID,
		WorkItemID: ev.WorkItemID,
		RunID:      ev.RunID,
		Metadata:   ev.Data,
		CreatedAt:  ev.Timestamp,
	}
}
