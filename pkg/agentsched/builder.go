package agentsched

import (
	"fmt"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/models"
)

// BuildGoalRequest turns one agent firing into a goal request with a
// single initial work item. The work item context carries the cron
// provenance markers the scheduler uses for lane placement, and the run
// key so executors can correlate back to the firing.
func BuildGoalRequest(agent *config.AgentConfig, runKey string, scheduledFor time.Time) models.CreateGoalRequest {
	title := fmt.Sprintf("[%s] %s", agent.ID, scheduledFor.UTC().Format(time.RFC3339))

	objective := agent.Objective
	if objective == "" {
		objective = agent.Description
	}

	itemType := "analysis"
	if agent.Kind == config.AgentKindMarketListener {
		itemType = "listener"
	}

	return models.CreateGoalRequest{
		Title:       title,
		Description: objective,
		Priority:    agent.Priority,
		Budget:      agent.Budget(),
		WorkItems: []models.WorkItemSpec{
			{
				Title:         objective,
				Type:          itemType,
				Priority:      agent.Priority,
				MaxRetries:    agent.MaxRetries,
				ModelHint:     agent.ModelHint,
				ToolAllowList: agent.ToolAllowList,
				Context: map[string]any{
					models.ContextKeySource:  models.ContextSourceCron,
					models.ContextKeyAgentID: agent.ID,
					models.ContextKeyRunKey:  runKey,
				},
			},
		},
	}
}
