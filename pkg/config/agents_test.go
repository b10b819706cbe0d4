package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

func validAgent() *AgentConfig {
	return &AgentConfig{
		ID:        "market-watch",
		Kind:      AgentKindMarketListener,
		Every:     5 * time.Minute,
		Objective: "watch the tape",
	}
}

func TestAgentConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AgentConfig)
		wantErr string
	}{
		{"interval agent passes", func(a *AgentConfig) {}, ""},
		{"cron agent passes", func(a *AgentConfig) {
			a.Every = 0
			a.Cron = "0 9 * * 1-5"
		}, ""},
		{"unknown kind", func(a *AgentConfig) { a.Kind = "oracle" }, "unknown kind"},
		{"no schedule", func(a *AgentConfig) { a.Every = 0 }, "needs either a cron expression or an interval"},
		{"both schedules", func(a *AgentConfig) { a.Cron = "* * * * *" }, "mutually exclusive"},
		{"bad cron expression", func(a *AgentConfig) {
			a.Every = 0
			a.Cron = "not a schedule"
		}, "invalid cron expression"},
		{"six-field cron rejected", func(a *AgentConfig) {
			a.Every = 0
			a.Cron = "0 0 9 * * *"
		}, "invalid cron expression"},
		{"bad timezone", func(a *AgentConfig) { a.Timezone = "Mars/Olympus_Mons" }, "invalid timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAgent()
			tt.mutate(a)
			err := a.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestAgentConfig_IsEnabled(t *testing.T) {
	a := validAgent()
	assert.True(t, a.IsEnabled(), "nil means enabled")

	off := false
	a.Enabled = &off
	assert.False(t, a.IsEnabled())
}

func TestAgentConfig_Schedule(t *testing.T) {
	interval := validAgent()
	got := interval.Schedule()
	assert.Equal(t, models.ScheduleKindInterval, got.Kind)
	assert.Equal(t, int64(300_000), got.EveryMS)

	cronAgent := validAgent()
	cronAgent.Every = 0
	cronAgent.Cron = "0 9 * * *"
	cronAgent.Timezone = "America/New_York"
	got = cronAgent.Schedule()
	assert.Equal(t, models.ScheduleKindCron, got.Kind)
	assert.Equal(t, "0 9 * * *", got.Expr)
	assert.Equal(t, "America/New_York", got.Timezone)
}

func TestAgentConfig_Budget(t *testing.T) {
	a := validAgent()
	a.BudgetTokens = 50_000
	a.BudgetMinutes = 15
	a.BudgetCost = 2.5

	b := a.Budget()
	assert.Equal(t, int64(50_000), b.Tokens)
	assert.Equal(t, 15.0, b.Minutes)
	assert.Equal(t, 2.5, b.Cost)
}

func TestAgentConfig_DefinitionHash(t *testing.T) {
	a := validAgent()
	a.ToolAllowList = []string{"web_search", "read_file"}

	first := a.DefinitionHash()
	require.Len(t, first, 32)
	assert.Equal(t, first, a.DefinitionHash(), "hash must be stable")

	// Tool order does not matter.
	b := validAgent()
	b.ToolAllowList = []string{"read_file", "web_search"}
	assert.Equal(t, first, b.DefinitionHash())

	// Runner-relevant edits change the hash.
	c := validAgent()
	c.ToolAllowList = []string{"web_search", "read_file"}
	c.Objective = "watch the options chain"
	assert.NotEqual(t, first, c.DefinitionHash())

	d := validAgent()
	d.ToolAllowList = []string{"web_search", "read_file"}
	d.Every = 10 * time.Minute
	assert.NotEqual(t, first, d.DefinitionHash(), "schedule edits produce fresh run keys")
}

func TestAgentRegistry(t *testing.T) {
	reg := NewAgentRegistry(map[string]*AgentConfig{
		"beta":  {Kind: AgentKindReactGoal, Every: time.Minute},
		"alpha": {Kind: AgentKindMarketListener, Every: time.Minute},
	})
	require.Equal(t, 2, reg.Len())

	a, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", a.ID)

	_, err = reg.Get("missing")
	assert.ErrorContains(t, err, `agent "missing" not found`)

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ID, "All is sorted by id")
	assert.Equal(t, "beta", all[1].ID)

	assert.NoError(t, reg.Validate())
}

func TestAgentRegistry_ValidateSurfacesBadAgent(t *testing.T) {
	reg := NewAgentRegistry(map[string]*AgentConfig{
		"broken": {Kind: AgentKindReactGoal},
	})
	assert.ErrorContains(t, reg.Validate(), `agent "broken"`)
}
