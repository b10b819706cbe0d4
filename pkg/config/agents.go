package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

// AgentKind selects the builder used to turn an agent definition into a
// goal and its initial work item.
type AgentKind string

const (
	// AgentKindReactGoal runs a general reasoning agent against the
	// agent's declared objective.
	AgentKindReactGoal AgentKind = "react_goal"
	// AgentKindMarketListener polls external feeds and files follow-up
	// goals for anything noteworthy.
	AgentKindMarketListener AgentKind = "market_listener"
)

// IsValid checks if the agent kind is a known value.
func (k AgentKind) IsValid() bool {
	return k == AgentKindReactGoal || k == AgentKindMarketListener
}

// AgentConfig is one entry of the `agents:` map in helmsman.yaml. The map
// key is the agent id.
type AgentConfig struct {
	ID          string    `yaml:"-"`
	Kind        AgentKind `yaml:"kind"`
	Enabled     *bool     `yaml:"enabled,omitempty"` // nil means enabled
	Description string    `yaml:"description,omitempty"`

	// Schedule: exactly one of Cron (5-field expression) or Every.
	Cron     string        `yaml:"cron,omitempty"`
	Every    time.Duration `yaml:"every,omitempty"`
	Timezone string        `yaml:"timezone,omitempty"`

	// Runner configuration carried onto the initial work item.
	Objective     string   `yaml:"objective,omitempty"`
	ModelHint     string   `yaml:"model_hint,omitempty"`
	ToolAllowList []string `yaml:"tool_allow_list,omitempty"`
	Priority      int      `yaml:"priority,omitempty"`
	MaxRetries    int      `yaml:"max_retries,omitempty"`

	// Budgets for goals created from this agent.
	BudgetTokens  int64   `yaml:"budget_tokens,omitempty"`
	BudgetMinutes float64 `yaml:"budget_minutes,omitempty"`
	BudgetCost    float64 `yaml:"budget_cost,omitempty"`
}

// IsEnabled reports whether the agent should be scheduled.
func (a *AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Schedule converts the YAML schedule fields to the store representation.
func (a *AgentConfig) Schedule() models.Schedule {
	if a.Cron != "" {
		return models.Schedule{
			Kind:     models.ScheduleKindCron,
			Expr:     a.Cron,
			Timezone: a.Timezone,
		}
	}
	return models.Schedule{
		Kind:     models.ScheduleKindInterval,
		EveryMS:  a.Every.Milliseconds(),
		Timezone: a.Timezone,
	}
}

// Budget converts the YAML budget fields to the store representation.
func (a *AgentConfig) Budget() models.Budget {
	return models.Budget{
		Tokens:  a.BudgetTokens,
		Minutes: a.BudgetMinutes,
		Cost:    a.BudgetCost,
	}
}

// DefinitionHash is a stable hash of the agent's runner-relevant fields.
// It feeds the cron run key, so editing an agent definition produces fresh
// run keys (a redeploy never collides with firings of the old definition).
func (a *AgentConfig) DefinitionHash() string {
	tools := append([]string(nil), a.ToolAllowList...)
	sort.Strings(tools)
	canonical := struct {
		ID        string    `json:"id"`
		Kind      AgentKind `json:"kind"`
		Objective string    `json:"objective"`
		ModelHint string    `json:"model_hint"`
		Tools     []string  `json:"tools"`
		Cron      string    `json:"cron"`
		EveryMS   int64     `json:"every_ms"`
		Timezone  string    `json:"timezone"`
	}{a.ID, a.Kind, a.Objective, a.ModelHint, tools, a.Cron, a.Every.Milliseconds(), a.Timezone}

	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// Validate checks a single agent definition.
func (a *AgentConfig) Validate() error {
	if !a.Kind.IsValid() {
		return fmt.Errorf("agent %q: unknown kind %q", a.ID, a.Kind)
	}
	if a.Cron == "" && a.Every <= 0 {
		return fmt.Errorf("agent %q: needs either a cron expression or an interval", a.ID)
	}
	if a.Cron != "" && a.Every > 0 {
		return fmt.Errorf("agent %q: cron and every are mutually exclusive", a.ID)
	}
	if a.Cron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(a.Cron); err != nil {
			return fmt.Errorf("agent %q: invalid cron expression %q: %w", a.ID, a.Cron, err)
		}
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("agent %q: invalid timezone %q: %w", a.ID, a.Timezone, err)
		}
	}
	return nil
}

// AgentRegistry holds the loaded agent definitions, keyed by id.
type AgentRegistry struct {
	agents map[string]*AgentConfig
}

// NewAgentRegistry builds a registry from the parsed agents map, stamping
// the map key into each definition's ID.
func NewAgentRegistry(agents map[string]*AgentConfig) *AgentRegistry {
	reg := &AgentRegistry{agents: make(map[string]*AgentConfig, len(agents))}
	for id, a := range agents {
		a.ID = id
		reg.agents[id] = a
	}
	return reg
}

// Get retrieves an agent definition by id.
func (r *AgentRegistry) Get(id string) (*AgentConfig, error) {
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q not found", id)
	}
	return a, nil
}

// All returns the definitions sorted by id for deterministic iteration.
func (r *AgentRegistry) All() []*AgentConfig {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*AgentConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.agents[id])
	}
	return out
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	return len(r.agents)
}

// Validate checks every registered agent definition.
func (r *AgentRegistry) Validate() error {
	for _, a := range r.All() {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}
