package models

import "time"

// ScheduleKind distinguishes cron-expression schedules from fixed intervals.
type ScheduleKind string

const (
	ScheduleKindCron     ScheduleKind = "cron"
	ScheduleKindInterval ScheduleKind = "interval"
)

// Schedule describes when a cron job fires. Exactly one of Expr (with
// Kind=cron) or EveryMS (with Kind=interval) is set; Timezone applies to
// both and defaults to UTC.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	Expr     string       `json:"expr,omitempty"`     // 5-field: minute hour dom month dow
	EveryMS  int64        `json:"every_ms,omitempty"` // interval in milliseconds
	Timezone string       `json:"timezone,omitempty"`
}

// CronJob is a registered periodic agent definition. The lease block
// (InFlight* / Claimed* fields) implements at-most-once dispatch: at most
// one non-null lease exists per agent, and a claim is only valid while
// now <= ClaimExpiresAt.
type CronJob struct {
	AgentID        string     `json:"agent_id"`
	Enabled        bool       `json:"enabled"`
	Schedule       Schedule   `json:"schedule"`
	DefinitionHash string     `json:"definition_hash"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`

	InFlightRunKey    string     `json:"in_flight_run_key,omitempty"`
	InFlightGoalID    string     `json:"in_flight_goal_id,omitempty"`
	InFlightStartedAt *time.Time `json:"in_flight_started_at,omitempty"`
	ClaimedBy         string     `json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	ClaimExpiresAt    *time.Time `json:"claim_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CronRunStatus is the lifecycle status of a cron job run.
type CronRunStatus string

const (
	CronRunStatusPending   CronRunStatus = "pending"
	CronRunStatusSubmitted CronRunStatus = "submitted"
	CronRunStatusSuccess   CronRunStatus = "success"
	CronRunStatusFailed    CronRunStatus = "failed"
)

// CronJobRun materializes one scheduled firing. (AgentID, RunKey) is unique;
// the run key is a deterministic hash of the firing, which is what makes
// repeated dispatch attempts idempotent.
type CronJobRun struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agent_id"`
	RunKey         string        `json:"run_key"`
	GoalID         string        `json:"goal_id,omitempty"`
	ScheduledFor   time.Time     `json:"scheduled_for"`
	CoalescedCount int           `json:"coalesced_count"`
	Status         CronRunStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}
