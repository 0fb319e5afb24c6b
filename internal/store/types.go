package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// Instance is the persisted representation of an orchestration instance.
type Instance struct {
	InstanceID       string                `json:"instance_id"`
	ExecutionID      string                `json:"execution_id"`
	Name             string                `json:"name"`
	ParentInstanceID string                `json:"parent_instance_id,omitempty"`
	Status           schema.InstanceStatus `json:"status"`
	Input            json.RawMessage       `json:"input,omitempty"`
	Output           json.RawMessage       `json:"output,omitempty"`
	Error            *schema.DurableError  `json:"error,omitempty"`
	CustomStatus     json.RawMessage       `json:"custom_status,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

// Identity returns the instance identity of the current execution.
func (i *Instance) Identity() schema.InstanceIdentity {
	return schema.InstanceIdentity{InstanceID: i.InstanceID, ExecutionID: i.ExecutionID}
}

// ScheduledJob is a cron-triggered orchestration start.
type ScheduledJob struct {
	ID                string          `json:"id"`
	OrchestrationName string          `json:"orchestration_name"`
	CronExpression    string          `json:"cron_expression"`
	Input             json.RawMessage `json:"input,omitempty"`
	Enabled           bool            `json:"enabled"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus     string          `json:"last_run_status,omitempty"`
	LastInstanceID    string          `json:"last_instance_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status *schema.InstanceStatus `json:"status,omitempty"`
	Name   string                 `json:"name,omitempty"`
	Parent string                 `json:"parent,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance. Nil fields are left
// untouched.
type InstanceUpdate struct {
	Status       *schema.InstanceStatus `json:"status,omitempty"`
	ExecutionID  *string                `json:"execution_id,omitempty"`
	Input        json.RawMessage        `json:"input,omitempty"`
	Output       json.RawMessage        `json:"output,omitempty"`
	Error        *schema.DurableError   `json:"error,omitempty"`
	CustomStatus json.RawMessage        `json:"custom_status,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

func (u *InstanceUpdate) apply(inst *Instance, now time.Time) {
	if u.Status != nil {
		inst.Status = *u.Status
	}
	if u.ExecutionID != nil {
		inst.ExecutionID = *u.ExecutionID
	}
	if u.Input != nil {
		inst.Input = u.Input
	}
	if u.Output != nil {
		inst.Output = u.Output
	}
	if u.Error != nil {
		inst.Error = u.Error
	}
	if u.CustomStatus != nil {
		inst.CustomStatus = u.CustomStatus
	}
	if u.CompletedAt != nil {
		inst.CompletedAt = u.CompletedAt
	}
	inst.UpdatedAt = now
}

func (f *InstanceFilter) match(inst *Instance) bool {
	if f.Status != nil && inst.Status != *f.Status {
		return false
	}
	if f.Name != "" && inst.Name != f.Name {
		return false
	}
	if f.Parent != "" && inst.ParentInstanceID != f.Parent {
		return false
	}
	return true
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled        *bool      `json:"enabled,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastInstanceID string     `json:"last_instance_id,omitempty"`
}

func (u *ScheduledJobUpdate) apply(job *ScheduledJob) {
	if u.Enabled != nil {
		job.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		job.LastRunAt = u.LastRunAt
	}
	if u.NextRunAt != nil {
		job.NextRunAt = u.NextRunAt
	}
	if u.LastRunStatus != "" {
		job.LastRunStatus = u.LastRunStatus
	}
	if u.LastInstanceID != "" {
		job.LastInstanceID = u.LastInstanceID
	}
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
