package store

import (
	"context"

	"github.com/rendis/replaykit/pkg/schema"
)

// Store defines the persistence layer contract of the host.
// All implementations must be safe for concurrent use.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	UpdateInstance(ctx context.Context, instanceID string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// History (append-only per instance)
	AppendHistory(ctx context.Context, event *schema.HistoryEvent) error
	GetHistory(ctx context.Context, instanceID string, since int64) ([]*schema.HistoryEvent, error)
	PurgeHistory(ctx context.Context, instanceID string) error

	// Entity checkpoints
	GetEntity(ctx context.Context, entityID string) (*schema.SchedulerState, error)
	PutEntity(ctx context.Context, entityID string, state *schema.SchedulerState) error
	ListEntities(ctx context.Context, name string) ([]string, error)

	// Scheduled starts
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.DurableError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}
