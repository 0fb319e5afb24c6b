package store

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// MemoryStore keeps everything in process memory. Values are copied on the
// way in and out, so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	history   map[string][]*schema.HistoryEvent
	entities  map[string][]byte
	jobs      map[string]*ScheduledJob
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		history:   make(map[string][]*schema.HistoryEvent),
		entities:  make(map[string][]byte),
		jobs:      make(map[string]*ScheduledJob),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- Instances ---

func (s *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.InstanceID]; ok {
		return storeConflict("instance", inst.InstanceID)
	}
	c := *inst
	c.CreatedAt = timeOrNow(inst.CreatedAt)
	c.UpdatedAt = timeOrNow(inst.UpdatedAt)
	s.instances[inst.InstanceID] = &c
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, instanceID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, storeNotFound("instance", instanceID)
	}
	c := *inst
	return &c, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, instanceID string, update InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return storeNotFound("instance", instanceID)
	}
	update.apply(inst, time.Now().UTC())
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if filter.match(inst) {
			c := *inst
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *Instance) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- History ---

func (s *MemoryStore) AppendHistory(_ context.Context, event *schema.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[event.InstanceID]
	event.Sequence = int64(len(h)) + 1
	event.Timestamp = timeOrNow(event.Timestamp)
	c := *event
	s.history[event.InstanceID] = append(h, &c)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, instanceID string, since int64) ([]*schema.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.HistoryEvent
	for _, e := range s.history[instanceID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeHistory(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, instanceID)
	return nil
}

// --- Entities ---

func (s *MemoryStore) GetEntity(_ context.Context, entityID string) (*schema.SchedulerState, error) {
	s.mu.RLock()
	data, ok := s.entities[entityID]
	s.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("entity", entityID)
	}
	return decodeEntity(entityID, data)
}

func (s *MemoryStore) PutEntity(_ context.Context, entityID string, state *schema.SchedulerState) error {
	if state == nil || state.IsEmpty() {
		s.mu.Lock()
		delete(s.entities, entityID)
		s.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal entity %s: %v", entityID, err).WithCause(err)
	}
	s.mu.Lock()
	s.entities[entityID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEntities(_ context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := entityPrefix(name)
	var out []string
	for id := range s.entities {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// --- Scheduled jobs ---

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return storeConflict("scheduled job", job.ID)
	}
	c := *job
	c.CreatedAt = timeOrNow(job.CreatedAt)
	s.jobs[job.ID] = &c
	return nil
}

func (s *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	c := *job
	return &c, nil
}

func (s *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	update.apply(job)
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScheduledJob
	for _, job := range s.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		c := *job
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *ScheduledJob) int { return strings.Compare(a.ID, b.ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

// entityPrefix returns the instance id prefix shared by every key of the
// named entity, or "@" for all entities.
func entityPrefix(name string) string {
	if name == "" {
		return "@"
	}
	return "@" + strings.ToLower(name) + "@"
}

func decodeEntity(entityID string, data []byte) (*schema.SchedulerState, error) {
	var st schema.SchedulerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal entity %s: %v", entityID, err).WithCause(err)
	}
	return &st, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ Store = (*MemoryStore)(nil)
