package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rendis/replaykit/pkg/schema"
)

var (
	// instanceBucketKey holds Instance values marshaled as JSON, keyed by instance id.
	instanceBucketKey = []byte("instances")

	// historyBucketKey holds one child bucket per instance. Keys within the
	// child are sequences encoded as 8-byte big-endian packets.
	historyBucketKey = []byte("history")

	// entityBucketKey holds SchedulerState values keyed by entity instance id.
	entityBucketKey = []byte("entities")

	// jobBucketKey holds ScheduledJob values keyed by job id.
	jobBucketKey = []byte("scheduled_jobs")
)

// errStop ends a bbolt transaction without reporting a failure to the caller.
var errStop = errors.New("stop")

// BoltStore implements the Store interface on a single bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Migrate creates the root buckets.
func (s *BoltStore) Migrate(context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, k := range [][]byte{instanceBucketKey, historyBucketKey, entityBucketKey, jobBucketKey} {
			if _, err := tx.CreateBucketIfNotExists(k); err != nil {
				return fmt.Errorf("create bucket %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- Instances ---

func (s *BoltStore) CreateInstance(_ context.Context, inst *Instance) error {
	c := *inst
	c.CreatedAt = timeOrNow(inst.CreatedAt)
	c.UpdatedAt = timeOrNow(inst.UpdatedAt)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(instanceBucketKey)
		if b.Get([]byte(inst.InstanceID)) != nil {
			return storeConflict("instance", inst.InstanceID)
		}
		return putJSON(b, inst.InstanceID, &c)
	})
}

func (s *BoltStore) GetInstance(_ context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(instanceBucketKey), "instance", instanceID, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) UpdateInstance(_ context.Context, instanceID string, update InstanceUpdate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(instanceBucketKey)
		var inst Instance
		if err := getJSON(b, "instance", instanceID, &inst); err != nil {
			return err
		}
		update.apply(&inst, time.Now().UTC())
		return putJSON(b, instanceID, &inst)
	})
}

func (s *BoltStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*Instance, error) {
	var out []*Instance
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(instanceBucketKey).ForEach(func(_, v []byte) error {
			inst := &Instance{}
			if err := json.Unmarshal(v, inst); err != nil {
				return err
			}
			if filter.match(inst) {
				out = append(out, inst)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Instance) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- History ---

func (s *BoltStore) AppendHistory(_ context.Context, event *schema.HistoryEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(historyBucketKey).CreateBucketIfNotExists([]byte(event.InstanceID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Sequence = int64(seq)
		event.Timestamp = timeOrNow(event.Timestamp)
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		return b.Put(marshalUint64(seq), data)
	})
}

func (s *BoltStore) GetHistory(_ context.Context, instanceID string, since int64) ([]*schema.HistoryEvent, error) {
	var out []*schema.HistoryEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(historyBucketKey).Bucket([]byte(instanceID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(marshalUint64(uint64(since) + 1)); k != nil; k, v = c.Next() {
			e := &schema.HistoryEvent{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("unmarshal history: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PurgeHistory(_ context.Context, instanceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(historyBucketKey).DeleteBucket([]byte(instanceID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// --- Entities ---

func (s *BoltStore) GetEntity(_ context.Context, entityID string) (*schema.SchedulerState, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(entityBucketKey).Get([]byte(entityID))
		if v == nil {
			return storeNotFound("entity", entityID)
		}
		data = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeEntity(entityID, data)
}

func (s *BoltStore) PutEntity(_ context.Context, entityID string, state *schema.SchedulerState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(entityBucketKey)
		if state == nil || state.IsEmpty() {
			return b.Delete([]byte(entityID))
		}
		return putJSON(b, entityID, state)
	})
}

func (s *BoltStore) ListEntities(_ context.Context, name string) ([]string, error) {
	prefix := []byte(entityPrefix(name))
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entityBucketKey).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

// --- Scheduled jobs ---

func (s *BoltStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	c := *job
	c.CreatedAt = timeOrNow(job.CreatedAt)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobBucketKey)
		if b.Get([]byte(job.ID)) != nil {
			return storeConflict("scheduled job", job.ID)
		}
		return putJSON(b, job.ID, &c)
	})
}

func (s *BoltStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	var job ScheduledJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(jobBucketKey), "scheduled job", id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobBucketKey)
		var job ScheduledJob
		if err := getJSON(b, "scheduled job", id, &job); err != nil {
			return err
		}
		update.apply(&job)
		return putJSON(b, id, &job)
	})
}

func (s *BoltStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var out []*ScheduledJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobBucketKey).ForEach(func(_, v []byte) error {
			job := &ScheduledJob{}
			if err := json.Unmarshal(v, job); err != nil {
				return err
			}
			if filter.Enabled != nil && job.Enabled != *filter.Enabled {
				return nil
			}
			out = append(out, job)
			if filter.Limit > 0 && len(out) == filter.Limit {
				return errStop
			}
			return nil
		})
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return out, err
}

func (s *BoltStore) DeleteScheduledJob(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobBucketKey)
		if b.Get([]byte(id)) == nil {
			return storeNotFound("scheduled job", id)
		}
		return b.Delete([]byte(id))
	})
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bbolt.Bucket, resource, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return storeNotFound(resource, key)
	}
	return json.Unmarshal(data, v)
}

func marshalUint64(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

var _ Store = (*BoltStore)(nil)
