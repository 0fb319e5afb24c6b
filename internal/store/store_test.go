package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/replaykit/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.bolt"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("bolt", func(t *testing.T) { fn(t, newTestBoltStore(t)) })
}

func seedInstance(t *testing.T, s Store, name, parent string) *Instance {
	t.Helper()
	inst := &Instance{
		InstanceID:       uuid.NewString(),
		ExecutionID:      uuid.NewString(),
		Name:             name,
		ParentInstanceID: parent,
		Status:           schema.StatusPending,
		Input:            json.RawMessage(`{"n":1}`),
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func TestInstanceLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		inst := seedInstance(t, s, "checkout", "")

		got, err := s.GetInstance(ctx, inst.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, "checkout", got.Name)
		assert.Equal(t, schema.StatusPending, got.Status)
		assert.JSONEq(t, `{"n":1}`, string(got.Input))
		assert.False(t, got.CreatedAt.IsZero())

		running := schema.StatusRunning
		require.NoError(t, s.UpdateInstance(ctx, inst.InstanceID, InstanceUpdate{Status: &running}))

		done := schema.StatusFailed
		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.UpdateInstance(ctx, inst.InstanceID, InstanceUpdate{
			Status:       &done,
			Error:        schema.NewError(schema.ErrCodeTaskFailed, "boom").WithTarget("charge"),
			CustomStatus: json.RawMessage(`"step 3"`),
			CompletedAt:  &now,
		}))

		got, err = s.GetInstance(ctx, inst.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, schema.ErrCodeTaskFailed, got.Error.Code)
		assert.Equal(t, "charge", got.Error.Target)
		assert.JSONEq(t, `"step 3"`, string(got.CustomStatus))
		require.NotNil(t, got.CompletedAt)
		assert.True(t, now.Equal(*got.CompletedAt))
	})
}

func TestInstanceErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		inst := seedInstance(t, s, "dup", "")

		err := s.CreateInstance(ctx, &Instance{InstanceID: inst.InstanceID, ExecutionID: "x", Name: "dup", Status: schema.StatusPending})
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

		_, err = s.GetInstance(ctx, "missing")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		running := schema.StatusRunning
		err = s.UpdateInstance(ctx, "missing", InstanceUpdate{Status: &running})
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestListInstances(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := seedInstance(t, s, "parent", "")
		seedInstance(t, s, "child", parent.InstanceID)
		seedInstance(t, s, "child", parent.InstanceID)
		other := seedInstance(t, s, "other", "")

		completed := schema.StatusCompleted
		require.NoError(t, s.UpdateInstance(ctx, other.InstanceID, InstanceUpdate{Status: &completed}))

		all, err := s.ListInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		children, err := s.ListInstances(ctx, InstanceFilter{Parent: parent.InstanceID})
		require.NoError(t, err)
		assert.Len(t, children, 2)

		byName, err := s.ListInstances(ctx, InstanceFilter{Name: "child", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, byName, 1)

		done, err := s.ListInstances(ctx, InstanceFilter{Status: &completed})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, other.InstanceID, done[0].InstanceID)
	})
}

func TestHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uuid.NewString()

		events := []*schema.HistoryEvent{
			{InstanceID: id, Type: schema.HistoryExecutionStarted, Payload: json.RawMessage(`{"a":1}`)},
			{InstanceID: id, Type: schema.HistoryTaskScheduled, Name: "charge", TaskID: 1},
			{InstanceID: id, Type: schema.HistoryTaskFailed, TaskID: 1, Error: schema.NewError(schema.ErrCodeTaskFailed, "declined")},
			{InstanceID: id, Type: schema.HistoryEventRaised, Name: "approval", Step: 3},
		}
		for i, e := range events {
			require.NoError(t, s.AppendHistory(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}

		all, err := LoadHistory(ctx, s, id)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "charge", all[1].Name)
		assert.Equal(t, int64(1), all[1].TaskID)
		require.NotNil(t, all[2].Error)
		assert.Equal(t, "declined", all[2].Error.Message)
		assert.Equal(t, int64(3), all[3].Step)

		tail, err := s.GetHistory(ctx, id, 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, int64(3), tail[0].Sequence)

		require.NoError(t, s.PurgeHistory(ctx, id))
		empty, err := s.GetHistory(ctx, id, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
		require.NoError(t, s.PurgeHistory(ctx, "never-written"))
	})
}

func TestHistory_ConcurrentAppendsStayContiguous(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uuid.NewString()

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendHistory(ctx, &schema.HistoryEvent{InstanceID: id, Type: schema.HistoryTimerFired}))
			}()
		}
		wg.Wait()

		events, err := LoadHistory(ctx, s, id)
		require.NoError(t, err)
		assert.Len(t, events, 20)
	})
}

func TestValidateHistory_DetectsGap(t *testing.T) {
	err := ValidateHistory("i", []*schema.HistoryEvent{{Sequence: 1}, {Sequence: 3}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.NoError(t, ValidateHistory("i", nil))
}

func TestEntities(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		counter := schema.NewEntityID("Counter", "a").String()

		_, err := s.GetEntity(ctx, counter)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		state := &schema.SchedulerState{
			EntityExists: true,
			EntityState:  json.RawMessage(`7`),
			LockedBy:     "orch-1",
			Queue:        []*schema.RequestMessage{{ID: uuid.New(), ParentInstanceID: "orch-2", Operation: "add"}},
		}
		require.NoError(t, s.PutEntity(ctx, counter, state))
		require.NoError(t, s.PutEntity(ctx, schema.NewEntityID("counter", "b").String(), &schema.SchedulerState{EntityExists: true}))
		require.NoError(t, s.PutEntity(ctx, schema.NewEntityID("account", "x").String(), &schema.SchedulerState{EntityExists: true}))

		got, err := s.GetEntity(ctx, counter)
		require.NoError(t, err)
		assert.True(t, got.EntityExists)
		assert.JSONEq(t, `7`, string(got.EntityState))
		assert.Equal(t, "orch-1", got.LockedBy)
		require.Len(t, got.Queue, 1)
		assert.Equal(t, "add", got.Queue[0].Operation)

		ids, err := s.ListEntities(ctx, "COUNTER")
		require.NoError(t, err)
		assert.Equal(t, []string{"@counter@a", "@counter@b"}, ids)

		all, err := s.ListEntities(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		require.NoError(t, s.PutEntity(ctx, counter, &schema.SchedulerState{}))
		_, err = s.GetEntity(ctx, counter)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "empty state deletes the checkpoint")
	})
}

func TestScheduledJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
		job := &ScheduledJob{
			ID:                "nightly",
			OrchestrationName: "report",
			CronExpression:    "0 2 * * *",
			Input:             json.RawMessage(`{"full":true}`),
			Enabled:           true,
			NextRunAt:         &next,
		}
		require.NoError(t, s.CreateScheduledJob(ctx, job))
		require.NoError(t, s.CreateScheduledJob(ctx, &ScheduledJob{ID: "paused", OrchestrationName: "x", CronExpression: "@hourly"}))
		assert.True(t, schema.HasCode(s.CreateScheduledJob(ctx, job), schema.ErrCodeConflict))

		got, err := s.GetScheduledJob(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, "report", got.OrchestrationName)
		require.NotNil(t, got.NextRunAt)
		assert.True(t, next.Equal(*got.NextRunAt))

		ran := next.Add(time.Minute)
		require.NoError(t, s.UpdateScheduledJob(ctx, "nightly", ScheduledJobUpdate{
			LastRunAt:      &ran,
			LastRunStatus:  "started",
			LastInstanceID: "inst-1",
		}))
		got, err = s.GetScheduledJob(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, "started", got.LastRunStatus)
		assert.Equal(t, "inst-1", got.LastInstanceID)

		enabled := true
		jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "nightly", jobs[0].ID)

		require.NoError(t, s.DeleteScheduledJob(ctx, "nightly"))
		assert.True(t, schema.HasCode(s.DeleteScheduledJob(ctx, "nightly"), schema.ErrCodeNotFound))
		_, err = s.GetScheduledJob(ctx, "nightly")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestLibSQLMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_history_index.sql": {Data: []byte("CREATE INDEX x ON history(instance_id);")},
		"m/001_initial.sql":       {Data: []byte("-- tables\nCREATE TABLE a (id TEXT);\n-- only a comment;\n")},
		"m/README.md":             {Data: []byte("not a migration")},
	}
	got, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, "initial", got[0].Name)
	assert.Equal(t, 2, got[1].Version)
	assert.Equal(t, []string{"CREATE TABLE a (id TEXT)"}, splitStatements(got[0].SQL))

	_, err = loadMigrations(fstest.MapFS{"m/first.sql": {Data: []byte("SELECT 1")}}, "m")
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))

	_, err = loadMigrations(fstest.MapFS{
		"m/001_a.sql": {Data: []byte("SELECT 1")},
		"m/1_b.sql":   {Data: []byte("SELECT 1")},
	}, "m")
	assert.ErrorContains(t, err, "share version 1")
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{"semicolon in comment", "-- one row per id; ids never change\nCREATE TABLE a (id TEXT);\nCREATE INDEX i ON a(id);", []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX i ON a(id)"}},
		{"trailing comment", "CREATE TABLE a (id TEXT); -- done; really", []string{"CREATE TABLE a (id TEXT)"}},
		{"literal kept", "INSERT INTO a VALUES ('x;y -- z', 'it''s');", []string{"INSERT INTO a VALUES ('x;y -- z', 'it''s')"}},
		{"comments only", "-- nothing;\n-- here\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.script))
		})
	}
}

func TestEmbeddedMigrationsSplitCleanly(t *testing.T) {
	migrations, err := loadMigrations(migrationFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for _, m := range migrations {
		for _, stmt := range splitStatements(m.SQL) {
			assert.Regexp(t, `^(?i)(CREATE|INSERT|ALTER|DROP)\b`, stmt, "migration %d", m.Version)
		}
	}
}

func TestRunMigrations_FailedScriptRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	broken := []migration{{Version: 2, Name: "broken", SQL: "CREATE TABLE ok_table (id TEXT); NOT SQL AT ALL"}}

	err := runMigrations(ctx, s.DB(), broken)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'ok_table'`).Scan(&n))
	assert.Zero(t, n)
}
