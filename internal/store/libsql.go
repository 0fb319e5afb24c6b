package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/replaykit/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationFS, "migrations")
	if err != nil {
		return err
	}
	return runMigrations(ctx, s.db, migrations)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Instances ---

const instanceColumns = `instance_id, execution_id, name, parent_instance_id, status, input, output, error, custom_status, created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	errJSON, err := marshalError(inst.Error)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.InstanceID, inst.ExecutionID, inst.Name, nullStr(inst.ParentInstanceID), string(inst.Status),
		nullRaw(inst.Input), nullRaw(inst.Output), errJSON, nullRaw(inst.CustomStatus),
		timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt), nullTime(inst.CompletedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return storeConflict("instance", inst.InstanceID)
	}
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", instanceID)
	}
	return inst, err
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, instanceID string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ExecutionID != nil {
		sets = append(sets, "execution_id = ?")
		args = append(args, *update.ExecutionID)
	}
	if update.Input != nil {
		sets = append(sets, "input = ?")
		args = append(args, string(update.Input))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		errJSON, err := marshalError(update.Error)
		if err != nil {
			return err
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	}
	if update.CustomStatus != nil {
		sets = append(sets, "custom_status = ?")
		args = append(args, string(update.CustomStatus))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), instanceID)

	query := fmt.Sprintf("UPDATE instances SET %s WHERE instance_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", instanceID)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Parent != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, filter.Parent)
	}

	query := "SELECT " + instanceColumns + " FROM instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		parent, status                     sql.NullString
		input, output, errJSON, custStatus sql.NullString
		completedAt                        sql.NullTime
	)
	if err := row.Scan(&inst.InstanceID, &inst.ExecutionID, &inst.Name, &parent, &status,
		&input, &output, &errJSON, &custStatus, &inst.CreatedAt, &inst.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	inst.ParentInstanceID = parent.String
	inst.Status = schema.InstanceStatus(status.String)
	inst.Input = rawOrNil(input)
	inst.Output = rawOrNil(output)
	inst.CustomStatus = rawOrNil(custStatus)
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	derr, err := unmarshalError(errJSON)
	if err != nil {
		return nil, err
	}
	inst.Error = derr
	return inst, nil
}

// --- History ---

// AppendHistory appends an event with the next per-instance sequence. The write
// lock is taken up front so concurrent appenders never read the same MAX.
func (s *LibSQLStore) AppendHistory(ctx context.Context, event *schema.HistoryEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx alone starts a deferred transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM history WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	errJSON, err := marshalError(event.Error)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (instance_id, sequence, event_type, name, task_id, step, payload, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID, seq, event.Type, nullStr(event.Name), event.TaskID, event.Step,
		nullRaw(event.Payload), errJSON, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetHistory(ctx context.Context, instanceID string, since int64) ([]*schema.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, sequence, event_type, name, task_id, step, payload, error, timestamp
		 FROM history WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`, instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.HistoryEvent
	for rows.Next() {
		e := &schema.HistoryEvent{}
		var name, payload, errJSON sql.NullString
		if err := rows.Scan(&e.InstanceID, &e.Sequence, &e.Type, &name, &e.TaskID, &e.Step,
			&payload, &errJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Name = name.String
		e.Payload = rawOrNil(payload)
		if e.Error, err = unmarshalError(errJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) PurgeHistory(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE instance_id = ?`, instanceID)
	return err
}

// --- Entities ---

func (s *LibSQLStore) GetEntity(ctx context.Context, entityID string) (*schema.SchedulerState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM entities WHERE entity_id = ?`, entityID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("entity", entityID)
	}
	if err != nil {
		return nil, err
	}
	return decodeEntity(entityID, []byte(data))
}

func (s *LibSQLStore) PutEntity(ctx context.Context, entityID string, state *schema.SchedulerState) error {
	if state == nil || state.IsEmpty() {
		_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_id = ?`, entityID)
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal entity %s: %v", entityID, err).WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (entity_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		entityID, string(data), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) ListEntities(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM entities WHERE entity_id LIKE ? ORDER BY entity_id ASC`, entityPrefix(name)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- Scheduled jobs ---

const jobColumns = `id, orchestration_name, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, last_instance_id, created_at`

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrchestrationName, job.CronExpression, nullRaw(job.Input), job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), nullStr(job.LastInstanceID),
		timeOrNow(job.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return storeConflict("scheduled job", job.ID)
	}
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastInstanceID != "" {
		sets = append(sets, "last_instance_id = ?")
		args = append(args, update.LastInstanceID)
	}
	if len(sets) == 0 {
		_, err := s.GetScheduledJob(ctx, id)
		return err
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := "SELECT " + jobColumns + " FROM scheduled_jobs"
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, *filter.Enabled)
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		input, status, lastInstance sql.NullString
		lastRun, nextRun            sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.OrchestrationName, &job.CronExpression, &input, &job.Enabled,
		&lastRun, &nextRun, &status, &lastInstance, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Input = rawOrNil(input)
	job.LastRunStatus = status.String
	job.LastInstanceID = lastInstance.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalError(e *schema.DurableError) (any, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	return string(data), nil
}

func unmarshalError(ns sql.NullString) (*schema.DurableError, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var e schema.DurableError
	if err := json.Unmarshal([]byte(ns.String), &e); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return &e, nil
}

var _ Store = (*LibSQLStore)(nil)
