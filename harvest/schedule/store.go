package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/remilejeune/udata-harvest/errors"
)

// ErrTaskNotFound is returned for unknown periodic task ids.
var ErrTaskNotFound = errors.New("periodic task not found")

const taskSelectColumns = `id, name, description, task, args,
		minute, hour, day_of_week, day_of_month, month_of_year,
		enabled, next_run_at, last_run_at, created_at, updated_at`

// Store persists periodic tasks in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates the crontab, computes the first run when unset and
// inserts the task.
func (s *Store) Create(ctx context.Context, task *PeriodicTask) error {
	task.Crontab = task.Crontab.Normalize()
	if task.NextRunAt == nil {
		next, err := task.Crontab.Next(time.Now().UTC())
		if err != nil {
			return err
		}
		task.NextRunAt = &next
	}
	args, err := json.Marshal(task.Args)
	if err != nil {
		return errors.Wrap(err, "encode task args")
	}
	c := task.Crontab
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_tasks (`+taskSelectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.Description, task.Task, string(args),
		c.Minute, c.Hour, c.DayOfWeek, c.DayOfMonth, c.MonthOfYear,
		task.Enabled, task.NextRunAt, task.LastRunAt, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create periodic task %q", task.Name)
	}
	return nil
}

// Get loads a task by id.
func (s *Store) Get(ctx context.Context, id string) (*PeriodicTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskSelectColumns+` FROM periodic_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrTaskNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get periodic task %s", id)
	}
	return task, nil
}

// Delete removes a task. Sources bound to it are unbound by the foreign key.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM periodic_tasks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete periodic task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrTaskNotFound, "%s", id)
	}
	return nil
}

// List returns every task ordered by next run.
func (s *Store) List(ctx context.Context) ([]*PeriodicTask, error) {
	return s.query(ctx, `SELECT `+taskSelectColumns+` FROM periodic_tasks
		ORDER BY next_run_at IS NULL, next_run_at`)
}

// ListDue returns enabled tasks whose next run is at or before now.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*PeriodicTask, error) {
	return s.query(ctx, `SELECT `+taskSelectColumns+` FROM periodic_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

// NextDue returns the enabled task firing soonest, or nil.
func (s *Store) NextDue(ctx context.Context) (*PeriodicTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM periodic_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL ORDER BY next_run_at LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "next due task")
	}
	return task, nil
}

// Claim records a firing at ranAt and moves the next activation to next,
// provided the task is still enabled and due at ranAt. It reports false when
// another scheduler sharing the database claimed the firing first.
func (s *Store) Claim(ctx context.Context, id string, ranAt, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE periodic_tasks SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		ranAt.UTC(), next.UTC(), time.Now().UTC(), id, ranAt.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "claim periodic task %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "claim periodic task %s", id)
	}
	return n == 1, nil
}

// SetEnabled pauses or resumes a task.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE periodic_tasks SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "update periodic task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrTaskNotFound, "%s", id)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*PeriodicTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query periodic tasks")
	}
	defer rows.Close()

	var tasks []*PeriodicTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan periodic task")
		}
		tasks = append(tasks, task)
	}
	return tasks, errors.Wrap(rows.Err(), "iterate periodic tasks")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*PeriodicTask, error) {
	var (
		t         PeriodicTask
		args      string
		nextRunAt sql.NullTime
		lastRunAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Task, &args,
		&t.Crontab.Minute, &t.Crontab.Hour, &t.Crontab.DayOfWeek,
		&t.Crontab.DayOfMonth, &t.Crontab.MonthOfYear,
		&t.Enabled, &nextRunAt, &lastRunAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return nil, errors.Wrapf(err, "decode args of task %s", t.ID)
	}
	if nextRunAt.Valid {
		t.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		t.LastRunAt = &lastRunAt.Time
	}
	return &t, nil
}
