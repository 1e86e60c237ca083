package harvest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remilejeune/udata-harvest/errors"
)

// LaunchStatus is the state of a deferred run request.
type LaunchStatus string

const (
	LaunchQueued  LaunchStatus = "queued"
	LaunchRunning LaunchStatus = "running"
	LaunchDone    LaunchStatus = "done"
	LaunchFailed  LaunchStatus = "failed"
)

// ErrLaunchNotFound is returned for unknown launch ids.
var ErrLaunchNotFound = errors.New("launch not found")

// Launch is a persisted request to run a source in the background.
type Launch struct {
	ID          string       `json:"id"`
	Source      string       `json:"source"`
	Debug       bool         `json:"debug"`
	Status      LaunchStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	JobID       string       `json:"job_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

const launchSelectColumns = `id, source, debug, status, error, job_id,
		created_at, started_at, completed_at, updated_at`

// LaunchQueue stores launch requests in SQLite. Several worker processes can
// share one queue.
type LaunchQueue struct {
	db *sql.DB
}

// NewLaunchQueue creates a queue over a migrated database.
func NewLaunchQueue(db *sql.DB) *LaunchQueue {
	return &LaunchQueue{db: db}
}

// Enqueue records a request to run source.
func (q *LaunchQueue) Enqueue(ctx context.Context, source string, debug bool) (*Launch, error) {
	t := now()
	launch := &Launch{
		ID:        uuid.NewString(),
		Source:    source,
		Debug:     debug,
		Status:    LaunchQueued,
		CreatedAt: t,
		UpdatedAt: t,
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO harvest_launches (id, source, debug, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		launch.ID, launch.Source, launch.Debug, launch.Status, launch.CreatedAt, launch.UpdatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue launch")
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", source))
		return nil, err
	}
	return launch, nil
}

// Dequeue claims the oldest queued request and marks it running. It returns
// nil when the queue is empty. The claim is a conditional UPDATE; losing the
// race to another worker moves on to the next request.
func (q *LaunchQueue) Dequeue(ctx context.Context) (*Launch, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := q.db.QueryRowContext(ctx, `
			SELECT id FROM harvest_launches
			WHERE status = 'queued'
			ORDER BY created_at, rowid
			LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to get queued launches")
		}

		t := now()
		res, err := q.db.ExecContext(ctx, `
			UPDATE harvest_launches SET status = 'running', started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'`, t, t, id)
		if err != nil {
			err = errors.Wrap(err, "failed to mark launch as running")
			return nil, errors.WithDetail(err, fmt.Sprintf("Launch ID: %s", id))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return q.Get(ctx, id)
		}
	}
	return nil, nil
}

// Complete marks a launch done with the job it produced.
func (q *LaunchQueue) Complete(ctx context.Context, id, jobID string) error {
	t := now()
	return q.finish(ctx, id, LaunchDone, sql.NullString{}, nullString(jobID), t)
}

// Fail marks a launch failed.
func (q *LaunchQueue) Fail(ctx context.Context, id string, cause error) error {
	t := now()
	return q.finish(ctx, id, LaunchFailed, sql.NullString{String: cause.Error(), Valid: true}, sql.NullString{}, t)
}

func (q *LaunchQueue) finish(ctx context.Context, id string, status LaunchStatus, msg, jobID sql.NullString, t time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE harvest_launches
		SET status = ?, error = ?, job_id = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		status, msg, jobID, t, t, id)
	if err != nil {
		err = errors.Wrapf(err, "failed to mark launch %s", status)
		return errors.WithDetail(err, fmt.Sprintf("Launch ID: %s", id))
	}
	return requireAffected(res, errors.Wrapf(ErrLaunchNotFound, "%s", id))
}

// Requeue puts a running launch back in the queue.
func (q *LaunchQueue) Requeue(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE harvest_launches SET status = 'queued', started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`, now(), id)
	if err != nil {
		return errors.Wrapf(err, "requeue launch %s", id)
	}
	return requireAffected(res, errors.Wrapf(ErrLaunchNotFound, "running launch %s", id))
}

// RequeueRunning puts every running launch back in the queue. Called at
// startup, when nothing can legitimately be running.
func (q *LaunchQueue) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE harvest_launches SET status = 'queued', started_at = NULL, updated_at = ?
		WHERE status = 'running'`, now())
	if err != nil {
		return 0, errors.Wrap(err, "requeue running launches")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get loads a launch by id.
func (q *LaunchQueue) Get(ctx context.Context, id string) (*Launch, error) {
	launch, err := scanLaunch(q.db.QueryRowContext(ctx,
		`SELECT `+launchSelectColumns+` FROM harvest_launches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrLaunchNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get launch %s", id)
	}
	return launch, nil
}

// List returns launches newest first, optionally filtered by status.
func (q *LaunchQueue) List(ctx context.Context, status LaunchStatus, limit int) ([]*Launch, error) {
	query := `SELECT ` + launchSelectColumns + ` FROM harvest_launches`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list launches")
	}
	defer rows.Close()

	var launches []*Launch
	for rows.Next() {
		launch, err := scanLaunch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan launch")
		}
		launches = append(launches, launch)
	}
	return launches, errors.Wrap(rows.Err(), "iterate launches")
}

// Counts returns the number of queued and running launches.
func (q *LaunchQueue) Counts(ctx context.Context) (queued, running int, err error) {
	err = q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0)
		FROM harvest_launches`).Scan(&queued, &running)
	if err != nil {
		return 0, 0, errors.Wrap(err, "count launches")
	}
	return queued, running, nil
}

// Cleanup deletes finished launches older than olderThan.
func (q *LaunchQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM harvest_launches
		WHERE status IN ('done', 'failed') AND updated_at < ?`, now().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "cleanup launches")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanLaunch(row rowScanner) (*Launch, error) {
	var (
		l           Launch
		msg         sql.NullString
		jobID       sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.Source, &l.Debug, &l.Status, &msg, &jobID,
		&l.CreatedAt, &startedAt, &completedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Error = msg.String
	l.JobID = jobID.String
	if startedAt.Valid {
		l.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		l.CompletedAt = &completedAt.Time
	}
	return &l, nil
}
