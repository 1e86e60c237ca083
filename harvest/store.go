package harvest

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remilejeune/udata-harvest/db"
	"github.com/remilejeune/udata-harvest/errors"
)

// SourceRepository stores harvest sources.
type SourceRepository interface {
	FindSource(ctx context.Context, ident string) (*Source, error)
	ListSources(ctx context.Context) ([]*Source, error)
	CreateSource(ctx context.Context, source *Source) error
	UpdateSource(ctx context.Context, source *Source) error
	DeleteSource(ctx context.Context, id string) error
}

// JobRepository stores harvest jobs.
type JobRepository interface {
	// CreateJob inserts a pending job, or fails with ErrJobActive when the
	// source already has a non-terminal job.
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, sourceID string, limit int) ([]*Job, error)
	FindActiveJob(ctx context.Context, sourceID string) (*Job, error)
	LastJob(ctx context.Context, sourceID string) (*Job, error)
	ListStaleJobs(ctx context.Context, olderThan time.Time) ([]*Job, error)
	DeleteJobsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

const maxSlugAttempts = 1000

const terminalStatuses = `('done', 'done-errors', 'failed')`

// Store is the SQLite implementation of SourceRepository, JobRepository and
// RecordSink.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an opened and migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FindSource resolves ident as a slug first, then as an id.
func (s *Store) FindSource(ctx context.Context, ident string) (*Source, error) {
	query := `SELECT ` + sourceSelectColumns + ` FROM harvest_sources WHERE slug = ?`
	source, err := scanSource(s.db.QueryRowContext(ctx, query, ident))
	if err == nil {
		return source, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(err, "find source by slug %q", ident)
	}

	query = `SELECT ` + sourceSelectColumns + ` FROM harvest_sources WHERE id = ?`
	source, err = scanSource(s.db.QueryRowContext(ctx, query, ident))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrSourceNotFound, "%q", ident)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find source by id %q", ident)
	}
	return source, nil
}

// ListSources returns every source, oldest first.
func (s *Store) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceSelectColumns+` FROM harvest_sources ORDER BY created_at, slug`)
	if err != nil {
		return nil, errors.Wrap(err, "list sources")
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan source")
		}
		sources = append(sources, source)
	}
	return sources, errors.Wrap(rows.Err(), "iterate sources")
}

// CreateSource inserts source. ID, CreatedAt and Frequency are filled in when
// empty. The slug is derived from the name and disambiguated with a numeric
// suffix when taken or shaped like a source id, so an existing source is
// never overwritten or shadowed.
func (s *Store) CreateSource(ctx context.Context, source *Source) error {
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now()
	}
	if source.Frequency == "" {
		source.Frequency = DefaultFrequency
	}
	base := source.Slug
	if base == "" {
		base = Slugify(source.Name)
	}
	if base == "" {
		return errors.Wrapf(ErrInvalidSource, "name %q yields an empty slug", source.Name)
	}
	config, err := marshalConfig(source.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO harvest_sources (
			id, slug, name, description, url, backend, config,
			owner, organization, periodic_task_id, frequency, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	first := 1
	if _, err := uuid.Parse(base); err == nil {
		// a slug shaped like an id would shadow that id in FindSource
		first = 2
	}
	for n := first; n <= maxSlugAttempts; n++ {
		slug := slugCandidate(base, n)
		_, err := s.db.ExecContext(ctx, query,
			source.ID, slug, source.Name, source.Description, source.URL,
			source.Backend, config,
			nullString(source.Owner), nullString(source.Organization),
			nullString(source.PeriodicTaskID),
			source.Frequency, source.Active, source.CreatedAt,
		)
		if err == nil {
			source.Slug = slug
			return nil
		}
		if !db.IsUniqueViolation(err) || !strings.Contains(err.Error(), "harvest_sources.slug") {
			return errors.Wrapf(err, "create source %q", source.Name)
		}
	}
	return errors.Newf("no free slug for %q after %d attempts", base, maxSlugAttempts)
}

// UpdateSource saves the mutable fields of source. Slug and creation date
// never change.
func (s *Store) UpdateSource(ctx context.Context, source *Source) error {
	config, err := marshalConfig(source.Config)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE harvest_sources SET
			name = ?, description = ?, url = ?, backend = ?, config = ?,
			owner = ?, organization = ?, periodic_task_id = ?, frequency = ?, active = ?
		WHERE id = ?`,
		source.Name, source.Description, source.URL, source.Backend, config,
		nullString(source.Owner), nullString(source.Organization),
		nullString(source.PeriodicTaskID), source.Frequency, source.Active,
		source.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update source %s", source.ID)
	}
	return requireAffected(res, errors.Wrapf(ErrSourceNotFound, "%s", source.ID))
}

// BindPeriodicTask sets the periodic task of a source that has none.
func (s *Store) BindPeriodicTask(ctx context.Context, sourceID, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE harvest_sources SET periodic_task_id = ? WHERE id = ? AND periodic_task_id IS NULL`,
		taskID, sourceID)
	if err != nil {
		return errors.Wrapf(err, "bind task %s to source %s", taskID, sourceID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrAlreadyScheduled, "source %s", sourceID)
	}
	return nil
}

// UnschedulePeriodicTask clears the task of a source and deletes it.
func (s *Store) UnschedulePeriodicTask(ctx context.Context, sourceID, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin unschedule")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE harvest_sources SET periodic_task_id = NULL WHERE id = ? AND periodic_task_id = ?`,
		sourceID, taskID)
	if err != nil {
		return errors.Wrapf(err, "unbind task %s from source %s", taskID, sourceID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotScheduled, "source %s", sourceID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM periodic_tasks WHERE id = ?`, taskID); err != nil {
		return errors.Wrapf(err, "delete periodic task %s", taskID)
	}
	return errors.Wrap(tx.Commit(), "commit unschedule")
}

// DeleteSource removes the source and its periodic task. Its jobs are kept
// with their source_id cleared.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete source")
	}
	defer tx.Rollback()

	var taskID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT periodic_task_id FROM harvest_sources WHERE id = ?`, id).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrSourceNotFound, "%s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "load source %s", id)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE harvest_jobs SET source_id = NULL WHERE source_id = ?`, id); err != nil {
		return errors.Wrapf(err, "detach jobs of source %s", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM harvest_sources WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "delete source %s", id)
	}
	if taskID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM periodic_tasks WHERE id = ?`, taskID.String); err != nil {
			return errors.Wrapf(err, "delete periodic task %s", taskID.String)
		}
	}
	return errors.Wrap(tx.Commit(), "commit delete source")
}

// CreateJob inserts job. The partial unique index on active jobs makes the
// insert fail when the source already has one.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	errorsJSON, itemsJSON, err := marshalJobColumns(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO harvest_jobs (
			id, source_id, status, errors, items,
			created_at, started_at, ended_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullString(job.SourceID), job.Status, errorsJSON, itemsJSON,
		job.CreatedAt, job.StartedAt, job.EndedAt, job.UpdatedAt,
	)
	if db.IsUniqueViolation(err) && strings.Contains(err.Error(), "harvest_jobs.source_id") {
		return errors.Wrapf(ErrJobActive, "source %s", job.SourceID)
	}
	if err != nil {
		return errors.Wrapf(err, "create job for source %s", job.SourceID)
	}
	return nil
}

// UpdateJob saves job. A job already stored as terminal is immutable.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	errorsJSON, itemsJSON, err := marshalJobColumns(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE harvest_jobs SET
			status = ?, errors = ?, items = ?,
			started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		job.Status, errorsJSON, itemsJSON,
		job.StartedAt, job.EndedAt, job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return errors.Wrapf(ErrInvalidTransition, "job %s is already terminal", job.ID)
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobSelectColumns+` FROM harvest_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

// ListJobs returns the jobs of a source, newest first. An empty sourceID
// lists every job; limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, sourceID string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM harvest_jobs`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// FindActiveJob returns the non-terminal job of a source.
func (s *Store) FindActiveJob(ctx context.Context, sourceID string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobSelectColumns+` FROM harvest_jobs
		WHERE source_id = ? AND status NOT IN `+terminalStatuses, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "no active job for source %s", sourceID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find active job for source %s", sourceID)
	}
	return job, nil
}

// LastJob returns the most recently created job of a source.
func (s *Store) LastJob(ctx context.Context, sourceID string) (*Job, error) {
	jobs, err := s.ListJobs(ctx, sourceID, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.Wrapf(ErrJobNotFound, "no job for source %s", sourceID)
	}
	return jobs[0], nil
}

// ListStaleJobs returns non-terminal jobs not updated since olderThan.
func (s *Store) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobSelectColumns+` FROM harvest_jobs
		WHERE status NOT IN `+terminalStatuses+` AND updated_at < ?
		ORDER BY updated_at`, olderThan.UTC())
}

// DeleteJobsOlderThan removes terminal jobs created before the cutoff.
func (s *Store) DeleteJobsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin purge")
	}
	defer tx.Rollback()

	old := `SELECT id FROM harvest_jobs WHERE status IN ` + terminalStatuses + ` AND created_at < ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM harvest_records WHERE job_id IN (`+old+`)`, before.UTC()); err != nil {
		return 0, errors.Wrap(err, "delete records of old jobs")
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM harvest_jobs WHERE status IN `+terminalStatuses+` AND created_at < ?`,
		before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "delete old jobs")
	}
	n, _ := res.RowsAffected()
	return n, errors.Wrap(tx.Commit(), "commit purge")
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterate jobs")
}

// SaveRecords stores the records produced for an item.
func (s *Store) SaveRecords(ctx context.Context, job *Job, item *Item, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin save records")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO harvest_records (job_id, source_id, remote_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare record insert")
	}
	defer stmt.Close()

	at := now()
	for _, rec := range records {
		data, err := json.Marshal(rec.Data)
		if err != nil {
			return errors.Wrapf(err, "encode record %s", rec.RemoteID)
		}
		remoteID := rec.RemoteID
		if remoteID == "" {
			remoteID = item.RemoteID
		}
		if _, err := stmt.ExecContext(ctx, job.ID, nullString(job.SourceID), remoteID, rec.Kind, string(data), at); err != nil {
			return errors.Wrapf(err, "insert record %s", remoteID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit records")
}

// CountRecords returns the number of records stored for a job.
func (s *Store) CountRecords(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvest_records WHERE job_id = ?`, jobID).Scan(&n)
	return n, errors.Wrapf(err, "count records of job %s", jobID)
}

func marshalConfig(v Values) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode source config")
	}
	return string(b), nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}
