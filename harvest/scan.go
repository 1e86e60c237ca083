package harvest

import (
	"database/sql"
	"encoding/json"

	"github.com/remilejeune/udata-harvest/errors"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const sourceSelectColumns = `id, slug, name, description, url, backend, config,
		owner, organization, periodic_task_id, frequency, active, created_at`

const jobSelectColumns = `id, source_id, status, errors, items,
		created_at, started_at, ended_at, updated_at`

func scanSource(row rowScanner) (*Source, error) {
	var (
		s            Source
		config       string
		owner        sql.NullString
		organization sql.NullString
		taskID       sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.Slug, &s.Name, &s.Description, &s.URL, &s.Backend, &config,
		&owner, &organization, &taskID, &s.Frequency, &s.Active, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &s.Config); err != nil {
			return nil, errors.Wrapf(err, "decode config of source %s", s.ID)
		}
	}
	s.Owner = owner.String
	s.Organization = organization.String
	s.PeriodicTaskID = taskID.String
	return &s, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		sourceID  sql.NullString
		errorsRaw string
		itemsRaw  string
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := row.Scan(
		&j.ID, &sourceID, &j.Status, &errorsRaw, &itemsRaw,
		&j.CreatedAt, &startedAt, &endedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.SourceID = sourceID.String
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		j.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(errorsRaw), &j.Errors); err != nil {
		return nil, errors.Wrapf(err, "decode errors of job %s", j.ID)
	}
	if err := json.Unmarshal([]byte(itemsRaw), &j.Items); err != nil {
		return nil, errors.Wrapf(err, "decode items of job %s", j.ID)
	}
	if j.Errors == nil {
		j.Errors = []HarvestError{}
	}
	if j.Items == nil {
		j.Items = []*Item{}
	}
	return &j, nil
}

func marshalJobColumns(j *Job) (errorsJSON, itemsJSON string, err error) {
	errs := j.Errors
	if errs == nil {
		errs = []HarvestError{}
	}
	items := j.Items
	if items == nil {
		items = []*Item{}
	}
	e, err := json.Marshal(errs)
	if err != nil {
		return "", "", errors.Wrap(err, "encode job errors")
	}
	i, err := json.Marshal(items)
	if err != nil {
		return "", "", errors.Wrap(err, "encode job items")
	}
	return string(e), string(i), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
