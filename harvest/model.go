package harvest

import (
	"time"

	"github.com/remilejeune/udata-harvest/errors"
)

// Source is a configured harvesting target.
type Source struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	URL            string    `json:"url"`
	Backend        string    `json:"backend"`
	Config         Values    `json:"config,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	Organization   string    `json:"organization,omitempty"`
	PeriodicTaskID string    `json:"periodic_task_id,omitempty"`
	Frequency      Frequency `json:"frequency"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsScheduled reports whether a periodic task is bound to the source.
func (s *Source) IsScheduled() bool {
	return s.PeriodicTaskID != ""
}

// SourceInput carries the caller-supplied fields of a new Source.
type SourceInput struct {
	Name         string
	Description  string
	URL          string
	Backend      string
	Config       Values
	Frequency    Frequency // empty selects DefaultFrequency
	Owner        string
	Organization string
	Inactive     bool
}

// Validate checks the fields a Source cannot be stored without. The backend
// name is checked when the source runs, not here.
func (in SourceInput) Validate() error {
	if in.Name == "" {
		return errors.Wrap(ErrInvalidSource, "name is required")
	}
	if Slugify(in.Name) == "" {
		return errors.Wrapf(ErrInvalidSource, "name %q yields an empty slug", in.Name)
	}
	if in.Frequency != "" && !in.Frequency.Valid() {
		return errors.Wrapf(ErrInvalidSource, "unknown frequency %q", in.Frequency)
	}
	return nil
}

// HarvestError records one failure with its captured stack.
type HarvestError struct {
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// NewHarvestError captures err, including its stack trace when the error
// carries one.
func NewHarvestError(err error) HarvestError {
	return HarvestError{
		CreatedAt: now(),
		Message:   err.Error(),
		Details:   errors.Details(err),
	}
}

// Job is one execution attempt for a Source.
type Job struct {
	ID        string         `json:"id"`
	SourceID  string         `json:"source_id,omitempty"` // empty once the source is deleted
	Status    JobStatus      `json:"status"`
	Errors    []HarvestError `json:"errors"`
	Items     []*Item        `json:"items"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Item is one discovered unit of work within a Job.
type Item struct {
	RemoteID  string         `json:"remote_id"`
	Status    ItemStatus     `json:"status"`
	Errors    []HarvestError `json:"errors"`
	Args      []string       `json:"args,omitempty"`
	Kwargs    Values         `json:"kwargs,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// now is the clock for every timestamp in this package.
var now = func() time.Time { return time.Now().UTC() }
