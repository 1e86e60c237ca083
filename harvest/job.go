package harvest

import (
	"time"

	"github.com/google/uuid"

	"github.com/remilejeune/udata-harvest/errors"
)

// NewJob creates a pending job for the source.
func NewJob(sourceID string) *Job {
	t := now()
	return &Job{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Status:    JobPending,
		Errors:    []HarvestError{},
		Items:     []*Item{},
		CreatedAt: t,
		UpdatedAt: t,
	}
}

func (j *Job) transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = now()
	return nil
}

// Start moves a pending job to initializing and stamps StartedAt.
func (j *Job) Start() error {
	if err := j.transition(JobInitializing); err != nil {
		return err
	}
	t := j.UpdatedAt
	j.StartedAt = &t
	return nil
}

// MarkInitialized records that item discovery succeeded.
func (j *Job) MarkInitialized() error {
	return j.transition(JobInitialized)
}

// BeginProcessing moves an initialized job to processing.
func (j *Job) BeginProcessing() error {
	return j.transition(JobProcessing)
}

// Fail appends a job-level error and closes the job as failed.
func (j *Job) Fail(err error) error {
	if terr := j.transition(JobFailed); terr != nil {
		return terr
	}
	j.Errors = append(j.Errors, NewHarvestError(err))
	j.end()
	return nil
}

// Finish closes a processing job as done, or done-errors when any item
// failed.
func (j *Job) Finish() error {
	next := JobDone
	if j.HasItemErrors() {
		next = JobDoneErrors
	}
	if err := j.transition(next); err != nil {
		return err
	}
	j.end()
	return nil
}

func (j *Job) end() {
	t := j.UpdatedAt
	if j.StartedAt == nil {
		j.StartedAt = &t
	}
	j.EndedAt = &t
}

// AddItem appends a pending item. Backends call it from Initialize.
func (j *Job) AddItem(remoteID string, args []string, kwargs Values) *Item {
	item := &Item{
		RemoteID:  remoteID,
		Status:    ItemPending,
		Errors:    []HarvestError{},
		Args:      args,
		Kwargs:    kwargs,
		CreatedAt: now(),
	}
	j.Items = append(j.Items, item)
	return item
}

// HasItemErrors reports whether any item recorded an error.
func (j *Job) HasItemErrors() bool {
	for _, item := range j.Items {
		if len(item.Errors) > 0 {
			return true
		}
	}
	return false
}

// CountItems returns the number of items per status.
func (j *Job) CountItems() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for _, item := range j.Items {
		counts[item.Status]++
	}
	return counts
}

func (it *Item) transition(next ItemStatus) error {
	if !it.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidTransition, "item %s: %s -> %s", it.RemoteID, it.Status, next)
	}
	it.Status = next
	return nil
}

// Start marks the item started and stamps StartedAt.
func (it *Item) Start() error {
	if err := it.transition(ItemStarted); err != nil {
		return err
	}
	t := now()
	it.StartedAt = &t
	return nil
}

// Complete marks the item done.
func (it *Item) Complete() error {
	if err := it.transition(ItemDone); err != nil {
		return err
	}
	it.stampEnd()
	return nil
}

// Fail appends an item-level error and marks the item failed.
func (it *Item) Fail(err error) error {
	if terr := it.transition(ItemFailed); terr != nil {
		return terr
	}
	it.Errors = append(it.Errors, NewHarvestError(err))
	it.stampEnd()
	return nil
}

func (it *Item) stampEnd() {
	t := now()
	if it.StartedAt != nil && t.Before(*it.StartedAt) {
		t = *it.StartedAt
	}
	it.EndedAt = &t
}

// Clone returns a deep copy, safe to hand to readers while the run goes on.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.EndedAt = cloneTime(j.EndedAt)
	c.Errors = append([]HarvestError{}, j.Errors...)
	c.Items = make([]*Item, len(j.Items))
	for i, item := range j.Items {
		ic := *item
		ic.StartedAt = cloneTime(item.StartedAt)
		ic.EndedAt = cloneTime(item.EndedAt)
		ic.Errors = append([]HarvestError{}, item.Errors...)
		ic.Args = append([]string(nil), item.Args...)
		ic.Kwargs = item.Kwargs.Clone()
		c.Items[i] = &ic
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
