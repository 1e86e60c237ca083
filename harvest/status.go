package harvest

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobInitializing JobStatus = "initializing"
	JobInitialized  JobStatus = "initialized"
	JobProcessing   JobStatus = "processing"
	JobDone         JobStatus = "done"
	JobDoneErrors   JobStatus = "done-errors"
	JobFailed       JobStatus = "failed"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{
	JobPending, JobInitializing, JobInitialized, JobProcessing,
	JobDone, JobDoneErrors, JobFailed,
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:      {JobInitializing, JobFailed},
	JobInitializing: {JobInitialized, JobFailed},
	JobInitialized:  {JobProcessing, JobFailed},
	JobProcessing:   {JobDone, JobDoneErrors, JobFailed},
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobDoneErrors || s == JobFailed
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	for _, known := range JobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether next directly follows s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ItemStatus is the lifecycle state of an Item.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemStarted ItemStatus = "started"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending: {ItemStarted},
	ItemStarted: {ItemDone, ItemFailed},
}

// IsTerminal reports whether the item has finished.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemDone || s == ItemFailed
}

// CanTransitionTo reports whether next directly follows s.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	for _, allowed := range itemTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Frequency is the advisory cadence of a Source.
type Frequency string

const (
	FrequencyManual  Frequency = "manual"
	FrequencyMonthly Frequency = "monthly"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyDaily   Frequency = "daily"
)

// DefaultFrequency applies when a Source is created without one.
const DefaultFrequency = FrequencyManual

// Frequencies lists the accepted frequencies.
var Frequencies = []Frequency{FrequencyManual, FrequencyMonthly, FrequencyWeekly, FrequencyDaily}

// Valid reports whether f is one of Frequencies.
func (f Frequency) Valid() bool {
	for _, known := range Frequencies {
		if f == known {
			return true
		}
	}
	return false
}
