// Package events forwards harvest bus events to logs and to NATS.
package events

import (
	"time"

	"github.com/remilejeune/udata-harvest/harvest"
)

// MessageVersion is bumped on incompatible changes to Message.
const MessageVersion = "1"

// Message is the wire form of a harvest event. It carries summaries, not the
// full job, so messages stay small for sources with many items.
type Message struct {
	Signal  harvest.Signal `json:"signal"`
	At      time.Time      `json:"at"`
	Source  *SourceSummary `json:"source,omitempty"`
	Job     *JobSummary    `json:"job,omitempty"`
	Version string         `json:"version"`
}

// SourceSummary identifies the source of an event.
type SourceSummary struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Backend   string `json:"backend"`
	Scheduled bool   `json:"scheduled"`
}

// JobSummary describes the job of an event.
type JobSummary struct {
	ID          string            `json:"id"`
	Status      harvest.JobStatus `json:"status"`
	Items       int               `json:"items"`
	ItemsDone   int               `json:"items_done"`
	ItemsFailed int               `json:"items_failed"`
	Errors      []string          `json:"errors,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
}

// NewMessage summarises ev.
func NewMessage(ev harvest.Event) Message {
	msg := Message{Signal: ev.Signal, At: ev.At, Version: MessageVersion}
	if s := ev.Source; s != nil {
		msg.Source = &SourceSummary{
			ID:        s.ID,
			Slug:      s.Slug,
			Name:      s.Name,
			Backend:   s.Backend,
			Scheduled: s.IsScheduled(),
		}
	}
	if j := ev.Job; j != nil {
		counts := j.CountItems()
		msg.Job = &JobSummary{
			ID:          j.ID,
			Status:      j.Status,
			Items:       len(j.Items),
			ItemsDone:   counts[harvest.ItemDone],
			ItemsFailed: counts[harvest.ItemFailed],
			StartedAt:   j.StartedAt,
			EndedAt:     j.EndedAt,
		}
		for _, e := range j.Errors {
			msg.Job.Errors = append(msg.Job.Errors, e.Message)
		}
	}
	return msg
}
