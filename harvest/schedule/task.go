package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskHarvest is the task name of periodic harvests.
const TaskHarvest = "harvest"

// PeriodicTask fires Task with Args on its crontab.
type PeriodicTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Task        string     `json:"task"`
	Args        []string   `json:"args"`
	Crontab     Crontab    `json:"crontab"`
	Enabled     bool       `json:"enabled"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewHarvestTask builds the periodic task harvesting one source.
func NewHarvestTask(sourceID, sourceName string, crontab Crontab) *PeriodicTask {
	now := time.Now().UTC()
	return &PeriodicTask{
		ID:          uuid.NewString(),
		Name:        fmt.Sprintf("Harvest %s", sourceName),
		Description: "Periodic Harvesting",
		Task:        TaskHarvest,
		Args:        []string{sourceID},
		Crontab:     crontab.Normalize(),
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Target returns the first argument, the source id for harvest tasks.
func (t *PeriodicTask) Target() string {
	if len(t.Args) == 0 {
		return ""
	}
	return t.Args[0]
}
