package harvest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
	"github.com/remilejeune/udata-harvest/logger"
)

// Service is the surface used by the command line and the daemon. Each
// method is a thin call into the store, the executor or the scheduler.
type Service struct {
	store    *Store
	tasks    *schedule.Store
	executor *Executor
	launches *LaunchQueue
	bus      *Bus
	log      *zap.SugaredLogger
}

// NewService wires the service. bus may be nil.
func NewService(store *Store, tasks *schedule.Store, executor *Executor, launches *LaunchQueue, bus *Bus, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:    store,
		tasks:    tasks,
		executor: executor,
		launches: launches,
		bus:      bus,
		log:      log,
	}
}

// ListBackends returns the registered backend names.
func (s *Service) ListBackends() []string {
	return s.executor.Registry().Names()
}

// ListSources returns every source.
func (s *Service) ListSources(ctx context.Context) ([]*Source, error) {
	return s.store.ListSources(ctx)
}

// GetSource resolves ident as a slug, then as an id.
func (s *Service) GetSource(ctx context.Context, ident string) (*Source, error) {
	return s.store.FindSource(ctx, ident)
}

// CreateSource stores a new source. The frequency defaults to manual and
// the slug is derived from the name.
func (s *Service) CreateSource(ctx context.Context, in SourceInput) (*Source, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.Backend != "" && !s.executor.Registry().Has(in.Backend) {
		// checked again at run time; backends may be registered later
		s.log.Warnw("Source uses an unregistered backend", logger.FieldBackend, in.Backend)
	}
	frequency := in.Frequency
	if frequency == "" {
		frequency = DefaultFrequency
	}
	source := &Source{
		Name:         in.Name,
		Description:  in.Description,
		URL:          in.URL,
		Backend:      in.Backend,
		Config:       in.Config.Clone(),
		Owner:        in.Owner,
		Organization: in.Organization,
		Frequency:    frequency,
		Active:       !in.Inactive,
	}
	if err := s.store.CreateSource(ctx, source); err != nil {
		return nil, err
	}
	s.log.Infow("Source created", logger.FieldSourceID, source.ID, logger.FieldSourceSlug, source.Slug)
	s.bus.Emit(ctx, Event{Signal: SignalSourceCreated, Source: source})
	return source, nil
}

// DeleteSource removes a source and its periodic task. Its jobs are kept.
func (s *Service) DeleteSource(ctx context.Context, ident string) (*Source, error) {
	source, err := s.store.FindSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteSource(ctx, source.ID); err != nil {
		return nil, err
	}
	s.log.Infow("Source deleted", logger.FieldSourceID, source.ID, logger.FieldSourceSlug, source.Slug)
	s.bus.Emit(ctx, Event{Signal: SignalSourceDeleted, Source: source})
	return source, nil
}

// Run harvests the source in the caller's goroutine.
func (s *Service) Run(ctx context.Context, ident string, debug bool) (*Job, error) {
	return s.executor.Run(ctx, ident, debug)
}

// Launch queues a background harvest. The source must exist; the backend is
// checked when the launch runs.
func (s *Service) Launch(ctx context.Context, ident string, debug bool) (*Launch, error) {
	source, err := s.store.FindSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	launch, err := s.launches.Enqueue(ctx, source.ID, debug)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Harvest launched",
		logger.FieldSourceSlug, source.Slug,
		logger.FieldLaunchID, launch.ID)
	return launch, nil
}

// Dispatcher adapts Launch for the scheduler.
func (s *Service) Dispatcher() schedule.Dispatcher {
	return schedule.DispatcherFunc(func(ctx context.Context, ident string) error {
		_, err := s.Launch(ctx, ident, false)
		return err
	})
}

// GetLaunch returns a queued or finished launch.
func (s *Service) GetLaunch(ctx context.Context, id string) (*Launch, error) {
	return s.launches.Get(ctx, id)
}

// Schedule binds a periodic harvest to the source.
func (s *Service) Schedule(ctx context.Context, ident string, crontab schedule.Crontab) (*Source, error) {
	source, err := s.store.FindSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	if source.IsScheduled() {
		return nil, errors.Wrapf(ErrAlreadyScheduled, "source %s", source.Name)
	}
	if err := crontab.Validate(); err != nil {
		return nil, err
	}

	task := schedule.NewHarvestTask(source.ID, source.Name, crontab)
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.store.BindPeriodicTask(ctx, source.ID, task.ID); err != nil {
		// lost a race with another schedule call
		if derr := s.tasks.Delete(ctx, task.ID); derr != nil {
			s.log.Warnw("Failed to remove unbound periodic task", logger.FieldTaskID, task.ID, logger.FieldError, derr)
		}
		if errors.Is(err, ErrAlreadyScheduled) {
			return nil, errors.Wrapf(err, "source %s", source.Name)
		}
		return nil, err
	}
	source.PeriodicTaskID = task.ID

	s.log.Infow("Source scheduled",
		logger.FieldSourceSlug, source.Slug,
		logger.FieldTaskID, task.ID,
		"crontab", task.Crontab.Spec())
	s.bus.Emit(ctx, Event{Signal: SignalSourceScheduled, Source: source})
	return source, nil
}

// Unschedule deletes the periodic harvest of the source.
func (s *Service) Unschedule(ctx context.Context, ident string) (*Source, error) {
	source, err := s.store.FindSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	if !source.IsScheduled() {
		return nil, errors.Wrapf(ErrNotScheduled, "source %s", source.Name)
	}
	taskID := source.PeriodicTaskID
	if err := s.store.UnschedulePeriodicTask(ctx, source.ID, taskID); err != nil {
		if errors.Is(err, ErrNotScheduled) {
			return nil, errors.Wrapf(err, "source %s", source.Name)
		}
		return nil, err
	}
	source.PeriodicTaskID = ""

	s.log.Infow("Source unscheduled", logger.FieldSourceSlug, source.Slug, logger.FieldTaskID, taskID)
	s.bus.Emit(ctx, Event{Signal: SignalSourceUnscheduled, Source: source})
	return source, nil
}

// PeriodicTask returns the task bound to the source.
func (s *Service) PeriodicTask(ctx context.Context, ident string) (*schedule.PeriodicTask, error) {
	source, err := s.store.FindSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	if !source.IsScheduled() {
		return nil, errors.Wrapf(ErrNotScheduled, "source %s", source.Name)
	}
	return s.tasks.Get(ctx, source.PeriodicTaskID)
}

// ListJobs returns the jobs of a source, newest first. An empty ident lists
// the jobs of every source.
func (s *Service) ListJobs(ctx context.Context, ident string, limit int) ([]*Job, error) {
	sourceID := ""
	if ident != "" {
		source, err := s.store.FindSource(ctx, ident)
		if err != nil {
			return nil, err
		}
		sourceID = source.ID
	}
	return s.store.ListJobs(ctx, sourceID, limit)
}

// GetJob loads a job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// LastJob returns the latest job of a source.
func (s *Service) LastJob(ctx context.Context, ident string) (*Job, error) {
	source, err := s.store.FindSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	return s.store.LastJob(ctx, source.ID)
}

// Purge deletes finished jobs and launches older than olderThan.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (jobs, launches int64, err error) {
	jobs, err = s.store.DeleteJobsOlderThan(ctx, now().Add(-olderThan))
	if err != nil {
		return 0, 0, err
	}
	launches, err = s.launches.Cleanup(ctx, olderThan)
	if err != nil {
		return jobs, 0, err
	}
	return jobs, launches, nil
}

// RecoverOrphaned closes jobs stuck without progress, see
// Executor.RecoverOrphaned.
func (s *Service) RecoverOrphaned(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.executor.RecoverOrphaned(ctx, olderThan)
}
