package harvest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/logger"
)

// Executor drives one Job to completion per Run.
type Executor struct {
	registry    *Registry
	sources     SourceRepository
	jobs        JobRepository
	sink        RecordSink
	bus         *Bus
	log         *zap.SugaredLogger
	debug       atomic.Bool
	concurrency int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRecordSink sets where produced records go. Records are discarded by
// default.
func WithRecordSink(sink RecordSink) ExecutorOption {
	return func(e *Executor) { e.sink = sink }
}

// WithBus sets the bus receiving before-run and after-run events.
func WithBus(bus *Bus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithLogger sets the executor logger.
func WithLogger(log *zap.SugaredLogger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// WithDebug turns debug mode on for every run.
func WithDebug(debug bool) ExecutorOption {
	return func(e *Executor) { e.debug.Store(debug) }
}

// WithConcurrency processes up to n items of a job at once. Debug runs are
// always sequential.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) { e.concurrency = n }
}

// NewExecutor creates an executor. The registry is frozen.
func NewExecutor(registry *Registry, sources SourceRepository, jobs JobRepository, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		sources:     sources,
		jobs:        jobs,
		sink:        DiscardSink{},
		log:         zap.NewNop().Sugar(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	registry.Freeze()
	return e
}

// SetDebug switches debug mode for runs started afterwards.
func (e *Executor) SetDebug(debug bool) {
	e.debug.Store(debug)
}

// Registry returns the backend registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Run harvests the source identified by ident (slug or id), unless it already
// has an active job, in which case that job is returned and nothing runs.
//
// Outside debug mode only configuration errors and a failure to create the
// job are returned; every other failure ends up in the job record. In debug
// mode the first backend error closes the job as failed and is returned,
// and backend panics propagate after the job is closed.
func (e *Executor) Run(ctx context.Context, ident string, debug bool) (*Job, error) {
	debug = debug || e.debug.Load()

	source, err := e.sources.FindSource(ctx, ident)
	if err != nil {
		return nil, err
	}
	factory, err := e.registry.Get(source.Backend)
	if err != nil {
		return nil, errors.Wrapf(err, "source %s", source.Slug)
	}

	log := e.log.With(
		logger.FieldSourceID, source.ID,
		logger.FieldSourceSlug, source.Slug,
		logger.FieldBackend, source.Backend,
	)

	job := NewJob(source.ID)
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		if !errors.Is(err, ErrJobActive) {
			return nil, errors.Wrapf(err, "start harvest of %s", source.Slug)
		}
		active, ferr := e.jobs.FindActiveJob(ctx, source.ID)
		if ferr != nil {
			return nil, errors.Wrapf(ferr, "source %s reported an active job", source.Slug)
		}
		log.Infow("Harvest already running, not starting another", logger.FieldJobID, active.ID)
		return active, nil
	}

	ctx = logger.WithJobID(logger.WithSourceID(ctx, source.ID), job.ID)
	log = log.With(logger.FieldJobID, job.ID)
	e.bus.Emit(ctx, Event{Signal: SignalBeforeRun, Source: source, Job: job.Clone()})

	r := &run{
		Executor: e,
		source:   source,
		job:      job,
		debug:    debug,
		log:      log,
	}
	return job, r.execute(ctx, factory)
}

// RecoverOrphaned closes non-terminal jobs that made no progress for
// olderThan, typically left behind by a crashed process, so their sources
// can run again. It returns the number of jobs closed.
func (e *Executor) RecoverOrphaned(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := e.jobs.ListStaleJobs(ctx, now().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "list stale jobs")
	}

	recovered := 0
	for _, job := range stale {
		cause := errors.Newf("harvest interrupted: no progress since %s", job.UpdatedAt.Format(time.RFC3339))
		for _, item := range job.Items {
			if item.Status == ItemStarted {
				_ = item.Fail(cause)
			}
		}
		if err := job.Fail(cause); err != nil {
			e.log.Warnw("Cannot close orphaned job", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		if err := e.jobs.UpdateJob(ctx, job); err != nil {
			// finished concurrently or storage failure
			e.log.Warnw("Failed to close orphaned job", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		e.log.Infow("Closed orphaned job",
			logger.FieldJobID, job.ID,
			logger.FieldSourceID, job.SourceID,
		)
		recovered++
	}
	return recovered, nil
}

// run holds the state of one Run call.
type run struct {
	*Executor
	source *Source
	job    *Job
	debug  bool
	log    *zap.SugaredLogger

	mu      sync.Mutex // guards job and its items
	started time.Time
}

func (r *run) execute(ctx context.Context, factory Factory) (err error) {
	r.started = time.Now()
	if r.debug {
		// close the job before letting the panic through
		defer func() {
			if p := recover(); p != nil {
				r.failJob(ctx, panicError(p))
				panic(p)
			}
		}()
	}

	if err := r.job.Start(); err != nil {
		return r.abort(ctx, err)
	}
	r.save(ctx)
	r.log.Infow("Harvest started")

	var backend Backend
	err = r.guard(func() error {
		var berr error
		backend, berr = factory(r.source, Options{Debug: r.debug, Logger: r.log.Named(r.source.Backend)})
		return errors.Wrapf(berr, "build backend %q", r.source.Backend)
	})
	if err != nil {
		return r.abort(ctx, errors.Wrap(err, "initialize"))
	}
	if c, ok := backend.(io.Closer); ok {
		defer r.closeBackend(c)
	}

	err = r.guard(func() error { return backend.Initialize(ctx, r.job) })
	if err != nil {
		return r.abort(ctx, errors.Wrap(err, "initialize"))
	}

	if err := r.job.MarkInitialized(); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.job.BeginProcessing(); err != nil {
		return r.abort(ctx, err)
	}
	r.save(ctx)
	r.log.Infow("Harvest initialized", logger.FieldCount, len(r.job.Items))

	items := append([]*Item(nil), r.job.Items...)
	if r.concurrency > 1 && !r.debug {
		err = r.processConcurrently(ctx, backend, items)
	} else {
		err = r.processSequentially(ctx, backend, items)
	}
	if err != nil {
		return r.abort(ctx, err)
	}

	if err := r.job.Finish(); err != nil {
		return r.abort(ctx, err)
	}
	r.finish(ctx)
	return nil
}

func (r *run) processSequentially(ctx context.Context, backend Backend, items []*Item) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "harvest interrupted")
		}
		if err := r.processItem(ctx, backend, item); err != nil && r.debug {
			return errors.Wrapf(err, "process item %s", item.RemoteID)
		}
	}
	return nil
}

func (r *run) processConcurrently(ctx context.Context, backend Backend, items []*Item) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// item failures are isolated and never cancel the group
			_ = r.processItem(gctx, backend, item)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "harvest interrupted")
	}
	return nil
}

// processItem runs Process for one item and records the outcome on it.
func (r *run) processItem(ctx context.Context, backend Backend, item *Item) error {
	r.mu.Lock()
	err := item.Start()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	var records []Record
	err = r.guard(func() error {
		var perr error
		records, perr = backend.Process(ctx, item)
		return perr
	})
	if err == nil && len(records) > 0 {
		err = r.sink.SaveRecords(ctx, r.job, item, records)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		_ = item.Fail(err)
		r.log.Warnw("Item failed", logger.FieldRemoteID, item.RemoteID, logger.FieldError, err)
	} else {
		_ = item.Complete()
		r.log.Debugw("Item done", logger.FieldRemoteID, item.RemoteID, logger.FieldCount, len(records))
	}
	r.job.UpdatedAt = now()
	r.saveLocked(ctx)
	return err
}

func (r *run) closeBackend(c io.Closer) {
	if err := c.Close(); err != nil {
		r.log.Warnw("Failed to release backend resources", logger.FieldError, err)
	}
}

// guard calls fn, turning a panic into an error outside debug mode.
func (r *run) guard(fn func() error) (err error) {
	if !r.debug {
		defer func() {
			if p := recover(); p != nil {
				err = panicError(p)
			}
		}()
	}
	return fn()
}

// abort closes the job as failed with cause. The cause is returned in debug
// mode only.
func (r *run) abort(ctx context.Context, cause error) error {
	r.failJob(ctx, cause)
	if r.debug {
		return cause
	}
	return nil
}

// failJob closes the job as failed. Items interrupted mid-process fail with
// the same cause.
func (r *run) failJob(ctx context.Context, cause error) {
	r.mu.Lock()
	for _, item := range r.job.Items {
		if item.Status == ItemStarted {
			_ = item.Fail(cause)
		}
	}
	if err := r.job.Fail(cause); err != nil {
		r.log.Errorw("Cannot mark job failed", logger.FieldError, err)
	}
	r.mu.Unlock()
	r.finish(ctx)
}

// finish persists the closed job and emits after-run, even when ctx is done.
func (r *run) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	r.save(ctx)
	r.bus.Emit(ctx, Event{Signal: SignalAfterRun, Source: r.source, Job: r.job.Clone()})

	counts := r.job.CountItems()
	fields := []any{
		logger.FieldStatus, r.job.Status,
		"items", len(r.job.Items),
		"items_failed", counts[ItemFailed],
		logger.FieldDurationMS, time.Since(r.started).Milliseconds(),
	}
	if r.job.Status == JobFailed {
		r.log.Warnw("Harvest failed", append(fields, logger.FieldError, r.job.Errors[len(r.job.Errors)-1].Message)...)
		return
	}
	r.log.Infow("Harvest finished", fields...)
}

func (r *run) save(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveLocked(ctx)
}

// saveLocked persists the job. Storage failures are logged, not returned: the
// run goes on and the final save retries.
func (r *run) saveLocked(ctx context.Context) {
	if err := r.jobs.UpdateJob(context.WithoutCancel(ctx), r.job); err != nil {
		r.log.Errorw("Failed to persist job", logger.FieldError, err)
	}
}

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return errors.Wrap(err, "backend panic")
	}
	return errors.Newf("backend panic: %v", p)
}
