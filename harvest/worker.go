package harvest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/db"
	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/logger"
)

// Runner runs a harvest synchronously. *Executor implements it.
type Runner interface {
	Run(ctx context.Context, ident string, debug bool) (*Job, error)
}

// WorkerPoolConfig configures the launch workers.
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // concurrent harvests
	PollInterval time.Duration `json:"poll_interval"` // how often an idle worker checks the queue
	StopTimeout  time.Duration `json:"stop_timeout"`  // how long Stop waits for running harvests
}

// DefaultWorkerPoolConfig returns the daemon defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: 2 * time.Second,
		StopTimeout:  30 * time.Second,
	}
}

// WorkerPool runs queued launches in the background.
type WorkerPool struct {
	queue     *LaunchQueue
	runner    Runner
	cfg       WorkerPoolConfig
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	log       *zap.SugaredLogger

	mu        sync.Mutex
	processed int
	active    int
}

// NewWorkerPool creates a pool whose workers stop when ctx is cancelled.
func NewWorkerPool(ctx context.Context, queue *LaunchQueue, runner Runner, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if log == nil {
		log = logger.ComponentLogger("worker")
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:     queue,
		runner:    runner,
		cfg:       cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		log:       log,
	}
}

// Start requeues launches orphaned by a previous crash and starts the
// workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// restarted after Stop
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	ctx := wp.ctx
	wp.mu.Unlock()

	if n, err := wp.queue.RequeueRunning(ctx); err != nil {
		wp.log.Warnw("Failed to requeue orphaned launches", logger.FieldError, err)
	} else if n > 0 {
		wp.log.Infow("Requeued orphaned launches", logger.FieldCount, n)
	}

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
	wp.log.Infow("Worker pool started", "workers", wp.cfg.Workers, "poll_interval", wp.cfg.PollInterval)
}

// Stop cancels the workers and waits for running harvests, up to the stop
// timeout.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Infow("Worker pool stopped", "processed", wp.Processed())
	case <-time.After(wp.cfg.StopTimeout):
		wp.log.Warnw("Worker pool stop timed out, harvests still running", "timeout", wp.cfg.StopTimeout)
	}
}

// Processed returns the number of launches handled since creation.
func (wp *WorkerPool) Processed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.processed
}

// Active returns the number of harvests running right now.
func (wp *WorkerPool) Active() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.active
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := wp.processNext(ctx)
			if err == nil {
				if errorCount > 0 {
					wp.log.Infow("Worker recovered from errors",
						logger.FieldWorkerID, id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = time.Second
				continue
			}
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
				return
			}

			errorCount++
			wp.log.Errorw("Worker error processing launch",
				logger.FieldWorkerID, id,
				logger.FieldError, err,
				"consecutive_errors", errorCount)
			if errorCount >= maxConsecutiveErrors {
				wp.log.Warnw("Worker backing off",
					logger.FieldWorkerID, id,
					"backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
			}
		}
	}
}

// processNext claims one launch and runs it.
func (wp *WorkerPool) processNext(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	launch, err := wp.queue.Dequeue(ctx)
	if err != nil {
		return errors.Wrap(err, "dequeue launch")
	}
	if launch == nil {
		return nil
	}

	wp.mu.Lock()
	wp.active++
	wp.processed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}()

	log := wp.log.With(logger.FieldLaunchID, launch.ID, logger.FieldSourceSlug, launch.Source)
	log.Infow("Running launch", "debug", launch.Debug)

	job, runErr := wp.run(ctx, launch)

	// record the outcome even while shutting down
	saveCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		log.Infow("Shutdown during harvest, launch requeued")
		return wp.queue.Requeue(saveCtx, launch.ID)
	}
	if runErr != nil {
		log.Warnw("Launch failed", logger.FieldError, runErr)
		return wp.queue.Fail(saveCtx, launch.ID, runErr)
	}
	jobID := ""
	if job != nil {
		jobID = job.ID
	}
	return wp.queue.Complete(saveCtx, launch.ID, jobID)
}

// run calls the runner, turning a panic from a debug run into an error so it
// cannot take the daemon down.
func (wp *WorkerPool) run(ctx context.Context, launch *Launch) (job *Job, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("harvest panicked: %s", fmt.Sprint(p))
		}
	}()
	return wp.runner.Run(ctx, launch.Source, launch.Debug)
}
