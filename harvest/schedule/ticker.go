package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/logger"
)

// Dispatcher starts a harvest of the source identified by ident without
// waiting for it to complete.
type Dispatcher interface {
	Launch(ctx context.Context, ident string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, ident string) error

func (f DispatcherFunc) Launch(ctx context.Context, ident string) error { return f(ctx, ident) }

// TickerConfig configures the ticker.
type TickerConfig struct {
	Interval time.Duration // how often due tasks are looked up (default: 30s)
}

// DefaultTickerConfig returns the daemon defaults.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: 30 * time.Second}
}

// Ticker fires due periodic tasks through a Dispatcher.
type Ticker struct {
	store      *Store
	dispatcher Dispatcher
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *zap.SugaredLogger

	mu         sync.Mutex
	lastTickAt time.Time
	ticks      int64
	fired      int64
}

// NewTicker creates a ticker bound to ctx.
func NewTicker(ctx context.Context, store *Store, dispatcher Dispatcher, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = logger.ComponentLogger("schedule")
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:      store,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		ctx:        tickerCtx,
		cancel:     cancel,
		log:        log,
	}
}

// Start begins the ticker loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Scheduler started", "interval", t.interval)
}

// Stop cancels the loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Scheduler stopped", "ticks", t.Ticks(), "fired", t.Fired())
}

// Ticks returns the number of ticks since Start.
func (t *Ticker) Ticks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Fired returns the number of tasks dispatched since Start.
func (t *Ticker) Fired() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// LastTickAt returns when the loop last woke up, zero before the first tick.
func (t *Ticker) LastTickAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticks++
			t.mu.Unlock()

			if err := t.checkDueTasks(tickTime.UTC()); err != nil {
				t.log.Warnw("Scheduler tick error", logger.FieldError, err)
			}
		}
	}
}

// checkDueTasks dispatches every due task. One failing task never stops the
// others.
func (t *Ticker) checkDueTasks(now time.Time) error {
	tasks, err := t.store.ListDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "list due tasks")
	}

	for _, task := range tasks {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if err := t.fire(task, now); err != nil {
			t.log.Errorw("Failed to fire periodic task",
				logger.FieldTaskID, task.ID,
				logger.FieldError, err)
		}
	}
	return nil
}

// fire claims the firing of task, then dispatches it. The next run advances
// even when the dispatch fails so a broken source does not fire on every
// tick. A task claimed by another scheduler is skipped.
func (t *Ticker) fire(task *PeriodicTask, now time.Time) error {
	log := t.log.With(logger.FieldTaskID, task.ID, "task", task.Task, "crontab", task.Crontab.Spec())

	next, err := task.Crontab.Next(now)
	if err != nil {
		// unparseable crontab: stop firing rather than spin
		if derr := t.store.SetEnabled(t.ctx, task.ID, false); derr != nil {
			return errors.Wrap(derr, "disable task with invalid crontab")
		}
		return errors.Wrap(err, "task disabled")
	}
	claimed, err := t.store.Claim(t.ctx, task.ID, now, next)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debugw("Periodic task already fired elsewhere")
		return nil
	}

	var dispatchErr error
	switch {
	case task.Task != TaskHarvest:
		dispatchErr = errors.Newf("unsupported task %q", task.Task)
	case task.Target() == "":
		dispatchErr = errors.New("task has no source argument")
	default:
		dispatchErr = t.dispatcher.Launch(t.ctx, task.Target())
	}

	if dispatchErr != nil {
		log.Warnw("Periodic harvest not launched", logger.FieldError, dispatchErr)
		return dispatchErr
	}
	t.mu.Lock()
	t.fired++
	t.mu.Unlock()
	log.Infow("Periodic harvest launched", logger.FieldSourceID, task.Target())
	return nil
}
