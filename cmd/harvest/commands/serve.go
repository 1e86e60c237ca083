package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/am"
	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
	"github.com/remilejeune/udata-harvest/logger"
	"github.com/remilejeune/udata-harvest/metrics"
	"github.com/remilejeune/udata-harvest/server"
	"github.com/remilejeune/udata-harvest/version"
)

// shutdownTimeout bounds the HTTP part of a graceful shutdown. Workers have
// their own workers.stop_timeout_seconds.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the harvest daemon: launch workers, scheduler and HTTP API",
		Long: `Run the harvest daemon in the foreground.

The daemon:
- runs queued launches with workers.count workers
- fires scheduled harvests (scheduler.enabled)
- serves the HTTP API, /healthz, /metrics and the /events websocket
- reloads harvest.debug when a config file changes
- purges jobs older than harvest.retention_days once a day

Ctrl+C stops gracefully: running harvests get workers.stop_timeout_seconds
to finish before their launches are requeued. Press Ctrl+C again to exit
immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runDaemon(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runDaemon(cmd *cobra.Command, cfg *am.Config) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log.Named("daemon")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	collector := metrics.New()
	a.bus.Subscribe(collector)

	if cfg.Harvest.StaleAfterMinutes > 0 {
		stale := time.Duration(cfg.Harvest.StaleAfterMinutes) * time.Minute
		n, err := a.service.RecoverOrphaned(ctx, stale)
		if err != nil {
			return errors.Wrap(err, "failed to recover orphaned jobs")
		}
		if n > 0 {
			log.Warnw("Closed orphaned jobs", logger.FieldCount, n)
		}
	}
	sources, err := a.service.ListSources(ctx)
	if err != nil {
		return err
	}
	collector.SeedScheduled(sources)

	deps := server.Deps{
		Service:  a.service,
		Bus:      a.bus,
		Metrics:  collector,
		Launches: a.launches,
	}

	var pool *harvest.WorkerPool
	if cfg.Workers.Count > 0 {
		pool = harvest.NewWorkerPool(ctx, a.launches, a.service, harvest.WorkerPoolConfig{
			Workers:      cfg.Workers.Count,
			PollInterval: cfg.Workers.PollInterval(),
			StopTimeout:  cfg.Workers.StopTimeout(),
		}, log.Named("workers"))
		pool.Start()
		deps.Pool = pool
	}

	var ticker *schedule.Ticker
	if cfg.Scheduler.Enabled {
		ticker = schedule.NewTicker(ctx, a.tasks, a.service.Dispatcher(), schedule.TickerConfig{
			Interval: cfg.Scheduler.TickerInterval(),
		}, log.Named("scheduler"))
		ticker.Start()
		deps.Ticker = ticker
	}

	var janitor *cron.Cron
	if cfg.Harvest.RetentionDays > 0 {
		retention := time.Duration(cfg.Harvest.RetentionDays) * 24 * time.Hour
		janitor = cron.New()
		if _, err := janitor.AddFunc("@daily", func() { purge(ctx, a.service, retention) }); err != nil {
			return errors.Wrap(err, "failed to schedule purge")
		}
		janitor.Start()
		go purge(ctx, a.service, retention)
	}

	if watcher := watchConfig(a, log); watcher != nil {
		defer func() {
			am.SetGlobalWatcher(nil)
			_ = watcher.Stop()
		}()
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Server.Addr
	srvCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	srv, err := server.New(srvCfg, deps, log.Named("http"))
	if err != nil {
		return err
	}

	printDaemonBanner(cmd, cfg)

	errChan := make(chan error, 1)
	go func() { errChan <- srv.ListenAndServe() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case err := <-errChan:
		serveErr = errors.Wrap(err, "server stopped")
	case <-sigChan:
		fmt.Fprint(cmd.OutOrStdout(), pterm.Info.Sprintln("Shutting down gracefully (press Ctrl+C again to force)..."))
		go func() {
			<-sigChan
			fmt.Fprint(cmd.ErrOrStderr(), pterm.Warning.Sprintln("Force shutdown - exiting immediately"))
			os.Exit(1)
		}()
	case <-ctx.Done():
	}

	// reverse order of startup
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
	}
	if janitor != nil {
		<-janitor.Stop().Done()
	}
	if ticker != nil {
		ticker.Stop()
	}
	if pool != nil {
		pool.Stop()
	}
	cancel()

	if serveErr != nil {
		return serveErr
	}
	fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintln("Daemon stopped cleanly"))
	return nil
}

func purge(ctx context.Context, service *harvest.Service, retention time.Duration) {
	jobs, launches, err := service.Purge(ctx, retention)
	if err != nil {
		logger.Errorw("Purge failed", logger.FieldError, err)
		return
	}
	if jobs > 0 || launches > 0 {
		logger.Infow("Purged old harvest data", "jobs", jobs, "launches", launches)
	}
}

// watchConfig reloads the debug flag of the executor when a loaded config
// file changes. It returns nil when no file was loaded.
func watchConfig(a *app, log *zap.SugaredLogger) *am.ConfigWatcher {
	files := am.LoadedFiles()
	if len(files) == 0 {
		return nil
	}
	w, err := am.NewConfigWatcher(files...)
	if err != nil {
		log.Warnw("Config reload disabled", logger.FieldError, err)
		return nil
	}
	w.OnReload(func(c *am.Config) error {
		a.executor.SetDebug(c.Harvest.Debug)
		log.Infow("Applied reloaded config", "debug", c.Harvest.Debug)
		return nil
	})
	am.SetGlobalWatcher(w)
	w.Start()
	return w
}

func printDaemonBanner(cmd *cobra.Command, cfg *am.Config) {
	info := version.Get()
	scheduler := "disabled"
	if cfg.Scheduler.Enabled {
		scheduler = "every " + cfg.Scheduler.TickerInterval().String()
	}
	out := cmd.OutOrStdout()
	fmt.Fprint(out, pterm.DefaultHeader.WithFullWidth().Sprintln("harvest "+info.Version))
	fmt.Fprintf(out, "  Commit:     %s\n", info.Short())
	fmt.Fprintf(out, "  Database:   %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "  Listening:  http://%s\n", cfg.Server.Addr)
	fmt.Fprintf(out, "  Workers:    %d (poll %s)\n", cfg.Workers.Count, cfg.Workers.PollInterval())
	fmt.Fprintf(out, "  Scheduler:  %s\n", scheduler)
	if cfg.Events.NATS.URL != "" {
		fmt.Fprintf(out, "  NATS:       %s (%s.*)\n", cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix)
	}
	if cfg.Harvest.Debug {
		fmt.Fprintln(out, pterm.Warning.Sprint("Debug mode: harvests stop at the first error"))
	}
	fmt.Fprintln(out)
}
