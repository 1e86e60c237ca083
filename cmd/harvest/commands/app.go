package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/am"
	"github.com/remilejeune/udata-harvest/backends"
	"github.com/remilejeune/udata-harvest/db"
	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/events"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
	"github.com/remilejeune/udata-harvest/internal/httpclient"
	"github.com/remilejeune/udata-harvest/logger"
	"github.com/remilejeune/udata-harvest/version"
)

// app holds the components every command works with.
type app struct {
	cfg      *am.Config
	db       *sql.DB
	store    *harvest.Store
	tasks    *schedule.Store
	launches *harvest.LaunchQueue
	bus      *harvest.Bus
	executor *harvest.Executor
	service  *harvest.Service
	log      *zap.SugaredLogger
	closers  []func()
}

// openApp opens the database and wires the backends, the event bus and the
// harvest service from cfg.
func openApp(cfg *am.Config) (*app, error) {
	log := logger.Logger
	database, err := db.OpenWithMigrations(cfg.Database.Path, log.Named("db"))
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "failed to open database"),
			"set database.path in am.toml or HARVEST_DATABASE_PATH")
	}
	a := &app{cfg: cfg, db: database, log: log}
	a.closers = append(a.closers, func() { _ = database.Close() })

	registry := harvest.NewRegistry()
	if err := backends.RegisterAll(registry, backends.Deps{
		HTTP:       httpOptions(cfg.Harvest.HTTP),
		AllowLocal: cfg.Harvest.AllowLocalSources,
		WorkDir:    cfg.Harvest.WorkDir,
	}); err != nil {
		a.Close()
		return nil, err
	}

	a.bus = harvest.NewBus(log.Named("bus"))
	if cfg.Events.Log {
		a.bus.Subscribe(events.NewLogSubscriber(log.Named("events")))
	}
	if cfg.Events.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.Events.NATS.URL,
			SubjectPrefix: cfg.Events.NATS.SubjectPrefix,
			Name:          cfg.Events.NATS.Name,
		}, log.Named("nats"))
		if err != nil {
			// harvesting does not depend on event delivery
			log.Warnw("NATS publishing disabled", "url", cfg.Events.NATS.URL, logger.FieldError, err)
		} else {
			a.bus.Subscribe(pub)
			a.closers = append(a.closers, pub.Close)
		}
	}

	a.store = harvest.NewStore(database)
	a.tasks = schedule.NewStore(database)
	a.launches = harvest.NewLaunchQueue(database)
	a.executor = harvest.NewExecutor(registry, a.store, a.store,
		harvest.WithRecordSink(a.store),
		harvest.WithBus(a.bus),
		harvest.WithLogger(log.Named("executor")),
		harvest.WithDebug(cfg.Harvest.Debug),
		harvest.WithConcurrency(cfg.Harvest.Concurrency),
	)
	a.service = harvest.NewService(a.store, a.tasks, a.executor, a.launches, a.bus, log.Named("service"))
	return a, nil
}

// Close releases the app resources in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// withApp loads the configuration, opens the app for fn and closes it.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func httpOptions(c am.HTTPConfig) httpclient.Options {
	ua := c.UserAgent
	if ua == "" {
		ua = "udata-harvest/" + version.Get().Version
	}
	return httpclient.Options{
		Timeout:       c.Timeout(),
		MaxRedirects:  c.MaxRedirects,
		AllowPrivate:  c.AllowPrivate,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
		UserAgent:     ua,
	}
}
