package harvest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest/schedule"
	harvesttest "github.com/remilejeune/udata-harvest/internal/testing"
)

// fakeBackend discovers a fixed list of items. Behaviour per remote id is
// configurable.
type fakeBackend struct {
	remoteIDs []string
	initErr   error
	initPanic any
	failOn    map[string]error
	panicOn   map[string]any
	onProcess func(ctx context.Context, item *Item)

	mu        sync.Mutex
	processed []string
	builds    int
}

func (f *fakeBackend) factory(source *Source, opts Options) (Backend, error) {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	return f, nil
}

func (f *fakeBackend) Initialize(ctx context.Context, job *Job) error {
	if f.initPanic != nil {
		panic(f.initPanic)
	}
	if f.initErr != nil {
		return f.initErr
	}
	for _, id := range f.remoteIDs {
		job.AddItem(id, []string{id}, Values{"n": StringValue(id)})
	}
	return nil
}

func (f *fakeBackend) Process(ctx context.Context, item *Item) ([]Record, error) {
	if f.onProcess != nil {
		f.onProcess(ctx, item)
	}
	f.mu.Lock()
	f.processed = append(f.processed, item.RemoteID)
	f.mu.Unlock()

	if p, ok := f.panicOn[item.RemoteID]; ok {
		panic(p)
	}
	if err, ok := f.failOn[item.RemoteID]; ok {
		return nil, err
	}
	return []Record{{
		RemoteID: item.RemoteID,
		Kind:     "dataset",
		Data:     map[string]any{"title": fmt.Sprintf("dataset %s", item.RemoteID)},
	}}, nil
}

func (f *fakeBackend) processedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processed...)
}

// eventRecorder collects bus events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Signal
	}
	return out
}

func (r *eventRecorder) last(sig Signal) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Signal == sig {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type testEnv struct {
	store    *Store
	tasks    *schedule.Store
	registry *Registry
	bus      *Bus
	events   *eventRecorder
	executor *Executor
	launches *LaunchQueue
	service  *Service
}

func newTestEnv(t *testing.T, backends map[string]Factory, opts ...ExecutorOption) *testEnv {
	t.Helper()
	return newTestEnvOn(t, harvesttest.CreateTestDB(t), backends, opts...)
}

func newTestEnvOn(t *testing.T, conn *sql.DB, backends map[string]Factory, opts ...ExecutorOption) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	env := &testEnv{
		store:    NewStore(conn),
		tasks:    schedule.NewStore(conn),
		registry: NewRegistry(),
		bus:      NewBus(log),
		events:   &eventRecorder{},
		launches: NewLaunchQueue(conn),
	}
	env.bus.Subscribe(env.events)
	for name, factory := range backends {
		require.NoError(t, env.registry.Register(name, factory))
	}

	opts = append([]ExecutorOption{
		WithRecordSink(env.store),
		WithBus(env.bus),
		WithLogger(log),
	}, opts...)
	env.executor = NewExecutor(env.registry, env.store, env.store, opts...)
	env.service = NewService(env.store, env.tasks, env.executor, env.launches, env.bus, log)
	return env
}

func (env *testEnv) createSource(t *testing.T, name, backend string) *Source {
	t.Helper()
	source, err := env.service.CreateSource(context.Background(), SourceInput{
		Name:    name,
		URL:     "https://example.org/" + Slugify(name),
		Backend: backend,
	})
	require.NoError(t, err)
	return source
}

// onlyJob asserts that source has exactly one job and returns it as stored.
func (env *testEnv) onlyJob(t *testing.T, source *Source) *Job {
	t.Helper()
	jobs, err := env.store.ListJobs(context.Background(), source.ID, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

var errBoom = errors.New("boom")
