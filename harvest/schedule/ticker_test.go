package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/remilejeune/udata-harvest/errors"
	harvesttest "github.com/remilejeune/udata-harvest/internal/testing"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (d *recordingDispatcher) Launch(_ context.Context, ident string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launched = append(d.launched, ident)
	return d.err
}

func (d *recordingDispatcher) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.launched...)
}

func newDueTask(t *testing.T, store *Store, sourceID string) *PeriodicTask {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	task := NewHarvestTask(sourceID, sourceID, Crontab{Minute: "0"})
	task.NextRunAt = &past
	require.NoError(t, store.Create(context.Background(), task))
	return task
}

func TestTicker_FiresDueTasksAndAdvances(t *testing.T) {
	store := NewStore(harvesttest.CreateTestDB(t))
	dispatcher := &recordingDispatcher{}
	ticker := NewTicker(context.Background(), store, dispatcher, TickerConfig{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())
	defer ticker.cancel()

	task := newDueTask(t, store, "source-a")
	now := time.Now().UTC()

	require.NoError(t, ticker.checkDueTasks(now))
	assert.Equal(t, []string{"source-a"}, dispatcher.calls())
	assert.EqualValues(t, 1, ticker.Fired())

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now), "next run moves past now")
	assert.Equal(t, 0, got.NextRunAt.Minute())

	// not due anymore
	require.NoError(t, ticker.checkDueTasks(now))
	assert.Len(t, dispatcher.calls(), 1)
}

func TestTicker_DispatchFailureDoesNotStopOthers(t *testing.T) {
	store := NewStore(harvesttest.CreateTestDB(t))
	dispatcher := &recordingDispatcher{err: errors.New("source not found")}
	ticker := NewTicker(context.Background(), store, dispatcher, TickerConfig{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())
	defer ticker.cancel()

	first := newDueTask(t, store, "gone")
	newDueTask(t, store, "other")

	require.NoError(t, ticker.checkDueTasks(time.Now().UTC()))
	assert.ElementsMatch(t, []string{"gone", "other"}, dispatcher.calls())
	assert.EqualValues(t, 0, ticker.Fired())

	got, err := store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt, "failed dispatch still advances the task")
}

func TestTicker_SharedDatabaseFiresOnce(t *testing.T) {
	conn := harvesttest.CreateFileDB(t)
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := &recordingDispatcher{}

	// two daemons over the same file
	first := NewTicker(context.Background(), NewStore(conn), dispatcher, TickerConfig{Interval: time.Hour}, log)
	defer first.cancel()
	second := NewTicker(context.Background(), NewStore(conn), dispatcher, TickerConfig{Interval: time.Hour}, log)
	defer second.cancel()

	newDueTask(t, first.store, "shared")
	now := time.Now().UTC()
	stale, err := second.store.ListDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, first.checkDueTasks(now))
	// the second scheduler listed the task before the first claimed it
	require.NoError(t, second.fire(stale[0], now))

	assert.Equal(t, []string{"shared"}, dispatcher.calls())
	assert.EqualValues(t, 1, first.Fired())
	assert.Zero(t, second.Fired())
}

func TestTicker_SkipsUnknownTask(t *testing.T) {
	store := NewStore(harvesttest.CreateTestDB(t))
	dispatcher := &recordingDispatcher{}
	ticker := NewTicker(context.Background(), store, dispatcher, TickerConfig{Interval: time.Hour}, zaptest.NewLogger(t).Sugar())
	defer ticker.cancel()

	task := newDueTask(t, store, "x")
	_, err := store.db.Exec(`UPDATE periodic_tasks SET task = 'cleanup' WHERE id = ?`, task.ID)
	require.NoError(t, err)

	require.NoError(t, ticker.checkDueTasks(time.Now().UTC()))
	assert.Empty(t, dispatcher.calls())
}

func TestTicker_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	store := NewStore(harvesttest.CreateTestDB(t))
	dispatcher := &recordingDispatcher{}
	newDueTask(t, store, "tick")

	ticker := NewTicker(context.Background(), store, dispatcher, TickerConfig{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ticker.Start()

	require.Eventually(t, func() bool {
		return len(dispatcher.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ticker.Stop()
	assert.Greater(t, ticker.Ticks(), int64(0))
	assert.False(t, ticker.LastTickAt().IsZero())
}
