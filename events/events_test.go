package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
)

func finishedJob(t *testing.T) *harvest.Job {
	t.Helper()
	job := harvest.NewJob("src-1")
	require.NoError(t, job.Start())
	ok := job.AddItem("a", nil, nil)
	bad := job.AddItem("b", nil, nil)
	job.AddItem("c", nil, nil)
	require.NoError(t, job.MarkInitialized())
	require.NoError(t, job.BeginProcessing())
	require.NoError(t, ok.Start())
	require.NoError(t, ok.Complete())
	require.NoError(t, bad.Start())
	require.NoError(t, bad.Fail(errors.New("bad row")))
	require.NoError(t, job.Finish())
	return job
}

var source = &harvest.Source{ID: "src-1", Slug: "portal", Name: "Portal", Backend: "httpjson", PeriodicTaskID: "task-1"}

func TestNewMessage(t *testing.T) {
	job := finishedJob(t)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	msg := NewMessage(harvest.Event{Signal: harvest.SignalAfterRun, At: at, Source: source, Job: job})

	assert.Equal(t, harvest.SignalAfterRun, msg.Signal)
	assert.Equal(t, at, msg.At)
	assert.Equal(t, MessageVersion, msg.Version)
	require.NotNil(t, msg.Source)
	assert.Equal(t, "portal", msg.Source.Slug)
	assert.True(t, msg.Source.Scheduled)
	require.NotNil(t, msg.Job)
	assert.Equal(t, harvest.JobDoneErrors, msg.Job.Status)
	assert.Equal(t, 3, msg.Job.Items)
	assert.Equal(t, 1, msg.Job.ItemsDone)
	assert.Equal(t, 1, msg.Job.ItemsFailed)
	assert.Empty(t, msg.Job.Errors)
	assert.NotNil(t, msg.Job.EndedAt)

	bare := NewMessage(harvest.Event{Signal: harvest.SignalSourceDeleted})
	assert.Nil(t, bare.Source)
	assert.Nil(t, bare.Job)
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	pub := NewPublisher(conn, "udata.harvest.", zaptest.NewLogger(t).Sugar())

	bus := harvest.NewBus(zaptest.NewLogger(t).Sugar())
	bus.Subscribe(pub)
	bus.Emit(context.Background(), harvest.Event{Signal: harvest.SignalAfterRun, Source: source, Job: finishedJob(t)})
	bus.Emit(context.Background(), harvest.Event{Signal: harvest.SignalSourceScheduled, Source: source})

	require.Len(t, conn.subjects, 2)
	assert.Equal(t, "udata.harvest.job.after-run", conn.subjects[0])
	assert.Equal(t, "udata.harvest.source.scheduled", conn.subjects[1])

	var msg Message
	require.NoError(t, json.Unmarshal(conn.payloads[0], &msg))
	assert.Equal(t, harvest.SignalAfterRun, msg.Signal)
	assert.Equal(t, "portal", msg.Source.Slug)
	assert.Equal(t, 1, msg.Job.ItemsFailed)
	assert.False(t, msg.At.IsZero(), "the bus stamps events")
}

func TestNATSPublisher_Errors(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	pub := NewPublisher(conn, "", nil)
	assert.Equal(t, "harvest.job.before-run", pub.Subject(harvest.SignalBeforeRun))

	err := pub.HandleEvent(context.Background(), harvest.Event{Signal: harvest.SignalBeforeRun})
	assert.ErrorContains(t, err, "publish to harvest.job.before-run")

	pub.Close()
}

func TestNewNATSPublisher_Unreachable(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{URL: "nats://127.0.0.1:1"}, nil)
	assert.Error(t, err)

	_, err = NewNATSPublisher(NATSConfig{}, nil)
	assert.Error(t, err)
}

func TestLogSubscriber(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sub := NewLogSubscriber(zap.New(core).Sugar())
	ctx := context.Background()

	require.NoError(t, sub.HandleEvent(ctx, harvest.Event{Signal: harvest.SignalSourceCreated, Source: source}))

	failed := harvest.NewJob("src-1")
	require.NoError(t, failed.Fail(errors.New("catalog unreachable")))
	require.NoError(t, sub.HandleEvent(ctx, harvest.Event{Signal: harvest.SignalAfterRun, Source: source, Job: failed}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Source event", entries[0].Message)
	assert.Equal(t, "portal", entries[0].ContextMap()["source"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	fields := entries[1].ContextMap()
	assert.Equal(t, failed.ID, fields["job_id"])
	assert.EqualValues(t, "failed", fields["status"])
}
