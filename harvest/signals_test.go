package harvest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/remilejeune/udata-harvest/errors"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t).Sugar())
	var got []string
	bus.Subscribe(SubscriberFunc(func(_ context.Context, ev Event) error {
		got = append(got, "first:"+string(ev.Signal))
		return nil
	}))
	bus.Subscribe(SubscriberFunc(func(_ context.Context, ev Event) error {
		got = append(got, "second:"+string(ev.Signal))
		return nil
	}))

	bus.Emit(context.Background(), Event{Signal: SignalSourceCreated})
	assert.Equal(t, []string{"first:source.created", "second:source.created"}, got)
}

func TestBus_IsolatesSubscribers(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t).Sugar())
	rec := &eventRecorder{}
	bus.Subscribe(SubscriberFunc(func(context.Context, Event) error { panic("subscriber bug") }))
	bus.Subscribe(SubscriberFunc(func(context.Context, Event) error { return errors.New("nats down") }))
	bus.Subscribe(rec)

	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), Event{Signal: SignalBeforeRun})
	})
	assert.Equal(t, []Signal{SignalBeforeRun}, rec.signals())

	ev, ok := rec.last(SignalBeforeRun)
	require.True(t, ok)
	assert.False(t, ev.At.IsZero(), "emit stamps the event")
}

func TestBus_NilIsSilent(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), Event{Signal: SignalAfterRun})
	})
}

func TestBus_Channel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Channel(1)

	bus.Emit(context.Background(), Event{Signal: SignalSourceCreated})
	// buffer full: dropped, never blocks
	bus.Emit(context.Background(), Event{Signal: SignalSourceDeleted})

	ev := <-ch
	assert.Equal(t, SignalSourceCreated, ev.Signal)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), Event{Signal: SignalSourceScheduled})
	})
}
