package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/logger"
)

// Signal names a lifecycle event.
type Signal string

const (
	SignalSourceCreated     Signal = "source.created"
	SignalSourceDeleted     Signal = "source.deleted"
	SignalSourceScheduled   Signal = "source.scheduled"
	SignalSourceUnscheduled Signal = "source.unscheduled"
	SignalBeforeRun         Signal = "job.before-run"
	SignalAfterRun          Signal = "job.after-run"
)

// Event is delivered to subscribers. Job is set for run signals only.
type Event struct {
	Signal Signal    `json:"signal"`
	At     time.Time `json:"at"`
	Source *Source   `json:"source,omitempty"`
	Job    *Job      `json:"job,omitempty"`
}

// Subscriber receives events. Returned errors are logged.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Bus fans events out to subscribers synchronously, in subscription order.
// A failing or panicking subscriber never affects the emitter or the other
// subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	log         *zap.SugaredLogger
}

// NewBus creates a bus logging subscriber failures to log.
func NewBus(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{log: log}
}

// Subscribe registers s for every later Emit.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
}

// Emit delivers ev to every subscriber. A nil bus drops the event.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = now()
	}
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("Subscriber panicked",
				logger.FieldSignal, ev.Signal,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := s.HandleEvent(ctx, ev); err != nil {
		b.log.Warnw("Subscriber failed",
			logger.FieldSignal, ev.Signal,
			logger.FieldError, err,
		)
	}
}

// Channel subscribes a buffered channel. Events are dropped when the buffer
// is full so that slow readers never block the emitter. Call the returned
// function to unsubscribe; the channel is closed afterwards.
func (b *Bus) Channel(buffer int) (<-chan Event, func()) {
	cs := &chanSubscriber{ch: make(chan Event, buffer)}
	b.Subscribe(cs)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subscribers {
				if s == Subscriber(cs) {
					b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
					break
				}
			}
			b.mu.Unlock()

			cs.mu.Lock()
			cs.closed = true
			close(cs.ch)
			cs.mu.Unlock()
		})
	}
	return cs.ch, cancel
}

type chanSubscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (c *chanSubscriber) HandleEvent(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- ev:
	default:
		// reader is behind
	}
	return nil
}
