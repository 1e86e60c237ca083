package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/logger"
)

// LogSubscriber writes one log line per event.
type LogSubscriber struct {
	log *zap.SugaredLogger
}

// NewLogSubscriber creates a subscriber logging to log.
func NewLogSubscriber(log *zap.SugaredLogger) *LogSubscriber {
	return &LogSubscriber{log: log}
}

// HandleEvent implements harvest.Subscriber.
func (s *LogSubscriber) HandleEvent(_ context.Context, ev harvest.Event) error {
	msg := NewMessage(ev)
	fields := []any{logger.FieldSignal, msg.Signal}
	if msg.Source != nil {
		fields = append(fields, logger.FieldSourceSlug, msg.Source.Slug, logger.FieldBackend, msg.Source.Backend)
	}
	if msg.Job == nil {
		s.log.Infow("Source event", fields...)
		return nil
	}

	fields = append(fields,
		logger.FieldJobID, msg.Job.ID,
		logger.FieldStatus, msg.Job.Status,
		"items", msg.Job.Items,
		"items_failed", msg.Job.ItemsFailed,
	)
	if msg.Job.Status == harvest.JobFailed {
		s.log.Warnw("Job event", append(fields, "errors", msg.Job.Errors)...)
		return nil
	}
	s.log.Infow("Job event", fields...)
	return nil
}
