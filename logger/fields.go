package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep keys consistent.
const (
	FieldJobID      = "job_id"
	FieldSourceID   = "source_id"
	FieldSourceSlug = "source"
	FieldBackend    = "backend"
	FieldRemoteID   = "remote_id"
	FieldTaskID     = "task_id"
	FieldLaunchID   = "launch_id"
	FieldWorkerID   = "worker_id"
	FieldComponent  = "component"
	FieldSignal     = "signal"

	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldPath       = "path"
	FieldAddress    = "address"
)

type contextKey string

const (
	jobIDKey    contextKey = "logger_job_id"
	sourceIDKey contextKey = "logger_source_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithSourceID adds a source ID to the context for logging
func WithSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if id, ok := ctx.Value(sourceIDKey).(string); ok && id != "" {
		fields = append(fields, FieldSourceID, id)
	}
	if id, ok := ctx.Value(jobIDKey).(string); ok && id != "" {
		fields = append(fields, FieldJobID, id)
	}
	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	pool := &WorkerPool{logger: logger.ComponentLogger("harvest.worker")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
