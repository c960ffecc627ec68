package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"modos/pkg/domain"
)

// Logger is the minimal structured logger used by Object. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies timestamps for creation and update dates.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// MetricsRecorder observes the outcome of every object operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// TraceSpan is ended once per traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around object operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

type noopSpan struct{}

func (noopSpan) End(error) {}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

// AuditStatus is the outcome recorded in an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one mutating operation against a container.
type AuditEntry struct {
	ID        string
	Object    string
	Operation string
	Action    domain.Action
	NodeID    string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// operation actions; read-only operations are not audited
var auditedOperations = map[string]domain.Action{
	"create":        domain.ActionCreate,
	"add":           domain.ActionCreate,
	"update":        domain.ActionUpdate,
	"remove":        domain.ActionDelete,
	"remove_object": domain.ActionDelete,
	"encrypt":       domain.ActionUpdate,
	"decrypt":       domain.ActionUpdate,
}

// run wraps op with tracing, metrics, audit and logging.
func (o *Object) run(ctx context.Context, op, nodeID string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, op)
	err := fn(ctx)
	duration := time.Since(start)
	span.End(err)
	o.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		o.logger.Error("modos operation failed", "op", op, "object", o.id, "node", nodeID, "error", err)
		o.recordAudit(ctx, op, nodeID, duration, err)
		return err
	}
	o.logger.Debug("modos operation completed", "op", op, "object", o.id, "node", nodeID, "duration", duration)
	o.recordAudit(ctx, op, nodeID, duration, nil)
	return nil
}

func (o *Object) recordAudit(ctx context.Context, op, nodeID string, duration time.Duration, err error) {
	action, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Object:    o.id,
		Operation: op,
		Action:    action,
		NodeID:    nodeID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: o.clock.Now().UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	o.audit.Record(ctx, entry)
}
