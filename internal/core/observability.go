package core

import (
	"context"
	"time"

	"supplycore/pkg/domain"
)

// Logger is the structured logger the service writes to. *slog.Logger
// satisfies it.
type Logger = domain.Logger

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AuditStatus is the outcome recorded for an operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one service operation.
type AuditEntry struct {
	Operation string            `json:"operation"`
	Entity    domain.EntityType `json:"entity"`
	Action    domain.Action     `json:"action,omitempty"`
	EntityID  string            `json:"entity_id,omitempty"`
	Actor     domain.Address    `json:"actor,omitempty"`
	Status    AuditStatus       `json:"status"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditRecorder receives an entry for every mutating operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes every operation's outcome and latency.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan is ended exactly once with the operation's error.
type TraceSpan interface {
	End(err error)
}

// Tracer starts a span per operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// Clock supplies the time stamped on audit entries.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// opMeta describes how an operation shows up in the audit trail. Read-only
// operations have no entry and are only traced and measured.
type opMeta struct {
	entity domain.EntityType
	action domain.Action
}

var auditedOps = map[string]opMeta{
	OpApproveRequest:       {entity: domain.EntityRequest, action: domain.ActionUpdate},
	OpDeclineRequest:       {entity: domain.EntityRequest, action: domain.ActionUpdate},
	OpSendRequest:          {entity: domain.EntityRequest, action: domain.ActionCreate},
	OpManufacture:          {entity: domain.EntityLot, action: domain.ActionCreate},
	OpConvertToSupply:      {entity: domain.EntityLot, action: domain.ActionCreate},
	OpSendContract:         {entity: domain.EntityRequest, action: domain.ActionCreate},
	OpApproveContract:      {entity: domain.EntityRequest, action: domain.ActionUpdate},
	OpDeclineContract:      {entity: domain.EntityRequest, action: domain.ActionUpdate},
	OpSendDeleteRequest:    {entity: domain.EntityProduct, action: domain.ActionCreate},
	OpRespondDeleteRequest: {entity: domain.EntityProduct, action: domain.ActionUpdate},
	OpCreateCompany:        {entity: domain.EntityCompany, action: domain.ActionCreate},
	OpCreateProduct:        {entity: domain.EntityProduct, action: domain.ActionCreate},
}

// op is one instrumented call. Callers set entityID once known and pass the
// final error to end.
type op struct {
	svc      *Service
	ctx      context.Context
	name     string
	actor    domain.Address
	entityID string
	started  time.Time
	span     TraceSpan
}

func (s *Service) begin(ctx context.Context, name string, actor domain.Address) (*op, context.Context) {
	ctx, span := s.tracer.Start(ctx, name)
	return &op{svc: s, ctx: ctx, name: name, actor: actor, started: time.Now(), span: span}, ctx
}

func (o *op) end(err error) {
	elapsed := time.Since(o.started)
	o.span.End(err)
	o.svc.metrics.Observe(o.ctx, o.name, err == nil, elapsed)
	if err != nil {
		o.svc.logger.Warn("operation failed", "operation", o.name, "actor", o.actor, "error", err)
		o.svc.recordAudit(o.ctx, o.name, o.actor, o.entityID, elapsed, err)
		return
	}
	o.svc.logger.Debug("operation completed", "operation", o.name, "entity_id", o.entityID, "duration", elapsed)
	o.svc.recordAudit(o.ctx, o.name, o.actor, o.entityID, elapsed, nil)
}

func (s *Service) recordAudit(ctx context.Context, name string, actor domain.Address, entityID string, elapsed time.Duration, err error) {
	meta, ok := auditedOps[name]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: name,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Actor:     actor,
		Status:    AuditStatusSuccess,
		Duration:  elapsed,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
