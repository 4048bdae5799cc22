// Package core wires the platform's engines behind a single service facade.
// Every public operation runs through one instrumentation decorator that
// emits an audit record, a metrics observation, and a trace span per call;
// no operation bypasses it.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"polystore/internal/cds"
	"polystore/internal/poly"
	"polystore/internal/syncengine"
	"polystore/pkg/domain"
)

// Option configures a Service.
type Option func(*Service)

// WithAuditRecorder attaches the audit sink for per-operation records.
func WithAuditRecorder(recorder domain.AuditRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder attaches a metrics sink.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithTracer attaches a tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the service's time source.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Service is the application root: the polyinstantiation store, sync engine,
// and CDS workflow behind one instrumented surface.
type Service struct {
	store    *poly.Store
	sync     *syncengine.Engine
	workflow *cds.Workflow

	audit   domain.AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	logger  Logger
	clock   Clock
}

// NewService assembles the facade from its collaborators.
func NewService(store *poly.Store, sync *syncengine.Engine, workflow *cds.Workflow, opts ...Option) *Service {
	s := &Service{
		store:    store,
		sync:     sync,
		workflow: workflow,
		audit:    domain.NopAuditRecorder{},
		metrics:  noopMetrics{},
		tracer:   noopTracer{},
		logger:   noopLogger{},
		clock:    ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetMergedEntity returns the merged view of a logical entity for the
// subject.
func (s *Service) GetMergedEntity(ctx context.Context, logicalID string, sctx domain.SecurityContext) (*domain.MergedView, error) {
	var view *domain.MergedView
	err := s.instrument(ctx, "get_merged_entity", sctx.SubjectID, logicalID, func(ctx context.Context) error {
		var err error
		view, err = s.store.GetMerged(ctx, logicalID, sctx)
		return err
	})
	return view, err
}

// PutEntity writes one instance through the MAC gate and enqueues the
// mutation for sync.
func (s *Service) PutEntity(ctx context.Context, instance domain.Instance, sctx domain.SecurityContext) error {
	return s.instrument(ctx, "put_entity", sctx.SubjectID, instance.Key(), func(ctx context.Context) error {
		if err := s.store.PutInstance(ctx, instance, sctx); err != nil {
			return err
		}
		op := domain.SyncUpdate
		if instance.Version == 0 {
			op = domain.SyncCreate
		}
		s.sync.QueueForSync(ctx, instance, op)
		return nil
	})
}

// DeleteEntity removes one instance and enqueues the deletion for sync.
func (s *Service) DeleteEntity(ctx context.Context, logicalID string, level domain.ClassificationLevel, compartments domain.CompartmentSet, sctx domain.SecurityContext) error {
	return s.instrument(ctx, "delete_entity", sctx.SubjectID, domain.InstanceKey(logicalID, level, compartments), func(ctx context.Context) error {
		if err := s.store.DeleteInstance(ctx, logicalID, level, compartments, sctx); err != nil {
			return err
		}
		s.sync.QueueForSync(ctx, domain.Instance{
			LogicalID:      logicalID,
			Classification: level,
			Compartments:   compartments.Clone(),
		}, domain.SyncDelete)
		return nil
	})
}

// ListEntityInstances lists every instance of a logical entity without MAC
// filtering. Privileged use only; the HTTP surface does not expose it.
func (s *Service) ListEntityInstances(ctx context.Context, logicalID string, sctx domain.SecurityContext) ([]domain.Instance, error) {
	var instances []domain.Instance
	err := s.instrument(ctx, "list_entity_instances", sctx.SubjectID, logicalID, func(ctx context.Context) error {
		var err error
		instances, err = s.store.ListInstances(ctx, logicalID)
		return err
	})
	return instances, err
}

// Sync runs one sync pass in the given direction.
func (s *Service) Sync(ctx context.Context, direction syncengine.Direction, sctx domain.SecurityContext) (domain.SyncReport, error) {
	var report domain.SyncReport
	err := s.instrument(ctx, "sync", sctx.SubjectID, string(direction), func(ctx context.Context) error {
		var err error
		report, err = s.sync.PerformSync(ctx, direction)
		return err
	})
	return report, err
}

// RequeueDeadLetters flushes the dead-letter store back into the sync queue.
func (s *Service) RequeueDeadLetters(ctx context.Context, sctx domain.SecurityContext) (int, error) {
	var requeued int
	err := s.instrument(ctx, "requeue_dead_letters", sctx.SubjectID, "", func(ctx context.Context) error {
		var err error
		requeued, err = s.sync.RequeueDeadLetters(ctx)
		return err
	})
	return requeued, err
}

// SyncConflicts returns the queued unresolved sync conflicts.
func (s *Service) SyncConflicts() []domain.SyncConflict {
	return s.sync.Conflicts()
}

// SubmitCDSRequest petitions a cross-boundary transfer.
func (s *Service) SubmitCDSRequest(ctx context.Context, request domain.CDSRequest, sctx domain.SecurityContext) (domain.CDSRequest, error) {
	var out domain.CDSRequest
	err := s.instrument(ctx, "submit_cds_request", sctx.SubjectID, request.LogicalID, func(ctx context.Context) error {
		var err error
		out, err = s.workflow.SubmitRequest(ctx, request, sctx)
		return err
	})
	return out, err
}

// ApproveCDSRequest records one approval decision.
func (s *Service) ApproveCDSRequest(ctx context.Context, requestID string, decision domain.ApprovalDecision, comment string, sctx domain.SecurityContext) (domain.CDSRequest, error) {
	var out domain.CDSRequest
	err := s.instrument(ctx, "approve_cds_request", sctx.SubjectID, requestID, func(ctx context.Context) error {
		var err error
		out, err = s.workflow.RecordApproval(ctx, requestID, decision, comment, sctx)
		return err
	})
	return out, err
}

// CompleteCDSRequest finishes an approved transfer.
func (s *Service) CompleteCDSRequest(ctx context.Context, requestID string, sanitized map[string]any, sctx domain.SecurityContext) (domain.CDSRequest, error) {
	var out domain.CDSRequest
	err := s.instrument(ctx, "complete_cds_request", sctx.SubjectID, requestID, func(ctx context.Context) error {
		var err error
		out, err = s.workflow.Complete(ctx, requestID, sanitized, sctx)
		return err
	})
	return out, err
}

// instrument is the uniform per-operation decorator: one trace span, one
// metrics observation, one audit record per call.
func (s *Service) instrument(ctx context.Context, operation, actor, entityID string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, operation)
	started := s.clock.Now()
	err := fn(ctx)
	duration := s.clock.Now().Sub(started)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, duration)

	outcome := domain.AuditSuccess
	reason := ""
	switch {
	case err == nil:
	case domain.IsAccessDenied(err):
		outcome = domain.AuditDenied
		reason = err.Error()
	default:
		outcome = domain.AuditError
		reason = err.Error()
	}
	s.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  operation,
		Actor:      actor,
		Component:  "service",
		Outcome:    outcome,
		Reason:     reason,
		EntityID:   entityID,
		Duration:   duration,
		OccurredAt: started,
	})
	if err != nil {
		s.logger.Error("operation failed", "operation", operation, "actor", actor, "entity", entityID, "error", err)
		return err
	}
	s.logger.Debug("operation completed", "operation", operation, "actor", actor, "entity", entityID, "duration", duration)
	return nil
}
