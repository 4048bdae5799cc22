// Package cds implements the cross-domain solution workflow: the only
// sanctioned path for data to cross a classification boundary. Requests move
// Requested -> Approved -> Completed under two-person integrity; a rejection
// is terminal. Every transition lands in an append-only event log.
package cds

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"polystore/pkg/domain"
)

// InstanceWriter is the slice of the polyinstantiation store the workflow
// writes through on completion.
type InstanceWriter interface {
	PutInstance(ctx context.Context, instance domain.Instance, sctx domain.SecurityContext) error
}

// PermissionChecker gates approval actions.
type PermissionChecker interface {
	HasPermission(sctx domain.SecurityContext, permission string) bool
}

// Config bounds the approval workflow.
type Config struct {
	// RequiredApprovals is the approval count that moves a request to
	// Approved. Defaults to 2 (two-person integrity).
	RequiredApprovals int
	// DistinctApprovers requires the approvals to come from different
	// subjects. Off by default: the reference workflow counts repeat
	// approvals from one approver, which defeats two-person integrity, and
	// deployments must opt in to the stricter rule explicitly.
	DistinctApprovers bool
}

func (c Config) withDefaults() Config {
	if c.RequiredApprovals <= 0 {
		c.RequiredApprovals = 2
	}
	return c
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithAuditRecorder attaches an audit sink.
func WithAuditRecorder(recorder domain.AuditRecorder) Option {
	return func(w *Workflow) {
		if recorder != nil {
			w.audit = recorder
		}
	}
}

// WithClock overrides the workflow's time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// Workflow owns the CDS request lifecycle over the storage collaborator.
type Workflow struct {
	cfg     Config
	storage domain.Storage
	store   InstanceWriter
	access  PermissionChecker
	audit   domain.AuditRecorder
	now     func() time.Time
}

// NewWorkflow constructs a CDS workflow writing completions through the
// given instance store.
func NewWorkflow(cfg Config, storage domain.Storage, store InstanceWriter, access PermissionChecker, opts ...Option) *Workflow {
	w := &Workflow{
		cfg:     cfg.withDefaults(),
		storage: storage,
		store:   store,
		access:  access,
		audit:   domain.NopAuditRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SubmitRequest validates and persists a new request in Requested state.
func (w *Workflow) SubmitRequest(ctx context.Context, request domain.CDSRequest, sctx domain.SecurityContext) (domain.CDSRequest, error) {
	if err := request.Validate(); err != nil {
		return domain.CDSRequest{}, err
	}
	now := w.now()
	request.ID = uuid.NewString()
	request.Status = domain.CDSRequested
	request.CreatedBy = sctx.SubjectID
	request.CreatedAt = now
	request.UpdatedAt = now

	if err := w.saveRequest(ctx, request); err != nil {
		return domain.CDSRequest{}, err
	}
	if err := w.appendEvent(ctx, request.ID, "requested", sctx.SubjectID, domain.CDSRequested, map[string]any{
		"direction": string(request.Direction),
		"from":      request.FromLevel.String(),
		"to":        request.ToLevel.String(),
	}); err != nil {
		return domain.CDSRequest{}, err
	}
	return request, nil
}

// GetRequest loads one request.
func (w *Workflow) GetRequest(ctx context.Context, requestID string) (domain.CDSRequest, error) {
	raw, found, err := w.storage.Get(ctx, domain.StoreCDSRequests, requestID)
	if err != nil {
		return domain.CDSRequest{}, err
	}
	if !found {
		return domain.CDSRequest{}, domain.NotFoundError{Store: domain.StoreCDSRequests, Key: requestID}
	}
	var request domain.CDSRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return domain.CDSRequest{}, fmt.Errorf("decode request %s: %w", requestID, err)
	}
	return request, nil
}

// RecordApproval appends one approval decision. A reject moves the request
// to Rejected immediately and permanently; approvals reaching the configured
// count move it to Approved. Decisions on a terminal request fail.
func (w *Workflow) RecordApproval(ctx context.Context, requestID string, decision domain.ApprovalDecision, comment string, sctx domain.SecurityContext) (domain.CDSRequest, error) {
	if !w.access.HasPermission(sctx, "cds:approve") {
		w.record(ctx, "record_approval", sctx.SubjectID, domain.AuditDenied, "missing cds:approve", requestID)
		return domain.CDSRequest{}, domain.AccessDeniedError{Subject: sctx.SubjectID, Resource: requestID, Step: "cds_approve"}
	}
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return domain.CDSRequest{}, domain.ValidationError{Field: "decision", Message: string(decision)}
	}

	request, err := w.GetRequest(ctx, requestID)
	if err != nil {
		return domain.CDSRequest{}, err
	}
	if request.Status.Terminal() {
		return domain.CDSRequest{}, domain.PreconditionError{
			Code:    domain.CodeRejected,
			Message: fmt.Sprintf("request is %s", request.Status),
		}
	}

	approval := domain.Approval{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		ApproverID: sctx.SubjectID,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  w.now(),
	}
	payload, err := json.Marshal(approval)
	if err != nil {
		return domain.CDSRequest{}, fmt.Errorf("encode approval: %w", err)
	}
	if err := w.storage.Put(ctx, domain.StoreCDSApprovals, approval.ID, payload); err != nil {
		return domain.CDSRequest{}, err
	}

	if decision == domain.DecisionReject {
		request.Status = domain.CDSRejected
		request.UpdatedAt = w.now()
		if err := w.saveRequest(ctx, request); err != nil {
			return domain.CDSRequest{}, err
		}
		if err := w.appendEvent(ctx, requestID, "rejected", sctx.SubjectID, domain.CDSRejected, nil); err != nil {
			return domain.CDSRequest{}, err
		}
		return request, nil
	}

	count, err := w.approvalCount(ctx, requestID)
	if err != nil {
		return domain.CDSRequest{}, err
	}
	if err := w.appendEvent(ctx, requestID, "approval_recorded", sctx.SubjectID, request.Status, map[string]any{
		"approvals": count,
	}); err != nil {
		return domain.CDSRequest{}, err
	}
	if count >= w.cfg.RequiredApprovals && request.Status == domain.CDSRequested {
		request.Status = domain.CDSApproved
		request.UpdatedAt = w.now()
		if err := w.saveRequest(ctx, request); err != nil {
			return domain.CDSRequest{}, err
		}
		if err := w.appendEvent(ctx, requestID, "approved", sctx.SubjectID, domain.CDSApproved, nil); err != nil {
			return domain.CDSRequest{}, err
		}
	}
	return request, nil
}

// Approvals lists the recorded approvals for a request, oldest first.
func (w *Workflow) Approvals(ctx context.Context, requestID string) ([]domain.Approval, error) {
	keys, err := w.storage.QueryIndex(ctx, domain.StoreCDSApprovals, "request_id", requestID)
	if err != nil {
		return nil, err
	}
	values, err := w.storage.GetBulk(ctx, domain.StoreCDSApprovals, keys)
	if err != nil {
		return nil, err
	}
	approvals := make([]domain.Approval, 0, len(values))
	for key, raw := range values {
		var approval domain.Approval
		if err := json.Unmarshal(raw, &approval); err != nil {
			return nil, fmt.Errorf("decode approval %s: %w", key, err)
		}
		approvals = append(approvals, approval)
	}
	sort.Slice(approvals, func(a, b int) bool { return approvals[a].DecidedAt.Before(approvals[b].DecidedAt) })
	return approvals, nil
}

// approvalCount counts the approve decisions that advance the request,
// honoring the distinct-approvers constraint when configured.
func (w *Workflow) approvalCount(ctx context.Context, requestID string) (int, error) {
	approvals, err := w.Approvals(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if !w.cfg.DistinctApprovers {
		count := 0
		for _, approval := range approvals {
			if approval.Decision == domain.DecisionApprove {
				count++
			}
		}
		return count, nil
	}
	seen := make(map[string]struct{})
	for _, approval := range approvals {
		if approval.Decision == domain.DecisionApprove {
			seen[approval.ApproverID] = struct{}{}
		}
	}
	return len(seen), nil
}

// Complete moves an Approved request to Completed: the sanitized instance is
// written through the MAC-gated store at the target level and compartments.
// Any other state returns a NOT_APPROVED precondition error and makes no
// storage writes.
func (w *Workflow) Complete(ctx context.Context, requestID string, sanitized map[string]any, sctx domain.SecurityContext) (domain.CDSRequest, error) {
	request, err := w.GetRequest(ctx, requestID)
	if err != nil {
		return domain.CDSRequest{}, err
	}
	if request.Status != domain.CDSApproved {
		code := domain.CodeNotApproved
		if request.Status == domain.CDSRejected {
			code = domain.CodeRejected
		}
		w.record(ctx, "complete", sctx.SubjectID, domain.AuditDenied, code, requestID)
		return domain.CDSRequest{}, domain.PreconditionError{
			Code:    code,
			Message: fmt.Sprintf("request is %s, not approved", request.Status),
		}
	}

	instance := domain.Instance{
		LogicalID:      request.LogicalID,
		EntityType:     "cds_transfer",
		Classification: request.ToLevel,
		Compartments:   request.ToCompartments.Clone(),
		Data:           sanitized,
	}
	if err := w.store.PutInstance(ctx, instance, sctx); err != nil {
		return domain.CDSRequest{}, err
	}

	request.Status = domain.CDSCompleted
	request.UpdatedAt = w.now()
	if err := w.saveRequest(ctx, request); err != nil {
		return domain.CDSRequest{}, err
	}
	if err := w.appendEvent(ctx, requestID, "completed", sctx.SubjectID, domain.CDSCompleted, map[string]any{
		"to_level": request.ToLevel.String(),
	}); err != nil {
		return domain.CDSRequest{}, err
	}
	return request, nil
}

// Events lists the append-only event log for a request, oldest first.
func (w *Workflow) Events(ctx context.Context, requestID string) ([]domain.CDSEvent, error) {
	keys, err := w.storage.QueryIndex(ctx, domain.StoreCDSEvents, "request_id", requestID)
	if err != nil {
		return nil, err
	}
	values, err := w.storage.GetBulk(ctx, domain.StoreCDSEvents, keys)
	if err != nil {
		return nil, err
	}
	events := make([]domain.CDSEvent, 0, len(values))
	for key, raw := range values {
		var event domain.CDSEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", key, err)
		}
		events = append(events, event)
	}
	sort.Slice(events, func(a, b int) bool {
		if !events[a].OccurredAt.Equal(events[b].OccurredAt) {
			return events[a].OccurredAt.Before(events[b].OccurredAt)
		}
		return events[a].ID < events[b].ID
	})
	return events, nil
}

// ReplayEvents reconstructs the request's status from the event log alone.
// It exists to verify the log is complete; a mismatch with the stored row
// means a transition skipped the log.
func (w *Workflow) ReplayEvents(ctx context.Context, requestID string) (domain.CDSStatus, error) {
	events, err := w.Events(ctx, requestID)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", domain.NotFoundError{Store: domain.StoreCDSEvents, Key: requestID}
	}
	status := domain.CDSRequested
	for _, event := range events {
		switch event.Kind {
		case "requested":
			status = domain.CDSRequested
		case "approved":
			status = domain.CDSApproved
		case "rejected":
			status = domain.CDSRejected
		case "completed":
			status = domain.CDSCompleted
		}
	}
	return status, nil
}

func (w *Workflow) saveRequest(ctx context.Context, request domain.CDSRequest) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", request.ID, err)
	}
	return w.storage.Put(ctx, domain.StoreCDSRequests, request.ID, payload)
}

func (w *Workflow) appendEvent(ctx context.Context, requestID, kind, actor string, status domain.CDSStatus, detail map[string]any) error {
	event := domain.CDSEvent{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		Kind:       kind,
		Actor:      actor,
		Status:     status,
		Detail:     detail,
		OccurredAt: w.now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return w.storage.Put(ctx, domain.StoreCDSEvents, event.ID, payload)
}

func (w *Workflow) record(ctx context.Context, op, actor string, outcome domain.AuditOutcome, reason, entityID string) {
	w.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  op,
		Actor:      actor,
		Component:  "cds",
		Outcome:    outcome,
		Reason:     reason,
		EntityID:   entityID,
		OccurredAt: w.now(),
	})
}
