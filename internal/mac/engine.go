package mac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"polystore/pkg/domain"
)

// Denial step names reported through the audit trail. CanAccess itself
// returns only a boolean; callers consult the trail for diagnostics.
const (
	StepExpired     = "context_expired"
	StepClearance   = "clearance"
	StepCompartment = "compartment"
	StepRole        = "role"
	StepOrgWindow   = "org_time_window"
	StepOrgMFA      = "org_mfa"
	StepOrgSession  = "org_session_age"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDecisionTTL overrides the resource-decision cache TTL.
func WithDecisionTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.decisions.ttl = ttl }
}

// WithResourceEvaluator replaces the default permission-based resource rule.
func WithResourceEvaluator(eval ResourceEvaluator) Option {
	return func(e *Engine) { e.evaluate = eval }
}

// ResourceEvaluator computes an uncached resource access decision.
type ResourceEvaluator func(sctx domain.SecurityContext, resourceType, resourceID, action string) bool

// Engine evaluates access requests against a security context and the
// configured policy data. It is safe for concurrent use; policy swaps flush
// the decision cache.
type Engine struct {
	mu        sync.RWMutex
	policy    Policy
	audit     domain.AuditRecorder
	now       func() time.Time
	decisions *decisionCache
	evaluate  ResourceEvaluator
}

// NewEngine constructs an engine with the given policy and audit sink.
func NewEngine(policy Policy, audit domain.AuditRecorder, opts ...Option) *Engine {
	if audit == nil {
		audit = domain.NopAuditRecorder{}
	}
	e := &Engine{
		policy:    policy,
		audit:     audit,
		now:       func() time.Time { return time.Now().UTC() },
		decisions: newDecisionCache(5 * time.Minute),
	}
	e.evaluate = func(sctx domain.SecurityContext, resourceType, _, action string) bool {
		return e.HasPermission(sctx, resourceType+":"+action)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy swaps the policy data and invalidates every cached resource
// decision.
func (e *Engine) SetPolicy(policy Policy) {
	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()
	e.decisions.invalidateAll()
}

// CanAccess evaluates the MAC pipeline for a classification and compartment
// requirement. Steps short-circuit on first failure; every denial is audited
// with the failing step.
func (e *Engine) CanAccess(ctx context.Context, sctx domain.SecurityContext, classification domain.ClassificationLevel, required domain.CompartmentSet) bool {
	e.mu.RLock()
	policy := e.policy
	e.mu.RUnlock()
	now := e.now()

	resource := fmt.Sprintf("%s/%s", classification, required.Canonical())

	if sctx.Expired(now) {
		e.deny(ctx, sctx, resource, StepExpired)
		return false
	}
	if sctx.Clearance.Rank() < classification.Rank() {
		e.deny(ctx, sctx, resource, StepClearance)
		return false
	}
	if !required.SubsetOf(sctx.Compartments) {
		e.deny(ctx, sctx, resource, StepCompartment)
		return false
	}
	if !policy.RoleAllowsLevel(sctx.Roles, classification) {
		e.deny(ctx, sctx, resource, StepRole)
		return false
	}
	if org := policy.Org; org != nil {
		if window, ok := org.AccessWindows[classification]; ok && !window.Allows(now) {
			e.deny(ctx, sctx, resource, StepOrgWindow)
			return false
		}
		if org.RequireMFA[classification] && !sctx.AuthProof.MFA {
			e.deny(ctx, sctx, resource, StepOrgMFA)
			return false
		}
		if maxAge, ok := org.MaxSessionAge[classification]; ok && now.Sub(sctx.IssuedAt) > maxAge {
			e.deny(ctx, sctx, resource, StepOrgSession)
			return false
		}
	}
	return true
}

// CanWrite evaluates the write-side MAC check for a classification and
// compartment pair. Writing requires the same pipeline as reading plus the
// entity:write permission.
func (e *Engine) CanWrite(ctx context.Context, sctx domain.SecurityContext, classification domain.ClassificationLevel, required domain.CompartmentSet) bool {
	if !e.CanAccess(ctx, sctx, classification, required) {
		return false
	}
	if !e.HasPermission(sctx, "entity:write") {
		e.deny(ctx, sctx, fmt.Sprintf("%s/%s", classification, required.Canonical()), StepRole)
		return false
	}
	return true
}

// HasPermission reports whether any of the subject's roles grants the named
// permission.
func (e *Engine) HasPermission(sctx domain.SecurityContext, permission string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.RoleGrantsPermission(sctx.Roles, permission)
}

// CanAccessResource evaluates a resource-level decision, caching both
// positive and negative outcomes per (subject, resource, action) for the
// configured TTL. A permission change within the TTL window is only observed
// after an explicit invalidation hook fires; absent a hook the cache is
// eventually consistent.
func (e *Engine) CanAccessResource(ctx context.Context, sctx domain.SecurityContext, resourceType, resourceID, action string) bool {
	key := decisionKey(sctx.SubjectID, resourceType, resourceID, action)
	if allowed, ok := e.decisions.get(key, e.now()); ok {
		return allowed
	}
	allowed := e.evaluate(sctx, resourceType, resourceID, action)
	e.decisions.put(key, allowed, e.now())
	if !allowed {
		e.deny(ctx, sctx, resourceType+"/"+resourceID, StepRole)
	}
	return allowed
}

// InvalidateResource drops cached decisions for one resource.
func (e *Engine) InvalidateResource(resourceType, resourceID string) {
	e.decisions.invalidatePrefixAny("|" + resourceType + "|" + resourceID + "|")
}

// InvalidateSubject drops cached decisions for one subject.
func (e *Engine) InvalidateSubject(subjectID string) {
	e.decisions.invalidatePrefix(subjectID + "|")
}

// InvalidateAll drops every cached resource decision.
func (e *Engine) InvalidateAll() {
	e.decisions.invalidateAll()
}

func (e *Engine) deny(ctx context.Context, sctx domain.SecurityContext, resource, step string) {
	e.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  "can_access",
		Actor:      sctx.SubjectID,
		Component:  "mac",
		Outcome:    domain.AuditDenied,
		Reason:     step,
		EntityID:   resource,
		OccurredAt: e.now(),
	})
}
