// Package poly implements the polyinstantiation store: one logical entity,
// one instance per (classification, compartments) pair, merged per reader
// into the single view their clearance supports.
package poly

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"polystore/internal/seccache"
	"polystore/pkg/domain"
)

// AccessChecker is the slice of the MAC engine the store consumes.
type AccessChecker interface {
	CanAccess(ctx context.Context, sctx domain.SecurityContext, classification domain.ClassificationLevel, required domain.CompartmentSet) bool
	CanWrite(ctx context.Context, sctx domain.SecurityContext, classification domain.ClassificationLevel, required domain.CompartmentSet) bool
}

// Option configures a Store.
type Option func(*Store)

// WithViewCache attaches a merged-view cache. Entries are labeled with the
// view's classification and invalidated on every write to the logical ID.
func WithViewCache(cache *seccache.Cache) Option {
	return func(s *Store) { s.cache = cache }
}

// WithAuditRecorder attaches an audit sink for mutations.
func WithAuditRecorder(recorder domain.AuditRecorder) Option {
	return func(s *Store) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store reads and writes classified instances through the MAC gate. All
// mutation paths funnel through PutInstance and DeleteInstance; nothing may
// write to the underlying storage directly.
type Store struct {
	storage domain.Storage
	access  AccessChecker
	cache   *seccache.Cache
	audit   domain.AuditRecorder
	now     func() time.Time
}

// NewStore constructs a polyinstantiation store over the given storage and
// MAC gate.
func NewStore(storage domain.Storage, access AccessChecker, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		access:  access,
		audit:   domain.NopAuditRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func viewCacheKey(logicalID, subjectID string) string {
	return fmt.Sprintf("merged/%s/%s", logicalID, subjectID)
}

// GetMerged returns the merged view of the logical entity for the subject, or
// nil when no instance is visible. Instances the subject may not read are
// excluded silently; they are not an error.
func (s *Store) GetMerged(ctx context.Context, logicalID string, sctx domain.SecurityContext) (*domain.MergedView, error) {
	cacheKey := viewCacheKey(logicalID, sctx.SubjectID)
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, sctx, cacheKey); err == nil && ok {
			if view, ok := cached.(domain.MergedView); ok {
				return cloneView(view), nil
			}
		}
	}

	visible, err := s.visibleInstances(ctx, logicalID, sctx)
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return nil, nil
	}

	view := merge(visible)

	if s.cache != nil {
		// Best effort: a subject without write permission simply reads
		// uncached.
		_ = s.cache.Set(ctx, sctx, cacheKey, *cloneView(*view), seccache.WithLabel(seccache.SecurityLabel{
			Classification: view.Classification,
		}))
	}
	return view, nil
}

// PutInstance validates and upserts an instance on its uniqueness triple.
// The subject must pass the write-side MAC check at the instance's
// classification. Version is bumped on replace and UpdatedAt is stamped.
func (s *Store) PutInstance(ctx context.Context, instance domain.Instance, sctx domain.SecurityContext) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	if !s.access.CanWrite(ctx, sctx, instance.Classification, instance.Compartments) {
		return domain.AccessDeniedError{Subject: sctx.SubjectID, Resource: instance.Key(), Step: "put_instance"}
	}

	instance = instance.Clone()
	instance.Compartments = domain.NewCompartmentSet(instance.Compartments...)
	if instance.InstanceID == "" {
		instance.InstanceID = uuid.NewString()
	}

	key := instance.Key()
	raw, found, err := s.storage.Get(ctx, domain.StoreObjectsPoly, key)
	if err != nil {
		return err
	}
	if found {
		var existing domain.Instance
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("decode instance %s: %w", key, err)
		}
		instance.Version = existing.Version + 1
	} else if instance.Version == 0 {
		instance.Version = 1
	}
	instance.UpdatedAt = s.now()

	payload, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", key, err)
	}
	if err := s.storage.Put(ctx, domain.StoreObjectsPoly, key, payload); err != nil {
		return err
	}

	s.invalidateViews(instance.LogicalID)
	s.record(ctx, "put_instance", sctx.SubjectID, key)
	return nil
}

// DeleteInstance removes one instance by its uniqueness triple. The subject
// must pass the write-side MAC check at the instance's classification.
func (s *Store) DeleteInstance(ctx context.Context, logicalID string, level domain.ClassificationLevel, compartments domain.CompartmentSet, sctx domain.SecurityContext) error {
	if !s.access.CanWrite(ctx, sctx, level, compartments) {
		return domain.AccessDeniedError{Subject: sctx.SubjectID, Resource: logicalID, Step: "delete_instance"}
	}
	key := domain.InstanceKey(logicalID, level, compartments)
	removed, err := s.storage.Delete(ctx, domain.StoreObjectsPoly, key)
	if err != nil {
		return err
	}
	if !removed {
		return domain.NotFoundError{Store: domain.StoreObjectsPoly, Key: key}
	}
	s.invalidateViews(logicalID)
	s.record(ctx, "delete_instance", sctx.SubjectID, key)
	return nil
}

// ListInstances returns every instance of the logical entity, lowest
// classification first. It bypasses MAC filtering and must stay internal to
// privileged callers (sync, CDS); it is never routed through the public
// surface.
func (s *Store) ListInstances(ctx context.Context, logicalID string) ([]domain.Instance, error) {
	instances, err := s.loadInstances(ctx, logicalID)
	if err != nil {
		return nil, err
	}
	sortInstances(instances)
	return instances, nil
}

// GetInstance returns one instance by its uniqueness triple without MAC
// filtering. Privileged/internal use only.
func (s *Store) GetInstance(ctx context.Context, logicalID string, level domain.ClassificationLevel, compartments domain.CompartmentSet) (domain.Instance, bool, error) {
	key := domain.InstanceKey(logicalID, level, compartments)
	raw, found, err := s.storage.Get(ctx, domain.StoreObjectsPoly, key)
	if err != nil || !found {
		return domain.Instance{}, false, err
	}
	var instance domain.Instance
	if err := json.Unmarshal(raw, &instance); err != nil {
		return domain.Instance{}, false, fmt.Errorf("decode instance %s: %w", key, err)
	}
	return instance, true, nil
}

func (s *Store) visibleInstances(ctx context.Context, logicalID string, sctx domain.SecurityContext) ([]domain.Instance, error) {
	instances, err := s.loadInstances(ctx, logicalID)
	if err != nil {
		return nil, err
	}
	visible := instances[:0]
	for _, instance := range instances {
		if s.access.CanAccess(ctx, sctx, instance.Classification, instance.Compartments) {
			visible = append(visible, instance)
		}
	}
	return visible, nil
}

func (s *Store) loadInstances(ctx context.Context, logicalID string) ([]domain.Instance, error) {
	keys, err := s.storage.QueryIndex(ctx, domain.StoreObjectsPoly, "logical_id", logicalID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.storage.GetBulk(ctx, domain.StoreObjectsPoly, keys)
	if err != nil {
		return nil, err
	}
	instances := make([]domain.Instance, 0, len(values))
	for key, raw := range values {
		var instance domain.Instance
		if err := json.Unmarshal(raw, &instance); err != nil {
			return nil, fmt.Errorf("decode instance %s: %w", key, err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// merge folds the visible instances ascending by classification: a higher
// level overrides field by field, an omitted field never erases a lower
// value. The view's identity fields come from the highest instance actually
// visible.
func merge(visible []domain.Instance) *domain.MergedView {
	sortInstances(visible)

	if len(visible) == 1 {
		only := visible[0].Clone()
		return &domain.MergedView{
			LogicalID:      only.LogicalID,
			EntityType:     only.EntityType,
			InstanceID:     only.InstanceID,
			Classification: only.Classification,
			Data:           only.Data,
			UpdatedAt:      only.UpdatedAt,
			SourceCount:    1,
		}
	}

	data := make(map[string]any)
	for _, instance := range visible {
		for field, value := range instance.Data {
			data[field] = value
		}
	}
	highest := visible[len(visible)-1]
	return &domain.MergedView{
		LogicalID:      highest.LogicalID,
		EntityType:     highest.EntityType,
		InstanceID:     highest.InstanceID,
		Classification: highest.Classification,
		Data:           data,
		UpdatedAt:      highest.UpdatedAt,
		SourceCount:    len(visible),
	}
}

func sortInstances(instances []domain.Instance) {
	sort.Slice(instances, func(a, b int) bool {
		if instances[a].Classification != instances[b].Classification {
			return instances[a].Classification.Rank() < instances[b].Classification.Rank()
		}
		return instances[a].Compartments.Canonical() < instances[b].Compartments.Canonical()
	})
}

func (s *Store) invalidateViews(logicalID string) {
	if s.cache != nil {
		s.cache.DeletePrefix("merged/" + logicalID + "/")
	}
}

func (s *Store) record(ctx context.Context, op, actor, key string) {
	s.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  op,
		Actor:      actor,
		Component:  "poly",
		Outcome:    domain.AuditSuccess,
		EntityID:   key,
		OccurredAt: s.now(),
	})
}

func cloneView(view domain.MergedView) *domain.MergedView {
	cp := view
	if view.Data != nil {
		cp.Data = make(map[string]any, len(view.Data))
		for k, v := range view.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
