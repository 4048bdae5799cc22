package poly

import (
	"context"
	"errors"
	"testing"
	"time"

	"polystore/internal/infra/persistence/memory"
	"polystore/internal/mac"
	"polystore/internal/seccache"
	"polystore/pkg/domain"
)

var testNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func subjectWith(clearance domain.ClassificationLevel, compartments ...domain.Compartment) domain.SecurityContext {
	return domain.SecurityContext{
		SubjectID:    "alice",
		Clearance:    clearance,
		Compartments: domain.NewCompartmentSet(compartments...),
		Roles:        []domain.Role{mac.RoleOfficer},
		AuthProof:    domain.AuthProof{TokenID: "tok", MFA: true, IssuedAt: testNow},
		IssuedAt:     testNow,
		ExpiresAt:    testNow.Add(time.Hour),
	}
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	storage := memory.NewStore(domain.DefaultIndexes()...)
	engine := mac.NewEngine(mac.DefaultPolicy(), nil, mac.WithClock(testClock))
	all := append([]Option{WithClock(testClock)}, opts...)
	return NewStore(storage, engine, all...)
}

func put(t *testing.T, s *Store, sctx domain.SecurityContext, level domain.ClassificationLevel, data map[string]any, compartments ...domain.Compartment) {
	t.Helper()
	err := s.PutInstance(context.Background(), domain.Instance{
		LogicalID:      "doc-1",
		EntityType:     "document",
		Classification: level,
		Compartments:   domain.NewCompartmentSet(compartments...),
		Data:           data,
	}, sctx)
	if err != nil {
		t.Fatalf("put %s instance: %v", level, err)
	}
}

func TestMergeHigherOverridesFieldByField(t *testing.T) {
	s := newTestStore(t)
	officer := subjectWith(domain.LevelTopSecret)

	put(t, s, officer, domain.LevelPublic, map[string]any{"title": "Public"})
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "Secret Title", "content": "X"})

	view, err := s.GetMerged(context.Background(), "doc-1", officer)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if view == nil {
		t.Fatalf("expected a view")
	}
	if view.Classification != domain.LevelSecret {
		t.Fatalf("top-level classification must come from the highest visible instance, got %s", view.Classification)
	}
	if view.Data["title"] != "Secret Title" || view.Data["content"] != "X" {
		t.Fatalf("unexpected merged data %v", view.Data)
	}
	if view.SourceCount != 2 {
		t.Fatalf("expected 2 sources, got %d", view.SourceCount)
	}
}

func TestMergeOmittedFieldDoesNotErase(t *testing.T) {
	s := newTestStore(t)
	officer := subjectWith(domain.LevelTopSecret)

	put(t, s, officer, domain.LevelInternal, map[string]any{"title": "Internal", "owner": "ops"})
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "Secret"})

	view, err := s.GetMerged(context.Background(), "doc-1", officer)
	if err != nil || view == nil {
		t.Fatalf("get merged: view=%v err=%v", view, err)
	}
	if view.Data["owner"] != "ops" {
		t.Fatalf("higher instance omitting a field must not erase the lower value, got %v", view.Data)
	}
	if view.Data["title"] != "Secret" {
		t.Fatalf("shared field must take the higher value, got %v", view.Data["title"])
	}
}

func TestMergeFiltersByReaderClearance(t *testing.T) {
	s := newTestStore(t)
	officer := subjectWith(domain.LevelTopSecret)

	put(t, s, officer, domain.LevelPublic, map[string]any{"title": "Public"})
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "Secret Title", "content": "X"})

	reader := subjectWith(domain.LevelInternal)
	view, err := s.GetMerged(context.Background(), "doc-1", reader)
	if err != nil || view == nil {
		t.Fatalf("get merged: view=%v err=%v", view, err)
	}
	if view.Classification != domain.LevelPublic {
		t.Fatalf("reader must only see the public instance, got %s", view.Classification)
	}
	if _, leaked := view.Data["content"]; leaked {
		t.Fatalf("secret field leaked into a low view")
	}
	if view.SourceCount != 1 {
		t.Fatalf("expected a single source, got %d", view.SourceCount)
	}
}

func TestMergeEmptySetIsNil(t *testing.T) {
	s := newTestStore(t)
	view, err := s.GetMerged(context.Background(), "missing", subjectWith(domain.LevelTopSecret))
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if view != nil {
		t.Fatalf("no visible instance must yield a nil view, got %+v", view)
	}
}

func TestMergeCompartmentFiltering(t *testing.T) {
	s := newTestStore(t)
	officer := subjectWith(domain.LevelTopSecret, "NOFORN", "CRYPTO")

	put(t, s, officer, domain.LevelSecret, map[string]any{"source": "wire"}, "NOFORN", "CRYPTO")
	put(t, s, officer, domain.LevelInternal, map[string]any{"title": "Base"})

	partial := subjectWith(domain.LevelTopSecret, "NOFORN")
	view, err := s.GetMerged(context.Background(), "doc-1", partial)
	if err != nil || view == nil {
		t.Fatalf("get merged: view=%v err=%v", view, err)
	}
	if _, leaked := view.Data["source"]; leaked {
		t.Fatalf("compartmented instance leaked to a subject missing CRYPTO")
	}
}

func TestPutInstanceUpsertBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	officer := subjectWith(domain.LevelTopSecret)

	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "v1"})
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "v2"})

	instances, err := s.ListInstances(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("upsert must replace on the uniqueness triple, got %d rows", len(instances))
	}
	if instances[0].Version != 2 {
		t.Fatalf("expected version 2, got %d", instances[0].Version)
	}
	if instances[0].Data["title"] != "v2" {
		t.Fatalf("replacement payload lost: %v", instances[0].Data)
	}
}

func TestPutInstanceRequiresWriteMAC(t *testing.T) {
	s := newTestStore(t)

	low := subjectWith(domain.LevelInternal)
	err := s.PutInstance(context.Background(), domain.Instance{
		LogicalID:      "doc-1",
		Classification: domain.LevelSecret,
		Data:           map[string]any{"title": "x"},
	}, low)
	if !domain.IsAccessDenied(err) {
		t.Fatalf("expected write denial, got %v", err)
	}

	instances, _ := s.ListInstances(context.Background(), "doc-1")
	if len(instances) != 0 {
		t.Fatalf("denied write must not persist")
	}
}

func TestPutInstanceRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	err := s.PutInstance(context.Background(), domain.Instance{Classification: domain.LevelPublic}, subjectWith(domain.LevelTopSecret))
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestViewCacheInvalidatedOnWrite(t *testing.T) {
	engine := mac.NewEngine(mac.DefaultPolicy(), nil, mac.WithClock(testClock))
	cache := seccache.New(engine, seccache.WithCapacity(16), seccache.WithClock(testClock))
	storage := memory.NewStore(domain.DefaultIndexes()...)
	s := NewStore(storage, engine, WithClock(testClock), WithViewCache(cache))

	officer := subjectWith(domain.LevelTopSecret)
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "v1"})

	first, err := s.GetMerged(context.Background(), "doc-1", officer)
	if err != nil || first == nil || first.Data["title"] != "v1" {
		t.Fatalf("first read: view=%v err=%v", first, err)
	}

	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "v2"})
	second, err := s.GetMerged(context.Background(), "doc-1", officer)
	if err != nil || second == nil {
		t.Fatalf("second read: view=%v err=%v", second, err)
	}
	if second.Data["title"] != "v2" {
		t.Fatalf("stale cached view survived a write: %v", second.Data)
	}
}

func TestCachedViewServedAsIsolatedCopy(t *testing.T) {
	engine := mac.NewEngine(mac.DefaultPolicy(), nil, mac.WithClock(testClock))
	cache := seccache.New(engine, seccache.WithCapacity(16), seccache.WithClock(testClock))
	storage := memory.NewStore(domain.DefaultIndexes()...)
	s := NewStore(storage, engine, WithClock(testClock), WithViewCache(cache))

	officer := subjectWith(domain.LevelTopSecret)
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "v1"})

	first, err := s.GetMerged(context.Background(), "doc-1", officer)
	if err != nil || first == nil {
		t.Fatalf("first read: view=%v err=%v", first, err)
	}
	if _, ok, _ := cache.Get(context.Background(), officer, viewCacheKey("doc-1", officer.SubjectID)); !ok {
		t.Fatalf("merged view was not cached")
	}

	// Callers own their copy; scribbling on it must not poison the cache.
	first.Data["title"] = "tampered"
	second, err := s.GetMerged(context.Background(), "doc-1", officer)
	if err != nil || second == nil {
		t.Fatalf("cached read: view=%v err=%v", second, err)
	}
	if second.Data["title"] != "v1" {
		t.Fatalf("cached view shares state with a caller: %v", second.Data)
	}
}

func TestListInstancesLoadsThroughIndex(t *testing.T) {
	s := newTestStore(t)
	officer := subjectWith(domain.LevelTopSecret, "NOFORN")

	put(t, s, officer, domain.LevelPublic, map[string]any{"title": "p"})
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "s"})
	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "n"}, "NOFORN")

	instances, err := s.ListInstances(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}
	if instances[0].Classification != domain.LevelPublic || instances[2].Compartments.Canonical() != "NOFORN" {
		t.Fatalf("instances out of order: %+v", instances)
	}
	if instances, _ := s.ListInstances(context.Background(), "doc-other"); len(instances) != 0 {
		t.Fatalf("unrelated logical id must resolve to nothing, got %d", len(instances))
	}
}

func TestDeleteInstance(t *testing.T) {
	s := newTestStore(t)
	officer := subjectWith(domain.LevelTopSecret)

	put(t, s, officer, domain.LevelSecret, map[string]any{"title": "x"})
	if err := s.DeleteInstance(context.Background(), "doc-1", domain.LevelSecret, nil, officer); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteInstance(context.Background(), "doc-1", domain.LevelSecret, nil, officer); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
