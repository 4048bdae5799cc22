package seccache

import (
	"context"
	"testing"
	"time"

	"polystore/pkg/domain"
)

type fakeChecker struct {
	allowRead  bool
	allowWrite bool
}

func (f fakeChecker) CanAccess(context.Context, domain.SecurityContext, domain.ClassificationLevel, domain.CompartmentSet) bool {
	return f.allowRead
}

func (f fakeChecker) CanWrite(context.Context, domain.SecurityContext, domain.ClassificationLevel, domain.CompartmentSet) bool {
	return f.allowWrite
}

func openChecker() fakeChecker { return fakeChecker{allowRead: true, allowWrite: true} }

func subject() domain.SecurityContext {
	return domain.SecurityContext{SubjectID: "alice"}
}

func mustSet(t *testing.T, c *Cache, key string, value any, opts ...SetOption) {
	t.Helper()
	if err := c.Set(context.Background(), subject(), key, value, opts...); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func mustGet(t *testing.T, c *Cache, key string) any {
	t.Helper()
	value, ok, err := c.Get(context.Background(), subject(), key)
	if err != nil || !ok {
		t.Fatalf("get %s: ok=%v err=%v", key, ok, err)
	}
	return value
}

func TestLRUEvictionWithRecencyRefresh(t *testing.T) {
	c := New(openChecker(), WithCapacity(2))

	mustSet(t, c, "a", 1)
	mustSet(t, c, "b", 2)
	mustSet(t, c, "c", 3) // evicts a
	if c.Has("a") {
		t.Fatalf("a should have been evicted")
	}

	mustGet(t, c, "b") // refresh recency of b
	mustSet(t, c, "d", 4)
	if c.Has("c") {
		t.Fatalf("c should have been evicted, not b")
	}
	if !c.Has("b") || !c.Has("d") {
		t.Fatalf("b and d should survive")
	}
}

func TestMemoryBoundEvictsUntilFit(t *testing.T) {
	audit := domain.NewMemoryAuditLog()
	c := New(openChecker(), WithMaxBytes(100), WithAuditRecorder(audit))

	mustSet(t, c, "a", "x", WithSize(40))
	mustSet(t, c, "b", "y", WithSize(40))
	mustSet(t, c, "c", "z", WithSize(70)) // must evict a and b
	if c.Len() != 1 || !c.Has("c") {
		t.Fatalf("expected only c to remain, len=%d", c.Len())
	}
	if c.Bytes() != 70 {
		t.Fatalf("byte accounting off: %d", c.Bytes())
	}

	evictions := 0
	for _, e := range audit.Entries() {
		if e.Operation == "cache_evict" && e.Reason == "memory" {
			evictions++
		}
	}
	if evictions != 2 {
		t.Fatalf("expected 2 audited memory evictions, got %d", evictions)
	}
}

func TestOversizedSetFailsWithEmptyCache(t *testing.T) {
	c := New(openChecker(), WithMaxBytes(100))

	mustSet(t, c, "a", "x", WithSize(50))
	mustSet(t, c, "b", "y", WithSize(50))

	err := c.Set(context.Background(), subject(), "huge", "z", WithSize(500))
	if !domain.IsResourceExhausted(err) {
		t.Fatalf("expected resource exhaustion, got %v", err)
	}
	if c.Len() != 0 || c.Bytes() != 0 {
		t.Fatalf("cache must be left empty after a failed oversized set, len=%d bytes=%d", c.Len(), c.Bytes())
	}
}

func TestLabeledGetDeniedIsErrorNotMiss(t *testing.T) {
	audit := domain.NewMemoryAuditLog()
	c := New(fakeChecker{allowRead: false, allowWrite: true}, WithAuditRecorder(audit))

	label := SecurityLabel{Classification: domain.LevelSecret}
	mustSet(t, c, "doc", "payload", WithLabel(label))

	_, ok, err := c.Get(context.Background(), subject(), "doc")
	if ok {
		t.Fatalf("denied get must not return the value")
	}
	if !domain.IsAccessDenied(err) {
		t.Fatalf("denial must be a distinguishable error, got %v", err)
	}
	found := false
	for _, e := range audit.Entries() {
		if e.Operation == "cache_get" && e.Outcome == domain.AuditDenied {
			found = true
		}
	}
	if !found {
		t.Fatalf("denial must be audited")
	}
}

func TestLabeledSetRequiresWriteCheck(t *testing.T) {
	c := New(fakeChecker{allowRead: true, allowWrite: false})

	err := c.Set(context.Background(), subject(), "doc", "payload", WithLabel(SecurityLabel{Classification: domain.LevelSecret}))
	if !domain.IsAccessDenied(err) {
		t.Fatalf("expected write denial, got %v", err)
	}
	if c.Has("doc") {
		t.Fatalf("denied set must store nothing")
	}
}

func TestUnlabeledEntriesBypassGate(t *testing.T) {
	c := New(fakeChecker{}) // denies everything

	mustSet(t, c, "plain", "value")
	if got := mustGet(t, c, "plain"); got != "value" {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestTTLLazyExpiry(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	c := New(openChecker(), WithClock(func() time.Time { return now }))

	mustSet(t, c, "a", 1, WithTTL(time.Minute))
	if !c.Has("a") {
		t.Fatalf("fresh entry should be present")
	}

	now = now.Add(2 * time.Minute)
	if c.Has("a") {
		t.Fatalf("expired entry must read as absent")
	}
	if _, ok, err := c.Get(context.Background(), subject(), "a"); ok || err != nil {
		t.Fatalf("expired get: ok=%v err=%v", ok, err)
	}
	if c.Len() != 0 {
		t.Fatalf("lazy expiry must remove the entry")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	audit := domain.NewMemoryAuditLog()
	c := New(openChecker(), WithClock(func() time.Time { return now }), WithAuditRecorder(audit))

	mustSet(t, c, "short", 1, WithTTL(time.Minute))
	mustSet(t, c, "long", 2, WithTTL(time.Hour))
	mustSet(t, c, "forever", 3)

	now = now.Add(5 * time.Minute)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 swept entry, got %d", removed)
	}
	if c.Has("short") || !c.Has("long") || !c.Has("forever") {
		t.Fatalf("sweep removed the wrong entries")
	}
	expired := 0
	for _, e := range audit.Entries() {
		if e.Operation == "cache_expire" {
			expired++
		}
	}
	if expired != 1 {
		t.Fatalf("expected 1 audited expiry, got %d", expired)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	c := New(openChecker(), WithSweepInterval(time.Millisecond))
	c.Start()
	c.Start() // no-op
	c.Stop()
	c.Stop() // no-op
}

func TestDeletePrefix(t *testing.T) {
	c := New(openChecker())
	mustSet(t, c, "merged/doc-1/alice", 1)
	mustSet(t, c, "merged/doc-1/bob", 2)
	mustSet(t, c, "merged/doc-2/alice", 3)

	if removed := c.DeletePrefix("merged/doc-1/"); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if !c.Has("merged/doc-2/alice") {
		t.Fatalf("unrelated key must survive")
	}
}
