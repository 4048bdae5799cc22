// Package seccache provides the bounded security-aware cache: LRU eviction,
// optional per-entry TTL, an optional total memory bound, and MAC gating on
// every labeled get and set.
package seccache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"polystore/pkg/domain"
)

// SecurityLabel classifies a cache entry. Unlabeled entries bypass the MAC
// gate.
type SecurityLabel struct {
	Classification domain.ClassificationLevel
	Compartments   domain.CompartmentSet
}

// AccessChecker is the slice of the MAC engine the cache consumes.
type AccessChecker interface {
	CanAccess(ctx context.Context, sctx domain.SecurityContext, classification domain.ClassificationLevel, required domain.CompartmentSet) bool
	CanWrite(ctx context.Context, sctx domain.SecurityContext, classification domain.ClassificationLevel, required domain.CompartmentSet) bool
}

type entry struct {
	key        string
	value      any
	label      *SecurityLabel
	size       int64
	createdAt  time.Time
	accessedAt time.Time
	expiresAt  time.Time // zero: never expires
	hitCount   int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity bounds the entry count. Zero or negative means unbounded.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithMaxBytes bounds the total estimated entry size. Zero means unbounded.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithDefaultTTL applies a TTL to entries stored without an explicit one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithSweepInterval sets the cadence of the background expiry sweep.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = interval }
}

// WithAuditRecorder attaches an audit sink for denials, evictions, and
// expiries.
func WithAuditRecorder(recorder domain.AuditRecorder) Option {
	return func(c *Cache) {
		if recorder != nil {
			c.audit = recorder
		}
	}
}

// WithClock overrides the cache's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// SetOption configures a single Set call.
type SetOption func(*setParams)

type setParams struct {
	label *SecurityLabel
	ttl   time.Duration
	size  int64
}

// WithLabel attaches a security label; labeled entries are MAC-gated on both
// read and write.
func WithLabel(label SecurityLabel) SetOption {
	return func(p *setParams) { p.label = &label }
}

// WithTTL overrides the default TTL for this entry. Zero disables expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(p *setParams) { p.ttl = ttl }
}

// WithSize supplies an explicit byte-size estimate. Without it the cache
// estimates from the value's type.
func WithSize(size int64) SetOption {
	return func(p *setParams) { p.size = size }
}

// Cache is an LRU cache bounded by entry count and, optionally, total bytes.
// Labeled entries are gated through the MAC engine on every access; a denial
// is a distinguishable error, never a silent miss. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	access     AccessChecker
	audit      domain.AuditRecorder
	now        func() time.Time
	capacity   int
	maxBytes   int64
	defaultTTL time.Duration
	sweepEvery time.Duration

	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	curBytes int64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a cache gated by the given access checker.
func New(access AccessChecker, opts ...Option) *Cache {
	c := &Cache{
		access:     access,
		audit:      domain.NopAuditRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
		sweepEvery: time.Minute,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores a value. A labeled set runs the MAC write check first; a denial
// returns domain.AccessDeniedError and stores nothing. A memory-bound
// overflow evicts LRU entries until the item fits; if it cannot fit even with
// the cache empty, Set returns domain.ResourceExhaustedError.
func (c *Cache) Set(ctx context.Context, sctx domain.SecurityContext, key string, value any, opts ...SetOption) error {
	params := setParams{ttl: c.defaultTTL}
	for _, opt := range opts {
		opt(&params)
	}
	if params.label != nil && !c.access.CanWrite(ctx, sctx, params.label.Classification, params.label.Compartments) {
		c.record(ctx, "cache_set", sctx.SubjectID, domain.AuditDenied, "mac_write", key)
		return domain.AccessDeniedError{Subject: sctx.SubjectID, Resource: key, Step: "cache_write"}
	}

	size := params.size
	if size == 0 {
		size = estimateSize(value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if c.maxBytes > 0 {
		if elem, ok := c.entries[key]; ok {
			// Replacing: the old entry's bytes are reclaimed first.
			c.removeLocked(elem)
		}
		for c.curBytes+size > c.maxBytes && c.order.Len() > 0 {
			c.evictLRULocked(ctx, "memory")
		}
		if c.curBytes+size > c.maxBytes {
			// Everything was evicted and the item still does not fit.
			return domain.ResourceExhaustedError{Resource: "cache_memory", Limit: c.maxBytes}
		}
	}

	ent := &entry{
		key:        key,
		value:      value,
		label:      params.label,
		size:       size,
		createdAt:  now,
		accessedAt: now,
	}
	if params.ttl > 0 {
		ent.expiresAt = now.Add(params.ttl)
	}

	if elem, ok := c.entries[key]; ok {
		c.curBytes -= elem.Value.(*entry).size
		elem.Value = ent
		c.order.MoveToFront(elem)
	} else {
		c.entries[key] = c.order.PushFront(ent)
	}
	c.curBytes += size

	if c.capacity > 0 {
		for c.order.Len() > c.capacity {
			c.evictLRULocked(ctx, "capacity")
		}
	}
	return nil
}

// Get returns the cached value. A hit on a labeled entry runs the MAC read
// check; a denial returns domain.AccessDeniedError without refreshing
// recency. Expired entries are removed lazily and read as a miss.
func (c *Cache) Get(ctx context.Context, sctx domain.SecurityContext, key string) (any, bool, error) {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false, nil
	}
	ent := elem.Value.(*entry)
	now := c.now()
	if c.expiredLocked(ctx, elem, ent, now) {
		c.mu.Unlock()
		return nil, false, nil
	}
	label := ent.label
	c.mu.Unlock()

	if label != nil && !c.access.CanAccess(ctx, sctx, label.Classification, label.Compartments) {
		c.record(ctx, "cache_get", sctx.SubjectID, domain.AuditDenied, "mac_read", key)
		return nil, false, domain.AccessDeniedError{Subject: sctx.SubjectID, Resource: key, Step: "cache_read"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check: the entry may have been evicted while the gate ran.
	elem, ok = c.entries[key]
	if !ok {
		return nil, false, nil
	}
	ent = elem.Value.(*entry)
	ent.accessedAt = now
	ent.hitCount++
	c.order.MoveToFront(elem)
	return ent.value, true, nil
}

// Has reports whether the key is present and unexpired. It reveals presence
// only, never the value, so it is not MAC-gated.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	return !c.expiredLocked(context.Background(), elem, elem.Value.(*entry), c.now())
}

// Delete removes the key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// DeletePrefix removes every key with the given prefix and returns the count.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, elem := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.curBytes = 0
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the current estimated total size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// Start launches the background expiry sweep. Calling Start on a running
// cache is a no-op.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSweep != nil {
		return
	}
	c.stopSweep = make(chan struct{})
	c.sweepDone = make(chan struct{})
	go c.sweepLoop(c.stopSweep, c.sweepDone)
}

// Stop halts the sweep and waits for the sweeper to exit.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop, done := c.stopSweep, c.sweepDone
	c.stopSweep, c.sweepDone = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Sweep removes every expired entry immediately. The background loop calls
// this on its ticker; tests call it directly.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, elem := range c.entries {
		ent := elem.Value.(*entry)
		if c.expiredLocked(context.Background(), elem, ent, now) {
			removed++
		}
	}
	return removed
}

func (c *Cache) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// expiredLocked removes and audits the entry when past its TTL.
func (c *Cache) expiredLocked(ctx context.Context, elem *list.Element, ent *entry, now time.Time) bool {
	if ent.expiresAt.IsZero() || now.Before(ent.expiresAt) {
		return false
	}
	c.removeLocked(elem)
	c.record(ctx, "cache_expire", "", domain.AuditSuccess, "ttl", ent.key)
	return true
}

func (c *Cache) evictLRULocked(ctx context.Context, reason string) {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	ent := elem.Value.(*entry)
	c.removeLocked(elem)
	c.record(ctx, "cache_evict", "", domain.AuditSuccess, reason, ent.key)
}

func (c *Cache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, ent.key)
	c.curBytes -= ent.size
}

func (c *Cache) record(ctx context.Context, op, actor string, outcome domain.AuditOutcome, reason, key string) {
	c.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  op,
		Actor:      actor,
		Component:  "seccache",
		Outcome:    outcome,
		Reason:     reason,
		EntityID:   key,
		OccurredAt: c.now(),
	})
}

func estimateSize(value any) int64 {
	switch v := value.(type) {
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	default:
		return 64 // flat estimate for structured values
	}
}
