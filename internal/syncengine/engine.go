// Package syncengine implements the bidirectional sync engine: a bounded
// offline queue, batched pushes with exponential-backoff retries and a
// dead-letter store, cursor-based pulls written back through the MAC-gated
// polyinstantiation store, and a conflict queue with pluggable resolution.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"polystore/pkg/domain"
)

// Direction selects what a sync pass does.
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// Session states.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
)

// InstanceStore is the slice of the polyinstantiation store the engine
// writes through. Pulled changes never touch storage directly; every write
// runs the MAC gate.
type InstanceStore interface {
	PutInstance(ctx context.Context, instance domain.Instance, sctx domain.SecurityContext) error
	GetInstance(ctx context.Context, logicalID string, level domain.ClassificationLevel, compartments domain.CompartmentSet) (domain.Instance, bool, error)
}

// Resolver decides a queued sync conflict. Returning ok=false leaves the
// conflict queued for an operator; it is never dropped.
type Resolver interface {
	Resolve(ctx context.Context, conflict domain.SyncConflict) (domain.Instance, bool, error)
}

// Config bounds the engine.
type Config struct {
	OfflineQueueLimit int
	BatchSize         int
	SubBatchSize      int
	Concurrency       int
	MaxRetries        int
	BaseDelay         time.Duration
	Debounce          time.Duration
	PullPageLimit     int
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		OfflineQueueLimit: 1000,
		BatchSize:         100,
		SubBatchSize:      10,
		Concurrency:       4,
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		Debounce:          500 * time.Millisecond,
		PullPageLimit:     200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OfflineQueueLimit <= 0 {
		c.OfflineQueueLimit = d.OfflineQueueLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = d.SubBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.PullPageLimit <= 0 {
		c.PullPageLimit = d.PullPageLimit
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver attaches a conflict resolver.
func WithResolver(resolver Resolver) Option {
	return func(e *Engine) { e.resolver = resolver }
}

// WithAuditRecorder attaches an audit sink.
func WithAuditRecorder(recorder domain.AuditRecorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.audit = recorder
		}
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type retryEntry struct {
	item  domain.SyncQueueItem
	dueAt time.Time
	timer *time.Timer
}

// Engine owns the sync session. At most one full sync is in flight; a
// request arriving mid-sync sets a single pending-resync flag that coalesces
// into exactly one follow-up pass.
type Engine struct {
	cfg       Config
	transport Transport
	store     InstanceStore
	storage   domain.Storage
	sctx      domain.SecurityContext
	resolver  Resolver
	audit     domain.AuditRecorder
	now       func() time.Time

	mu            sync.Mutex
	queue         []domain.SyncQueueItem
	state         string
	resyncPending bool
	lastPull      time.Time
	conflicts     []domain.SyncConflict
	debounce      *time.Timer
	stopped       bool

	retryMu sync.Mutex
	retries map[string]*retryEntry
}

// NewEngine constructs a sync engine bound to one security context. Pulled
// writes run the MAC gate under that context; denials are skipped, not
// fatal.
func NewEngine(cfg Config, transport Transport, store InstanceStore, storage domain.Storage, sctx domain.SecurityContext, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		transport: transport,
		store:     store,
		storage:   storage,
		sctx:      sctx,
		audit:     domain.NopAuditRecorder{},
		now:       func() time.Time { return time.Now().UTC() },
		state:     StateIdle,
		retries:   make(map[string]*retryEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueueForSync appends a local mutation to the offline queue. A full queue
// drops the new item with an audit record and no error: load-shedding at the
// edge, not a crash. Reaching BatchSize pending items triggers an immediate
// push; otherwise a debounced one.
func (e *Engine) QueueForSync(ctx context.Context, instance domain.Instance, op domain.SyncOperation) {
	e.mu.Lock()
	if len(e.queue) >= e.cfg.OfflineQueueLimit {
		e.mu.Unlock()
		e.record(ctx, "queue_for_sync", domain.AuditDropped, "queue_full", instance.Key())
		return
	}
	e.queue = append(e.queue, domain.SyncQueueItem{
		Instance:   instance.Clone(),
		Operation:  op,
		EnqueuedAt: e.now(),
	})
	pending := len(e.queue)
	e.mu.Unlock()

	if pending >= e.cfg.BatchSize {
		e.triggerPush(ctx)
		return
	}
	e.schedulePush(ctx)
}

// triggerPush runs a push pass now. With no debounce configured the pass is
// synchronous, which keeps single-threaded callers deterministic.
func (e *Engine) triggerPush(ctx context.Context) {
	if e.cfg.Debounce <= 0 {
		_, _ = e.PerformSync(ctx, DirectionPush)
		return
	}
	go func() { _, _ = e.PerformSync(context.WithoutCancel(ctx), DirectionPush) }()
}

// schedulePush arms the debounce timer, replacing any armed one so a burst
// of enqueues coalesces into a single pass.
func (e *Engine) schedulePush(ctx context.Context) {
	if e.cfg.Debounce <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	detached := context.WithoutCancel(ctx)
	e.debounce = time.AfterFunc(e.cfg.Debounce, func() {
		_, _ = e.PerformSync(detached, DirectionPush)
	})
}

// PerformSync runs one sync pass. If a pass is already in flight the request
// coalesces into the resync-pending flag and returns immediately with an
// empty report; the in-flight pass runs exactly one follow-up.
func (e *Engine) PerformSync(ctx context.Context, direction Direction) (domain.SyncReport, error) {
	e.mu.Lock()
	if e.state == StateSyncing {
		e.resyncPending = true
		e.mu.Unlock()
		return domain.SyncReport{}, nil
	}
	e.state = StateSyncing
	e.mu.Unlock()

	var total domain.SyncReport
	for {
		report, err := e.syncOnce(ctx, direction)
		addReport(&total, report)

		e.mu.Lock()
		if err != nil || !e.resyncPending {
			e.state = StateIdle
			e.resyncPending = false
			e.mu.Unlock()
			return total, err
		}
		e.resyncPending = false
		e.mu.Unlock()
	}
}

func (e *Engine) syncOnce(ctx context.Context, direction Direction) (domain.SyncReport, error) {
	switch direction {
	case DirectionPush:
		return e.pushPass(ctx)
	case DirectionPull:
		return e.pullPass(ctx)
	case DirectionBidirectional:
		var total domain.SyncReport
		pull, err := e.pullPass(ctx)
		addReport(&total, pull)
		if err != nil {
			return total, err
		}
		resolved, err := e.resolveConflicts(ctx)
		addReport(&total, resolved)
		if err != nil {
			return total, err
		}
		push, err := e.pushPass(ctx)
		addReport(&total, push)
		return total, err
	default:
		return domain.SyncReport{}, domain.ValidationError{Field: "direction", Message: string(direction)}
	}
}

// pushPass drains up to BatchSize items and fans sub-batches out under the
// concurrency bound.
func (e *Engine) pushPass(ctx context.Context) (domain.SyncReport, error) {
	e.mu.Lock()
	n := len(e.queue)
	if n > e.cfg.BatchSize {
		n = e.cfg.BatchSize
	}
	batch := make([]domain.SyncQueueItem, n)
	copy(batch, e.queue[:n])
	e.queue = e.queue[n:]
	e.mu.Unlock()

	if len(batch) == 0 {
		return domain.SyncReport{}, nil
	}

	type subResult struct {
		report domain.SyncReport
		err    error
	}
	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, e.cfg.Concurrency)
		results = make([]subResult, 0, len(batch)/e.cfg.SubBatchSize+1)
		resMu   sync.Mutex
	)
	for start := 0; start < len(batch); start += e.cfg.SubBatchSize {
		end := start + e.cfg.SubBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		sub := batch[start:end]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			report, err := e.pushSubBatch(ctx, sub)
			resMu.Lock()
			results = append(results, subResult{report: report, err: err})
			resMu.Unlock()
		}()
	}
	wg.Wait()

	var total domain.SyncReport
	var firstErr error
	for _, r := range results {
		addReport(&total, r.report)
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return total, firstErr
}

func (e *Engine) pushSubBatch(ctx context.Context, items []domain.SyncQueueItem) (domain.SyncReport, error) {
	now := e.now()
	for i := range items {
		items[i].Attempts = append(items[i].Attempts, now)
	}

	results, err := e.transport.Push(ctx, items)
	if err != nil {
		// Transport-level failure: every item in the sub-batch failed.
		var report domain.SyncReport
		for _, item := range items {
			e.handlePushFailure(ctx, item, &report)
		}
		return report, nil
	}

	byKey := make(map[string]error, len(results))
	for _, r := range results {
		byKey[r.Key] = r.Err
	}

	var report domain.SyncReport
	for _, item := range items {
		// An item the transport never acknowledged counts as failed; only
		// an explicit nil-error result is a push.
		itemErr, acked := byKey[item.EntityKey()]
		if !acked || itemErr != nil {
			e.handlePushFailure(ctx, item, &report)
			continue
		}
		report.Pushed++
	}
	return report, nil
}

func (e *Engine) handlePushFailure(ctx context.Context, item domain.SyncQueueItem, report *domain.SyncReport) {
	item.RetryCount++
	if item.RetryCount >= e.cfg.MaxRetries {
		e.deadLetter(ctx, item)
		report.DeadLettered++
		return
	}
	report.Failed++
	e.scheduleRetry(ctx, item)
}

// scheduleRetry arms one backoff timer per entity key. Rescheduling the same
// key replaces the prior timer, it never stacks a second one.
func (e *Engine) scheduleRetry(ctx context.Context, item domain.SyncQueueItem) {
	delay := e.cfg.BaseDelay << (item.RetryCount - 1)
	key := item.EntityKey()

	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if existing, ok := e.retries[key]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	entry := &retryEntry{item: item, dueAt: e.now().Add(delay)}
	if e.cfg.Debounce > 0 {
		detached := context.WithoutCancel(ctx)
		entry.timer = time.AfterFunc(delay, func() { e.fireRetry(detached, key) })
	}
	e.retries[key] = entry
}

func (e *Engine) fireRetry(ctx context.Context, key string) {
	e.retryMu.Lock()
	entry, ok := e.retries[key]
	if ok {
		delete(e.retries, key)
	}
	e.retryMu.Unlock()
	if !ok {
		return
	}
	e.requeueFront(entry.item)
	_, _ = e.PerformSync(ctx, DirectionPush)
}

// requeueFront puts a retried item back at the head of the queue. Retried
// items were already admitted once; the queue limit does not apply again.
func (e *Engine) requeueFront(item domain.SyncQueueItem) {
	e.mu.Lock()
	e.queue = append([]domain.SyncQueueItem{item}, e.queue...)
	e.mu.Unlock()
}

// FlushRetries synchronously requeues every retry whose backoff has elapsed
// and returns how many were requeued. It drives retries in tests and from
// operator tooling; armed timers for flushed keys are cancelled.
func (e *Engine) FlushRetries() int {
	now := e.now()
	e.retryMu.Lock()
	due := make([]domain.SyncQueueItem, 0, len(e.retries))
	for key, entry := range e.retries {
		if entry.dueAt.After(now) {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		due = append(due, entry.item)
		delete(e.retries, key)
	}
	e.retryMu.Unlock()

	for _, item := range due {
		e.requeueFront(item)
	}
	return len(due)
}

// PendingRetries returns how many retry slots are armed.
func (e *Engine) PendingRetries() int {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	return len(e.retries)
}

func (e *Engine) deadLetter(ctx context.Context, item domain.SyncQueueItem) {
	record := domain.DeadLetterItem{
		Item:     item,
		Reason:   fmt.Sprintf("exhausted %d retries", e.cfg.MaxRetries),
		FailedAt: e.now(),
	}
	payload, err := json.Marshal(record)
	if err == nil {
		err = e.storage.Put(ctx, domain.StoreSyncDeadLetter, item.EntityKey(), payload)
	}
	outcome := domain.AuditError
	if err == nil {
		outcome = domain.AuditSuccess
	}
	e.record(ctx, "dead_letter", outcome, record.Reason, item.EntityKey())
}

// DeadLetters lists the permanently failed items awaiting manual flush.
func (e *Engine) DeadLetters(ctx context.Context) ([]domain.DeadLetterItem, error) {
	values, err := e.storage.GetAll(ctx, domain.StoreSyncDeadLetter)
	if err != nil {
		return nil, err
	}
	items := make([]domain.DeadLetterItem, 0, len(values))
	for key, raw := range values {
		var record domain.DeadLetterItem
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", key, err)
		}
		items = append(items, record)
	}
	return items, nil
}

// RequeueDeadLetters is the explicit manual flush: every dead-lettered item
// returns to the offline queue with a reset retry count.
func (e *Engine) RequeueDeadLetters(ctx context.Context) (int, error) {
	items, err := e.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.storage.Clear(ctx, domain.StoreSyncDeadLetter); err != nil {
		return 0, err
	}
	requeued := 0
	for _, record := range items {
		item := record.Item
		item.RetryCount = 0
		item.Attempts = nil
		e.mu.Lock()
		if len(e.queue) >= e.cfg.OfflineQueueLimit {
			e.mu.Unlock()
			e.record(ctx, "requeue_dead_letters", domain.AuditDropped, "queue_full", item.EntityKey())
			continue
		}
		e.queue = append(e.queue, item)
		e.mu.Unlock()
		requeued++
	}
	e.record(ctx, "requeue_dead_letters", domain.AuditSuccess, fmt.Sprintf("requeued %d", requeued), "")
	return requeued, nil
}

// pullPass pages through remote changes since the last cursor and writes
// each through the MAC-gated store. A denial skips the instance; a version
// conflict queues it for resolution.
func (e *Engine) pullPass(ctx context.Context) (domain.SyncReport, error) {
	var report domain.SyncReport

	e.mu.Lock()
	since := e.lastPull
	e.mu.Unlock()

	cursor := ""
	newest := since
	for {
		page, err := e.transport.Pull(ctx, since, cursor, e.cfg.PullPageLimit)
		if err != nil {
			return report, err
		}
		for _, remote := range page.Instances {
			if remote.UpdatedAt.After(newest) {
				newest = remote.UpdatedAt
			}
			e.applyRemote(ctx, remote, &report)
		}
		if !page.More {
			break
		}
		cursor = page.Cursor
	}

	e.mu.Lock()
	e.lastPull = newest
	e.mu.Unlock()
	return report, nil
}

func (e *Engine) applyRemote(ctx context.Context, remote domain.Instance, report *domain.SyncReport) {
	local, found, err := e.store.GetInstance(ctx, remote.LogicalID, remote.Classification, remote.Compartments)
	if err == nil && found && local.Version > remote.Version {
		// Local writes ran ahead of the remote authority.
		e.queueConflict(ctx, domain.SyncConflict{
			LogicalID:  remote.LogicalID,
			Local:      local,
			Remote:     remote,
			DetectedAt: e.now(),
		})
		report.Conflicts++
		return
	}

	if err := e.store.PutInstance(ctx, remote, e.sctx); err != nil {
		if domain.IsAccessDenied(err) {
			// Not fatal to the pull: record and move on.
			e.record(ctx, "pull_apply", domain.AuditDenied, "mac_write", remote.Key())
			report.Skipped++
			return
		}
		e.record(ctx, "pull_apply", domain.AuditError, err.Error(), remote.Key())
		report.Skipped++
		return
	}
	report.Pulled++
}

func (e *Engine) queueConflict(ctx context.Context, conflict domain.SyncConflict) {
	e.mu.Lock()
	e.conflicts = append(e.conflicts, conflict)
	e.mu.Unlock()
	e.record(ctx, "sync_conflict", domain.AuditError, "version_conflict", conflict.LogicalID)
}

// Conflicts returns the queued unresolved conflicts.
func (e *Engine) Conflicts() []domain.SyncConflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.SyncConflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

// resolveConflicts consults the resolver for each queued conflict.
// Unresolved conflicts stay queued and are audited; they must surface to an
// operator, never vanish.
func (e *Engine) resolveConflicts(ctx context.Context) (domain.SyncReport, error) {
	e.mu.Lock()
	pending := e.conflicts
	e.conflicts = nil
	e.mu.Unlock()

	var report domain.SyncReport
	remaining := make([]domain.SyncConflict, 0, len(pending))
	for _, conflict := range pending {
		if e.resolver == nil {
			remaining = append(remaining, conflict)
			e.record(ctx, "resolve_conflict", domain.AuditError, "no_resolver", conflict.LogicalID)
			continue
		}
		resolved, ok, err := e.resolver.Resolve(ctx, conflict)
		if err != nil || !ok {
			remaining = append(remaining, conflict)
			reason := "unresolved"
			if err != nil {
				reason = err.Error()
			}
			e.record(ctx, "resolve_conflict", domain.AuditError, reason, conflict.LogicalID)
			continue
		}
		if err := e.store.PutInstance(ctx, resolved, e.sctx); err != nil {
			remaining = append(remaining, conflict)
			e.record(ctx, "resolve_conflict", domain.AuditError, err.Error(), conflict.LogicalID)
			continue
		}
		report.Conflicts++
		e.record(ctx, "resolve_conflict", domain.AuditSuccess, "", conflict.LogicalID)
	}

	e.mu.Lock()
	e.conflicts = append(remaining, e.conflicts...)
	e.mu.Unlock()
	return report, nil
}

// Pending returns the offline queue depth.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// State returns the session state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stop cancels the debounce and every armed retry timer. Queued items and
// dead letters are left in place.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.mu.Unlock()

	e.retryMu.Lock()
	for _, entry := range e.retries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	e.retryMu.Unlock()
}

func (e *Engine) record(ctx context.Context, op string, outcome domain.AuditOutcome, reason, entityID string) {
	e.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  op,
		Actor:      e.sctx.SubjectID,
		Component:  "syncengine",
		Outcome:    outcome,
		Reason:     reason,
		EntityID:   entityID,
		OccurredAt: e.now(),
	})
}

func addReport(total *domain.SyncReport, r domain.SyncReport) {
	total.Pushed += r.Pushed
	total.Failed += r.Failed
	total.DeadLettered += r.DeadLettered
	total.Pulled += r.Pulled
	total.Skipped += r.Skipped
	total.Conflicts += r.Conflicts
}
