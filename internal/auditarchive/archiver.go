package auditarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"polystore/pkg/domain"
)

// Drainer hands over buffered audit entries for archival.
type Drainer interface {
	Drain() []domain.AuditEntry
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithFlushInterval sets the cadence of the background flush.
func WithFlushInterval(interval time.Duration) ArchiverOption {
	return func(a *Archiver) { a.interval = interval }
}

// WithPrefix sets the object key prefix for archived batches.
func WithPrefix(prefix string) ArchiverOption {
	return func(a *Archiver) { a.prefix = prefix }
}

// WithClock overrides the archiver's time source.
func WithClock(now func() time.Time) ArchiverOption {
	return func(a *Archiver) { a.now = now }
}

// Archiver drains an audit buffer into JSONL objects, one object per flush.
// Entries that fail to ship go back into the pending buffer; the trail never
// drops silently.
type Archiver struct {
	source   Drainer
	objects  ObjectStore
	prefix   string
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending []domain.AuditEntry
	seq     uint64

	stop chan struct{}
	done chan struct{}
}

// NewArchiver wires a drain source to an object store.
func NewArchiver(source Drainer, objects ObjectStore, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		source:   source,
		objects:  objects,
		prefix:   "audit/",
		interval: time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Flush drains the source and ships one JSONL object. It returns the number
// of entries shipped; zero entries ship nothing.
func (a *Archiver) Flush(ctx context.Context) (int, error) {
	a.mu.Lock()
	batch := append(a.pending, a.source.Drain()...)
	a.pending = nil
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range batch {
		if err := enc.Encode(entry); err != nil {
			a.requeue(batch)
			return 0, fmt.Errorf("encode audit entry %s: %w", entry.ID, err)
		}
	}

	key := fmt.Sprintf("%s%s-%06d.jsonl", a.prefix, a.now().Format("20060102T150405Z"), seq)
	if err := a.objects.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		a.requeue(batch)
		return 0, fmt.Errorf("archive audit batch: %w", err)
	}
	return len(batch), nil
}

func (a *Archiver) requeue(batch []domain.AuditEntry) {
	a.mu.Lock()
	a.pending = append(batch, a.pending...)
	a.mu.Unlock()
}

// Pending reports how many entries await a successful flush.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Start launches the periodic flush loop. A second Start is a no-op.
func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		return
	}
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.loop(ctx, a.stop, a.done)
}

// Stop halts the loop, waits for it to exit, and runs one final flush so
// buffered entries are not lost on shutdown.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	_, err := a.Flush(ctx)
	return err
}

func (a *Archiver) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _ = a.Flush(ctx)
		}
	}
}

// ReadBatch decodes one archived JSONL object back into entries.
func ReadBatch(ctx context.Context, objects ObjectStore, key string) ([]domain.AuditEntry, error) {
	body, err := objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	var entries []domain.AuditEntry
	for dec.More() {
		var entry domain.AuditEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode archived entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
