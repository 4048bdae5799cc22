package domain

import (
	"context"
	"sync"
	"time"
)

// AuditOutcome classifies the result recorded in an audit entry.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditDenied  AuditOutcome = "denied"
	AuditError   AuditOutcome = "error"
	AuditDropped AuditOutcome = "dropped"
)

// AuditEntry is one append-only record in the audit trail. Console output is
// never a substitute: denials and permanent failures must produce an entry.
type AuditEntry struct {
	ID         string         `json:"id"`
	Operation  string         `json:"operation"`
	Actor      string         `json:"actor,omitempty"`
	Component  string         `json:"component"`
	Outcome    AuditOutcome   `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Duration   time.Duration  `json:"duration_ns,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// AuditRecorder records audit entries. Implementations must be safe for
// concurrent use and must not fail the recorded operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MemoryAuditLog captures audit entries in memory for assertions and for the
// archive drain.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// NewMemoryAuditLog constructs an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a defensive copy of recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Drain removes and returns all recorded entries.
func (l *MemoryAuditLog) Drain() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// NopAuditRecorder discards entries. Useful as a constructor default.
type NopAuditRecorder struct{}

// Record implements AuditRecorder.
func (NopAuditRecorder) Record(context.Context, AuditEntry) {}
