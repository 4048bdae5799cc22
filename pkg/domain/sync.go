package domain

import "time"

// SyncOperation names the mutation carried by a sync queue item.
type SyncOperation string

const (
	SyncCreate SyncOperation = "create"
	SyncUpdate SyncOperation = "update"
	SyncDelete SyncOperation = "delete"
)

// SyncQueueItem is one local mutation awaiting push to the remote authority.
// It is removed on confirmed push; after exhausting retries it moves to the
// dead-letter store, never silently dropped.
type SyncQueueItem struct {
	Instance   Instance      `json:"instance"`
	Operation  SyncOperation `json:"operation"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	RetryCount int           `json:"retry_count"`
	Attempts   []time.Time   `json:"attempts,omitempty"`
}

// EntityKey identifies the retry-timer slot for the item: one outstanding
// timer per logical entity, replaced on reschedule.
func (i SyncQueueItem) EntityKey() string {
	return i.Instance.Key()
}

// DeadLetterItem is a permanently failed sync item awaiting manual flush.
type DeadLetterItem struct {
	Item     SyncQueueItem `json:"item"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failed_at"`
}

// SyncConflict records a detected divergence between a pulled instance and
// the local row. It stays queued until a resolver or operator decides.
type SyncConflict struct {
	LogicalID  string    `json:"logical_id"`
	Local      Instance  `json:"local"`
	Remote     Instance  `json:"remote"`
	DetectedAt time.Time `json:"detected_at"`
}

// SyncReport summarizes one sync pass with enough detail to retry manually.
type SyncReport struct {
	Pushed       int `json:"pushed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Pulled       int `json:"pulled"`
	Skipped      int `json:"skipped"`
	Conflicts    int `json:"conflicts"`
}
