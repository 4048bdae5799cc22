package domain

import "context"

// Store names used by the engines. The storage collaborator treats them as
// opaque namespaces.
const (
	StoreObjectsPoly    = "objects_poly"
	StoreCDSRequests    = "cds_requests"
	StoreCDSApprovals   = "cds_approvals"
	StoreCDSEvents      = "cds_events"
	StoreSyncDeadLetter = "sync_dead_letter"
	StoreAuditLog       = "audit_log"
)

// IterDirection selects cursor direction for Iterate.
type IterDirection int

const (
	IterAscending IterDirection = iota
	IterDescending
)

// IterOptions bounds a cursor pass over a store, ordered by primary key.
type IterOptions struct {
	Offset    int
	Limit     int // 0 means no limit
	Direction IterDirection
}

// IndexSpec declares a named secondary index over a top-level field of the
// stored JSON document.
type IndexSpec struct {
	Store string
	Name  string
	Field string
}

// DefaultIndexes returns the secondary indexes the engines rely on.
func DefaultIndexes() []IndexSpec {
	return []IndexSpec{
		{Store: StoreObjectsPoly, Name: "logical_id", Field: "logical_id"},
		{Store: StoreCDSApprovals, Name: "request_id", Field: "request_id"},
		{Store: StoreCDSEvents, Name: "request_id", Field: "request_id"},
	}
}

// Storage is the abstract key-value storage collaborator. Records are JSON
// documents keyed by store name and primary key. Implementations own
// durability; engines own semantics, and every mutation path above this
// contract funnels through the MAC-gated APIs.
type Storage interface {
	Put(ctx context.Context, store, key string, value []byte) error
	Get(ctx context.Context, store, key string) ([]byte, bool, error)
	GetAll(ctx context.Context, store string) (map[string][]byte, error)
	Delete(ctx context.Context, store, key string) (bool, error)
	PutBulk(ctx context.Context, store string, values map[string][]byte) error
	GetBulk(ctx context.Context, store string, keys []string) (map[string][]byte, error)
	// QueryIndex returns the primary keys of all documents whose indexed
	// field equals value, in primary-key order.
	QueryIndex(ctx context.Context, store, index, value string) ([]string, error)
	Count(ctx context.Context, store string) (int, error)
	Clear(ctx context.Context, store string) error
	// Iterate walks records in primary-key order; fn returning false stops
	// the pass early.
	Iterate(ctx context.Context, store string, opts IterOptions, fn func(key string, value []byte) (bool, error)) error
}
