package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"polystore/pkg/domain"
)

func TestSnapshotSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "polystore.db")

	s, err := NewStore(path, domain.DefaultIndexes()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, domain.StoreObjectsPoly, "doc-1|secret|-", []byte(`{"logical_id":"doc-1"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, domain.DefaultIndexes()...)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	value, ok, err := reopened.Get(ctx, domain.StoreObjectsPoly, "doc-1|secret|-")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"logical_id":"doc-1"}` {
		t.Fatalf("unexpected payload %s", value)
	}

	hits, err := reopened.QueryIndex(ctx, domain.StoreObjectsPoly, "logical_id", "doc-1")
	if err != nil || len(hits) != 1 {
		t.Fatalf("index after reopen: hits=%d err=%v", len(hits), err)
	}
}

func TestDeleteIsPersisted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "polystore.db")

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Put(ctx, "things", "a", []byte(`{}`))
	if _, err := s.Delete(ctx, "things", "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = s.Close()

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if _, ok, _ := reopened.Get(ctx, "things", "a"); ok {
		t.Fatalf("deleted record resurfaced after reopen")
	}
}
