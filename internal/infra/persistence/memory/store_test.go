package memory

import (
	"context"
	"fmt"
	"testing"

	"polystore/pkg/domain"
)

func doc(logical, title string) []byte {
	return fmt.Appendf(nil, `{"logical_id":%q,"title":%q}`, logical, title)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.Put(ctx, "things", "a", doc("l1", "one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, ok, err := s.Get(ctx, "things", "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(value) != string(doc("l1", "one")) {
		t.Fatalf("unexpected value %s", value)
	}

	existed, err := s.Delete(ctx, "things", "a")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if _, ok, _ := s.Get(ctx, "things", "a"); ok {
		t.Fatalf("value survived delete")
	}
	if existed, _ := s.Delete(ctx, "things", "a"); existed {
		t.Fatalf("second delete reported existence")
	}
}

func TestGetReturnsDefensiveCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Put(ctx, "things", "a", []byte(`{"x":1}`))
	value, _, _ := s.Get(ctx, "things", "a")
	value[0] = '!'
	again, _, _ := s.Get(ctx, "things", "a")
	if again[0] != '{' {
		t.Fatalf("mutating a returned value corrupted the store")
	}
}

func TestQueryIndex(t *testing.T) {
	ctx := context.Background()
	s := NewStore(domain.IndexSpec{Store: "things", Name: "logical_id", Field: "logical_id"})

	_ = s.Put(ctx, "things", "k1", doc("doc-1", "a"))
	_ = s.Put(ctx, "things", "k2", doc("doc-1", "b"))
	_ = s.Put(ctx, "things", "k3", doc("doc-2", "c"))

	hits, err := s.QueryIndex(ctx, "things", "logical_id", "doc-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// The query returns primary keys, sorted, ready for GetBulk.
	if len(hits) != 2 || hits[0] != "k1" || hits[1] != "k2" {
		t.Fatalf("expected keys [k1 k2], got %v", hits)
	}
	values, err := s.GetBulk(ctx, "things", hits)
	if err != nil || len(values) != 2 {
		t.Fatalf("bulk fetch of queried keys: n=%d err=%v", len(values), err)
	}

	// Re-pointing a key to another logical id must move it between buckets.
	_ = s.Put(ctx, "things", "k2", doc("doc-2", "b"))
	hits, _ = s.QueryIndex(ctx, "things", "logical_id", "doc-1")
	if len(hits) != 1 || hits[0] != "k1" {
		t.Fatalf("expected [k1] after reindex, got %v", hits)
	}
	hits, _ = s.QueryIndex(ctx, "things", "logical_id", "doc-2")
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits for doc-2, got %d", len(hits))
	}

	if _, err := s.QueryIndex(ctx, "things", "missing", "x"); err == nil {
		t.Fatalf("unknown index should error")
	}
}

func TestIterateWindow(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, key := range []string{"c", "a", "e", "b", "d"} {
		_ = s.Put(ctx, "things", key, []byte(`{}`))
	}

	var keys []string
	err := s.Iterate(ctx, "things", domain.IterOptions{Offset: 1, Limit: 2}, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "c" {
		t.Fatalf("unexpected window %v", keys)
	}

	keys = nil
	_ = s.Iterate(ctx, "things", domain.IterOptions{Direction: domain.IterDescending, Limit: 1}, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	if len(keys) != 1 || keys[0] != "e" {
		t.Fatalf("descending iteration broken: %v", keys)
	}
}

func TestBulkAndCountAndClear(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.PutBulk(ctx, "things", map[string][]byte{
		"a": []byte(`{}`),
		"b": []byte(`{}`),
		"c": []byte(`{}`),
	})
	if n, _ := s.Count(ctx, "things"); n != 3 {
		t.Fatalf("expected 3 records, got %d", n)
	}
	got, _ := s.GetBulk(ctx, "things", []string{"a", "c", "missing"})
	if len(got) != 2 {
		t.Fatalf("expected 2 bulk hits, got %d", len(got))
	}
	if err := s.Clear(ctx, "things"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx, "things"); n != 0 {
		t.Fatalf("expected empty store after clear, got %d", n)
	}
}

func TestSnapshotRoundTripRebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	source := NewStore(domain.IndexSpec{Store: "things", Name: "logical_id", Field: "logical_id"})
	_ = source.Put(ctx, "things", "k1", doc("doc-1", "a"))
	_ = source.Put(ctx, "things", "k2", doc("doc-2", "b"))

	restored := NewStore(domain.IndexSpec{Store: "things", Name: "logical_id", Field: "logical_id"})
	restored.ImportState(source.ExportState())

	hits, err := restored.QueryIndex(ctx, "things", "logical_id", "doc-2")
	if err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("index not rebuilt from snapshot, got %d hits", len(hits))
	}
}
