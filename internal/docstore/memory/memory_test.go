package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lumenfeed/market_layer/internal/docstore"
)

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Get(ctx, "users/alice"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "users/alice", map[string]interface{}{"name": "Alice", "balance": int64(100)}); err != nil {
		t.Fatalf("set: %v", err)
	}

	doc, err := s.Get(ctx, "users/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data["name"] != "Alice" {
		t.Fatalf("unexpected name: %v", doc.Data["name"])
	}

	// Mutating the returned copy must not leak into the store.
	doc.Data["name"] = "Mallory"
	again, _ := s.Get(ctx, "users/alice")
	if again.Data["name"] != "Alice" {
		t.Fatal("returned document shares state with the store")
	}

	if err := s.Delete(ctx, "users/alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "users/alice"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Compensating deletes must be idempotent.
	if err := s.Delete(ctx, "users/alice"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestStore_PathValidation(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Get(ctx, "users"); err == nil {
		t.Fatal("expected error for collection path on Get")
	}
	if err := s.Set(ctx, "users//alice", nil); err == nil {
		t.Fatal("expected error for empty segment")
	}
	if _, err := s.Add(ctx, "users/alice", nil); err == nil {
		t.Fatal("expected error for document path on Add")
	}
}

func TestStore_UpdateNestedAndAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Set(ctx, "collectibles/c1", map[string]interface{}{
		"stock": map[string]interface{}{"initial": int64(5), "remaining": int64(5)},
		"tags":  []interface{}{"art"},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	t.Run("Increment", func(t *testing.T) {
		if err := s.Update(ctx, "collectibles/c1", map[string]interface{}{
			"stock.remaining": docstore.Increment(-1),
		}); err != nil {
			t.Fatalf("update: %v", err)
		}
		doc, _ := s.Get(ctx, "collectibles/c1")
		if n, _ := docstore.FieldInt64(doc.Data, "stock.remaining"); n != 4 {
			t.Fatalf("expected remaining 4, got %d", n)
		}
		if n, _ := docstore.FieldInt64(doc.Data, "stock.initial"); n != 5 {
			t.Fatalf("initial must be untouched, got %d", n)
		}
	})

	t.Run("ArrayUnion", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := s.Update(ctx, "collectibles/c1", map[string]interface{}{
				"tags": docstore.ArrayUnion("rare"),
			}); err != nil {
				t.Fatalf("update: %v", err)
			}
		}
		doc, _ := s.Get(ctx, "collectibles/c1")
		tags := doc.Data["tags"].([]interface{})
		if len(tags) != 2 {
			t.Fatalf("union must not duplicate, got %v", tags)
		}
	})

	t.Run("ArrayRemove", func(t *testing.T) {
		if err := s.Update(ctx, "collectibles/c1", map[string]interface{}{
			"tags": docstore.ArrayRemove("art"),
		}); err != nil {
			t.Fatalf("update: %v", err)
		}
		doc, _ := s.Get(ctx, "collectibles/c1")
		tags := doc.Data["tags"].([]interface{})
		if len(tags) != 1 || tags[0] != "rare" {
			t.Fatalf("unexpected tags after remove: %v", tags)
		}
	})

	t.Run("MissingDocument", func(t *testing.T) {
		err := s.Update(ctx, "collectibles/none", map[string]interface{}{"x": 1})
		if !errors.Is(err, docstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_UpsertIncrement(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.UpsertIncrement(ctx, "users/carol/wallet/balance", "amount", 40)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("first write must report creation")
	}

	created, err = s.UpsertIncrement(ctx, "users/carol/wallet/balance", "amount", 25)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if created {
		t.Fatal("second write must not report creation")
	}

	doc, err := s.Get(ctx, "users/carol/wallet/balance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if amt, _ := docstore.FieldInt64(doc.Data, "amount"); amt != 65 {
		t.Fatalf("expected amount 65, got %d", amt)
	}

	t.Run("ConcurrentCreates", func(t *testing.T) {
		const n = 50
		var wg sync.WaitGroup
		var mu sync.Mutex
		creations := 0
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				c, err := s.UpsertIncrement(ctx, "users/dave/wallet/balance", "amount", 1)
				if err != nil {
					t.Errorf("upsert: %v", err)
					return
				}
				if c {
					mu.Lock()
					creations++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if creations != 1 {
			t.Fatalf("expected exactly one creation, got %d", creations)
		}
		doc, _ := s.Get(ctx, "users/dave/wallet/balance")
		if amt, _ := docstore.FieldInt64(doc.Data, "amount"); amt != n {
			t.Fatalf("lost updates: expected %d, got %d", n, amt)
		}
	})
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Set(ctx, "users/bob/wallet/balance", map[string]interface{}{"amount": int64(0)}); err != nil {
		t.Fatalf("set: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, "users/bob/wallet/balance", map[string]interface{}{
				"amount": docstore.Increment(1),
			})
		}()
	}
	wg.Wait()

	doc, _ := s.Get(ctx, "users/bob/wallet/balance")
	if amt, _ := docstore.FieldInt64(doc.Data, "amount"); amt != n {
		t.Fatalf("lost updates: expected %d, got %d", n, amt)
	}
}

func TestStore_QueryAndAdd(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Set(ctx, "collectibles/c1/collectors/bob", map[string]interface{}{"username": "bob"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "collectibles/c1/collectors/eve", map[string]interface{}{"username": "eve"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	// A nested document must not show up as a direct child.
	if err := s.Set(ctx, "collectibles/c1/collectors/eve/meta/m1", map[string]interface{}{"x": 1}); err != nil {
		t.Fatalf("set: %v", err)
	}

	docs, err := s.Query(ctx, "collectibles/c1/collectors", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 direct children, got %d", len(docs))
	}

	docs, err = s.Query(ctx, "collectibles/c1/collectors", []docstore.Filter{{Field: "username", Value: "bob"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].Path != "collectibles/c1/collectors/bob" {
		t.Fatalf("unexpected filter result: %+v", docs)
	}

	path, err := s.Add(ctx, "receipts", map[string]interface{}{"amount": int64(40)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if docstore.ParentCollection(path) != "receipts" {
		t.Fatalf("unexpected generated path: %s", path)
	}
	if _, err := s.Get(ctx, path); err != nil {
		t.Fatalf("get added doc: %v", err)
	}
}
