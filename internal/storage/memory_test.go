package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func nextEvent(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("Change feed closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for change event")
	}
	return ChangeEvent{}
}

// exerciseStore runs the shared write/feed contract against a store
func exerciseStore(t *testing.T, s Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := s.Changes(ctx, nil)
	if err != nil {
		t.Fatalf("Changes failed: %v", err)
	}

	id, err := s.Insert(ctx, "users", Document{"_id": "1", "name": Document{"first": "Alice", "last": "X"}, "status": "active"})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if id != "1" {
		t.Errorf("Expected id 1, got %v", id)
	}
	if _, err := s.Insert(ctx, "users", Document{"_id": "1"}); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	ev := nextEvent(t, feed)
	if ev.OperationType != OpInsert || ev.Collection != "users" || ev.DocumentKey != "1" {
		t.Errorf("Unexpected insert event %+v", ev)
	}
	if ev.FullDocument["status"] != "active" {
		t.Errorf("Insert event should carry the full document, got %v", ev.FullDocument)
	}

	if err := s.Update(ctx, "users", "1", Mutation{Set: map[string]any{"name.last": "Y"}, Unset: []string{"status"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	ev = nextEvent(t, feed)
	if ev.OperationType != OpUpdate || ev.UpdateDescription == nil {
		t.Fatalf("Unexpected update event %+v", ev)
	}
	if ev.UpdateDescription.UpdatedFields["name.last"] != "Y" {
		t.Errorf("Unexpected updated fields %v", ev.UpdateDescription.UpdatedFields)
	}
	if len(ev.UpdateDescription.RemovedFields) != 1 || ev.UpdateDescription.RemovedFields[0] != "status" {
		t.Errorf("Unexpected removed fields %v", ev.UpdateDescription.RemovedFields)
	}
	if _, ok := ev.FullDocument["status"]; ok {
		t.Error("Post image should not contain removed field")
	}

	docs, err := s.AggregateByID(ctx, "users", "1", nil)
	if err != nil || len(docs) != 1 {
		t.Fatalf("AggregateByID = %v, %v", docs, err)
	}
	if name := docs[0]["name"].(map[string]any); name["last"] != "Y" || name["first"] != "Alice" {
		t.Errorf("Update not applied: %v", docs[0])
	}

	if err := s.Update(ctx, "users", "nope", Mutation{Set: map[string]any{"a": 1}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	s.Insert(ctx, "users", Document{"_id": "2", "status": "inactive"})
	nextEvent(t, feed)

	docs, err = s.Aggregate(ctx, "users", stagesOf(t, `[{"$match":{"status":"inactive"}}]`))
	if err != nil || len(docs) != 1 || docs[0]["_id"] != "2" {
		t.Errorf("Aggregate = %v, %v", docs, err)
	}

	if err := s.Delete(ctx, "users", "1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ev = nextEvent(t, feed)
	if ev.OperationType != OpDelete || ev.DocumentKey != "1" || ev.FullDocument != nil {
		t.Errorf("Unexpected delete event %+v", ev)
	}
	if err := s.Delete(ctx, "users", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	names, err := s.CollectionNames(ctx)
	if err != nil || len(names) != 1 || names[0] != "users" {
		t.Errorf("CollectionNames = %v, %v", names, err)
	}

	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			t.Error("No events expected after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Error("Feed should close when its context is done")
	}
}

// TestMemoryStore verifies writes publish ordered change events
func TestMemoryStore(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	exerciseStore(t, s)
}

// TestMemoryGeneratesIDs verifies inserts without _id get one
func TestMemoryGeneratesIDs(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()

	id, err := s.Insert(context.Background(), "things", Document{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	if str, ok := id.(string); !ok || len(str) != 26 {
		t.Errorf("Expected a ULID, got %v", id)
	}
	if s.Count("things") != 1 {
		t.Errorf("Expected 1 document, got %d", s.Count("things"))
	}
}

// TestFeedScopedToOperations verifies the operation filter
func TestFeedScopedToOperations(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	ctx := context.Background()

	feed, err := s.Changes(ctx, []OperationType{OpDelete})
	if err != nil {
		t.Fatal(err)
	}
	s.Insert(ctx, "c", Document{"_id": "a"})
	s.Update(ctx, "c", "a", Mutation{Set: map[string]any{"x": 1}})
	s.Delete(ctx, "c", "a")

	ev := nextEvent(t, feed)
	if ev.OperationType != OpDelete {
		t.Errorf("Expected only deletes, got %s", ev.OperationType)
	}
}

// TestFeedPreservesOrder verifies many writes arrive in publish order
func TestFeedPreservesOrder(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	feed, _ := s.Changes(ctx, nil)
	const n = 200
	for i := 0; i < n; i++ {
		s.Insert(ctx, "c", Document{"_id": float64(i)})
	}
	for i := 0; i < n; i++ {
		ev := nextEvent(t, feed)
		if ev.DocumentKey != float64(i) {
			t.Fatalf("Event %d out of order: %v", i, ev.DocumentKey)
		}
	}

	s.Close()
	if _, ok := <-feed; ok {
		t.Error("Feed should close with the store")
	}
	if _, err := s.Changes(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

// TestApplyMutation verifies the update description mirrors the mutation
func TestApplyMutation(t *testing.T) {
	doc := Document{"_id": "1", "a": Document{"b": 1.0}}
	out, desc := ApplyMutation(doc, Mutation{Set: map[string]any{"a.c": 2.0, "_id": "x"}, Unset: []string{"a.b"}})

	if doc["a"].(Document)["b"] != 1.0 {
		t.Error("ApplyMutation must not modify its input")
	}
	if out["_id"] != "1" {
		t.Error("_id is immutable")
	}
	a := out["a"].(map[string]any)
	if a["c"] != 2.0 {
		t.Errorf("Expected a.c set, got %v", out)
	}
	if _, ok := a["b"]; ok {
		t.Errorf("Expected a.b removed, got %v", out)
	}
	if len(desc.UpdatedFields) != 1 || len(desc.RemovedFields) != 1 {
		t.Errorf("Unexpected description %+v", desc)
	}
}
