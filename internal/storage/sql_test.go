package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// TestSQLiteStore verifies the SQL backend honors the store contract
func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

// TestSQLitePersists verifies documents survive reopening the file
func TestSQLitePersists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hermes.db")
	ctx := context.Background()

	s, err := NewSQLiteStorage(file)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []Document{
		{"_id": "b", "n": 2.0},
		{"_id": "a", "n": 1.0},
	} {
		if _, err := s.Insert(ctx, "items", d); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	s, err = NewSQLiteStorage(file)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	docs, err := s.Aggregate(ctx, "items", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0]["_id"] != "b" || docs[1]["_id"] != "a" {
		t.Errorf("Expected insertion order [b a], got %v", ids(docs))
	}

	docs, _ = s.Aggregate(ctx, "items", stagesOf(t, `[{"$sort":{"n":1}}]`))
	if docs[0]["_id"] != "a" {
		t.Errorf("Expected sorted [a b], got %v", ids(docs))
	}
}

// TestSQLiteInsertEvent verifies the insert event carries the document as stored
func TestSQLiteInsertEvent(t *testing.T) {
	s, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := s.Changes(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Insert(ctx, "items", Document{"_id": "1", "n": 1, "nickname": nil}); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, feed)
	if ev.DocumentKey != "1" || ev.FullDocument["n"] != 1.0 {
		t.Errorf("Unexpected insert event %+v", ev)
	}
	if v, ok := ev.FullDocument["nickname"]; !ok || v != nil {
		t.Errorf("Expected null nickname, got %v", ev.FullDocument)
	}

	if _, err := s.Insert(ctx, "items", Document{"_id": "1"}); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

// TestOperations verifies operation names from configuration
func TestOperations(t *testing.T) {
	ops, err := Operations(nil)
	if err != nil || len(ops) != len(DefaultOperations) {
		t.Errorf("Empty list should give defaults, got %v %v", ops, err)
	}
	ops, err = Operations([]string{"insert", "delete"})
	if err != nil || len(ops) != 2 || ops[1] != OpDelete {
		t.Errorf("Unexpected ops %v %v", ops, err)
	}
	if _, err := Operations([]string{"drop"}); err == nil {
		t.Error("Unknown operation should fail")
	}
}
