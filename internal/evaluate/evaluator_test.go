package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/storage"
)

var activeOnly = storage.Pipeline{json.RawMessage(`{"$match":{"status":"active"}}`)}

type failingSource struct {
	storage.Source
}

func (failingSource) AggregateByID(ctx context.Context, collection string, id any, pipeline storage.Pipeline) ([]storage.Document, error) {
	return nil, errors.New("connection reset")
}

func seeded(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	s := storage.NewMemoryStorage()
	t.Cleanup(func() { s.Close() })
	if _, err := s.Insert(context.Background(), "users", storage.Document{"_id": "1", "status": "active", "username": "alice"}); err != nil {
		t.Fatal(err)
	}
	return s
}

// TestUnfilteredForwardsOperation verifies unconditional membership without a pipeline
func TestUnfilteredForwardsOperation(t *testing.T) {
	e := New(seeded(t))
	ctx := context.Background()

	reply, ok, err := e.Evaluate(ctx, storage.ChangeEvent{
		OperationType: storage.OpInsert,
		Collection:    "users",
		DocumentKey:   "1",
		FullDocument:  storage.Document{"_id": "1", "username": "alice"},
	}, "r", nil)
	if err != nil || !ok {
		t.Fatalf("Evaluate = %v, %v", ok, err)
	}
	if reply.Operation != protocol.OpInsert || len(reply.InsertData) != 1 || reply.RegistrationID != "r" || reply.Collection != "users" {
		t.Errorf("Unexpected insert reply %+v", reply)
	}

	reply, ok, _ = e.Evaluate(ctx, storage.ChangeEvent{
		OperationType:     storage.OpUpdate,
		Collection:        "users",
		DocumentKey:       "1",
		FullDocument:      storage.Document{"_id": "1", "name": map[string]any{"last": "Y"}},
		UpdateDescription: &storage.UpdateDescription{UpdatedFields: map[string]any{"name.last": "Y"}},
	}, "r", nil)
	if !ok || reply.Operation != protocol.OpUpdate || len(reply.UpdateData) != 1 {
		t.Fatalf("Unexpected update reply %+v", reply)
	}
	desc := reply.UpdateData[0].UpdateDescription
	if desc.UpdatedFields["name.last"] != "Y" || desc.RemovedFields == nil {
		t.Errorf("Unexpected update description %+v", desc)
	}

	reply, ok, _ = e.Evaluate(ctx, storage.ChangeEvent{
		OperationType: storage.OpReplace,
		Collection:    "users",
		DocumentKey:   "1",
		FullDocument:  storage.Document{"_id": "1", "username": "alicia"},
	}, "r", nil)
	if !ok || reply.Operation != protocol.OpInsert || reply.InsertData[0]["username"] != "alicia" {
		t.Errorf("Replace should become an insert, got %+v", reply)
	}
}

// TestFilteredDeleteOnMismatch verifies a document leaving the filter is deleted for that registration
func TestFilteredDeleteOnMismatch(t *testing.T) {
	s := seeded(t)
	e := New(s)
	ctx := context.Background()

	ev := storage.ChangeEvent{OperationType: storage.OpUpdate, Collection: "users", DocumentKey: "1",
		UpdateDescription: &storage.UpdateDescription{UpdatedFields: map[string]any{"username": "al"}}}

	reply, ok, err := e.Evaluate(ctx, ev, "fp", activeOnly)
	if err != nil || !ok {
		t.Fatalf("Evaluate = %v, %v", ok, err)
	}
	if reply.Operation != protocol.OpInsert || reply.InsertData[0]["username"] != "alice" {
		t.Errorf("Still-matching update should insert the current document, got %+v", reply)
	}

	s.Update(ctx, "users", "1", storage.Mutation{Set: map[string]any{"status": "inactive"}})
	reply, ok, err = e.Evaluate(ctx, ev, "fp", activeOnly)
	if err != nil || !ok {
		t.Fatalf("Evaluate = %v, %v", ok, err)
	}
	if reply.Operation != protocol.OpDelete || len(reply.DeleteData) != 1 {
		t.Fatalf("Expected delete, got %+v", reply)
	}
	if d := reply.DeleteData[0]; d.ID != "1" || d.RegistrationID != "fp" {
		t.Errorf("Delete should be scoped to the registration, got %+v", d)
	}

	reply, _, _ = e.Evaluate(ctx, ev, "other", nil)
	if reply.Operation != protocol.OpUpdate {
		t.Errorf("Unfiltered watch should still see the update, got %s", reply.Operation)
	}
}

// TestDeleteIsUnconditional verifies deletes skip re-evaluation
func TestDeleteIsUnconditional(t *testing.T) {
	e := New(failingSource{})
	reply, ok, err := e.Evaluate(context.Background(), storage.ChangeEvent{
		OperationType: storage.OpDelete, Collection: "users", DocumentKey: "1",
	}, "fp", activeOnly)
	if err != nil || !ok {
		t.Fatalf("Evaluate = %v, %v", ok, err)
	}
	if reply.Operation != protocol.OpDelete || reply.DeleteData[0].RegistrationID != "" {
		t.Errorf("Expected unconditional delete, got %+v", reply)
	}
}

// TestQueryErrorDropsEvent verifies re-query failures are reported, not sent
func TestQueryErrorDropsEvent(t *testing.T) {
	e := New(failingSource{})
	_, ok, err := e.Evaluate(context.Background(), storage.ChangeEvent{
		OperationType: storage.OpInsert, Collection: "users", DocumentKey: "1",
	}, "fp", activeOnly)
	if ok {
		t.Error("Failed evaluation must not produce a reply")
	}
	var qe *QueryError
	if !errors.As(err, &qe) || qe.Collection != "users" {
		t.Errorf("Expected QueryError, got %v", err)
	}
}

// TestUnknownOperationIgnored verifies unrelated events imply nothing
func TestUnknownOperationIgnored(t *testing.T) {
	e := New(seeded(t))
	_, ok, err := e.Evaluate(context.Background(), storage.ChangeEvent{OperationType: "drop", Collection: "users"}, "r", nil)
	if ok || err != nil {
		t.Errorf("Expected nothing, got %v %v", ok, err)
	}
}
