// Package evaluate decides what one upstream change means for one watch.
//
// Without a pipeline membership is unconditional and the upstream
// operation is forwarded. With a pipeline, inserts and updates re-run the
// pipeline scoped to the changed document: a match becomes an insert of
// the matched document, no match becomes a delete scoped to the watch's
// registration. Deletes are always forwarded unconditionally.
package evaluate

import (
	"context"
	"fmt"

	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/storage"
)

// QueryError reports a failed scoped re-query. The event is dropped for the
// affected watch only.
type QueryError struct {
	Collection string
	ID         any
	Err        error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("re-evaluating %s/%v: %v", e.Collection, e.ID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Evaluator re-derives per-watch membership from change events.
// It writes no shared state, so one Evaluator serves every watch concurrently.
type Evaluator struct {
	source storage.Source
}

// New creates an evaluator over source.
func New(source storage.Source) *Evaluator {
	return &Evaluator{source: source}
}

// Evaluate returns the data reply ev implies for the registration. ok is
// false when the event implies nothing for it.
func (e *Evaluator) Evaluate(ctx context.Context, ev storage.ChangeEvent, registrationID string, pipeline storage.Pipeline) (reply protocol.DataReply, ok bool, err error) {
	reply = protocol.DataReply{Collection: ev.Collection, RegistrationID: registrationID}

	switch ev.OperationType {
	case storage.OpDelete:
		reply.Operation = protocol.OpDelete
		reply.DeleteData = []protocol.DeleteEntry{{ID: ev.DocumentKey}}
		return reply, true, nil

	case storage.OpInsert, storage.OpUpdate, storage.OpReplace:
		if len(pipeline) > 0 {
			return e.filtered(ctx, ev, reply, pipeline)
		}
		return e.unfiltered(ctx, ev, reply)
	}
	return reply, false, nil
}

func (e *Evaluator) filtered(ctx context.Context, ev storage.ChangeEvent, reply protocol.DataReply, pipeline storage.Pipeline) (protocol.DataReply, bool, error) {
	docs, err := e.source.AggregateByID(ctx, ev.Collection, ev.DocumentKey, pipeline)
	if err != nil {
		return reply, false, &QueryError{Collection: ev.Collection, ID: ev.DocumentKey, Err: err}
	}
	if len(docs) == 0 {
		reply.Operation = protocol.OpDelete
		reply.DeleteData = []protocol.DeleteEntry{{ID: ev.DocumentKey, RegistrationID: reply.RegistrationID}}
		return reply, true, nil
	}
	reply.Operation = protocol.OpInsert
	reply.InsertData = docs
	return reply, true, nil
}

func (e *Evaluator) unfiltered(ctx context.Context, ev storage.ChangeEvent, reply protocol.DataReply) (protocol.DataReply, bool, error) {
	if ev.OperationType == storage.OpUpdate && ev.UpdateDescription != nil {
		reply.Operation = protocol.OpUpdate
		reply.UpdateData = []protocol.UpdateEntry{{
			ID: ev.DocumentKey,
			UpdateDescription: protocol.UpdateDescription{
				UpdatedFields: nonNilFields(ev.UpdateDescription.UpdatedFields),
				RemovedFields: nonNilPaths(ev.UpdateDescription.RemovedFields),
			},
		}}
		return reply, true, nil
	}

	doc := ev.FullDocument
	if doc == nil {
		// the post image is missing when the document vanished before lookup
		docs, err := e.source.AggregateByID(ctx, ev.Collection, ev.DocumentKey, nil)
		if err != nil {
			return reply, false, &QueryError{Collection: ev.Collection, ID: ev.DocumentKey, Err: err}
		}
		if len(docs) == 0 {
			return reply, false, nil
		}
		doc = docs[0]
	}
	reply.Operation = protocol.OpInsert
	reply.InsertData = []protocol.Document{doc}
	return reply, true, nil
}

func nonNilFields(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilPaths(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}
