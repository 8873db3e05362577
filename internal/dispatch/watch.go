package dispatch

import (
	"context"
	"errors"

	"github.com/zot/hermes/internal/path"
	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/storage"
	"github.com/zot/hermes/internal/svc"
)

// Watch binds one registration to the shared feed. Its queue runs the
// snapshot first and then one evaluation per upstream event, in feed order.
type Watch struct {
	conn           *Conn
	Collection     string
	RegistrationID string
	Pipeline       storage.Pipeline

	whitelist []string
	queue     *svc.Queue
	ctx       context.Context
	cancel    context.CancelFunc
}

func newWatch(c *Conn, collection, registrationID string, pipeline storage.Pipeline) *Watch {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watch{
		conn:           c,
		Collection:     collection,
		RegistrationID: registrationID,
		Pipeline:       pipeline,
		whitelist:      c.hub.config.Whitelisted(collection),
		queue:          svc.NewPaused(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Info describes the watch.
func (w *Watch) Info() WatchInfo {
	return WatchInfo{
		ConnID:         w.conn.id,
		UID:            w.conn.UID(),
		Collection:     w.Collection,
		RegistrationID: w.RegistrationID,
		Pipeline:       w.Pipeline,
		Pending:        w.queue.Len(),
	}
}

func (w *Watch) enqueue(ev storage.ChangeEvent) {
	w.queue.Svc(func() { w.evaluate(ev) })
}

// stop cancels in-flight queries and waits for the queue to exit.
func (w *Watch) stop() {
	w.cancel()
	w.queue.Close()
	w.queue.Wait()
}

func (w *Watch) snapshot() {
	docs, err := w.conn.hub.source.Aggregate(w.ctx, w.Collection, w.Pipeline)
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		w.conn.hub.Log(0, "Snapshot %s/%s on %s failed: %v", w.Collection, w.RegistrationID, w.conn.id, err)
		w.conn.send(protocol.ErrorReply{Reply: protocol.ReplyData, Error: "snapshot failed: " + err.Error()})
		return
	}
	if docs == nil {
		docs = []storage.Document{}
	}
	reply := protocol.DataReply{
		Collection:     w.Collection,
		RegistrationID: w.RegistrationID,
		Operation:      protocol.OpInsert,
		InsertData:     docs,
	}
	w.project(&reply)
	w.conn.hub.Log(3, "Snapshot %s/%s on %s: %d documents", w.Collection, w.RegistrationID, w.conn.id, len(docs))
	w.conn.send(reply)
}

func (w *Watch) evaluate(ev storage.ChangeEvent) {
	reply, ok, err := w.conn.hub.eval.Evaluate(w.ctx, ev, w.RegistrationID, w.Pipeline)
	if err != nil {
		if w.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		w.conn.hub.Log(0, "Dropping %s event for %s/%s on %s: %v", ev.OperationType, w.Collection, w.RegistrationID, w.conn.id, err)
		return
	}
	if !ok || !w.project(&reply) {
		return
	}
	w.conn.hub.Log(3, "Watch %s/%s on %s: %s %v", w.Collection, w.RegistrationID, w.conn.id, reply.Operation, ev.DocumentKey)
	w.conn.send(reply)
}

// project applies the collection's field whitelist. It reports false when
// nothing visible is left to send.
func (w *Watch) project(reply *protocol.DataReply) bool {
	if len(w.whitelist) == 0 {
		return true
	}
	switch reply.Operation {
	case protocol.OpInsert:
		for i, doc := range reply.InsertData {
			reply.InsertData[i] = path.Project(doc, w.whitelist)
		}
	case protocol.OpUpdate:
		var kept []protocol.UpdateEntry
		for _, u := range reply.UpdateData {
			desc := protocol.UpdateDescription{UpdatedFields: map[string]any{}, RemovedFields: []string{}}
			for k, v := range u.UpdateDescription.UpdatedFields {
				if allowed, ok := path.Allowed(k, v, w.whitelist); ok {
					desc.UpdatedFields[k] = allowed
				}
			}
			for _, k := range u.UpdateDescription.RemovedFields {
				if overlaps(k, w.whitelist) {
					desc.RemovedFields = append(desc.RemovedFields, k)
				}
			}
			if len(desc.UpdatedFields) > 0 || len(desc.RemovedFields) > 0 {
				kept = append(kept, protocol.UpdateEntry{ID: u.ID, UpdateDescription: desc})
			}
		}
		if len(kept) == 0 {
			return false
		}
		reply.UpdateData = kept
	}
	return true
}

// overlaps reports whether removing key can affect a whitelisted path.
func overlaps(key string, paths []string) bool {
	kp := path.Parse(key)
	for _, raw := range paths {
		p := path.Parse(raw)
		if kp.HasPrefix(p) || p.HasPrefix(kp) {
			return true
		}
	}
	return false
}
