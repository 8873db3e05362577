// Package dispatch is the server-side dispatch core.
//
// A Hub owns the single upstream change feed. Each Conn owns its table of
// watches (collection → registrationId → watch); the hub keeps an index of
// attached watches per collection and hands every upstream event to each
// watch on that collection. Watches evaluate events on their own ordered
// queue and send replies through their connection's Sender.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zot/hermes/internal/config"
	"github.com/zot/hermes/internal/evaluate"
	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/storage"
)

// ErrNotIdentified answers subscription traffic before identify.
var ErrNotIdentified = errors.New("Client has not identified itself")

// Sender delivers replies to one connection. Implementations serialize
// concurrent calls so frames are written whole and in call order.
type Sender interface {
	Send(reply protocol.Reply) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(reply protocol.Reply) error

func (f SenderFunc) Send(reply protocol.Reply) error { return f(reply) }

// Hub multiplexes one upstream feed to every connection's watches.
type Hub struct {
	config *config.Config
	source storage.Source
	eval   *evaluate.Evaluator

	mu    sync.RWMutex
	conns map[string]*Conn
	index map[string]map[*Watch]struct{} // collection → attached watches

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub over source.
func NewHub(cfg *config.Config, source storage.Source) *Hub {
	return &Hub{
		config: cfg,
		source: source,
		eval:   evaluate.New(source),
		conns:  make(map[string]*Conn),
		index:  make(map[string]map[*Watch]struct{}),
	}
}

// Log logs a message via the config.
func (h *Hub) Log(level int, format string, args ...interface{}) {
	h.config.Log(level, format, args...)
}

// Start opens the upstream feed once and begins dispatching.
func (h *Hub) Start(ctx context.Context) error {
	ops, err := storage.Operations(h.config.Feed.Operations)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	feed, err := h.source.Changes(ctx, ops)
	if err != nil {
		cancel()
		return err
	}
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.dispatch(feed)
	h.Log(0, "Change feed open for %v", ops)
	return nil
}

// Stop closes the feed and every connection.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) dispatch(feed <-chan storage.ChangeEvent) {
	defer close(h.done)
	for ev := range feed {
		h.Log(4, "Change %s %s/%v", ev.OperationType, ev.Collection, ev.DocumentKey)
		h.mu.RLock()
		for w := range h.index[ev.Collection] {
			w.enqueue(ev)
		}
		h.mu.RUnlock()
	}
	h.Log(0, "Change feed closed")
}

// Connect registers a transport connection.
func (h *Hub) Connect(id string, sender Sender) *Conn {
	c := &Conn{
		hub:       h,
		id:        id,
		sender:    sender,
		watches:   make(map[string]map[string]*Watch),
		connected: time.Now(),
	}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) forget(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func (h *Hub) attach(w *Watch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.index[w.Collection]
	if !ok {
		set = make(map[*Watch]struct{})
		h.index[w.Collection] = set
	}
	set[w] = struct{}{}
}

func (h *Hub) detach(w *Watch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.index[w.Collection]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.index, w.Collection)
		}
	}
}

// Collections returns the store's collection names.
func (h *Hub) Collections(ctx context.Context) ([]string, error) {
	return h.source.CollectionNames(ctx)
}

// Snapshot runs a pipeline against the store's current state.
func (h *Hub) Snapshot(ctx context.Context, collection string, pipeline storage.Pipeline) ([]storage.Document, error) {
	return h.source.Aggregate(ctx, collection, pipeline)
}

// ConnInfo describes one connection.
type ConnInfo struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Watches   int       `json:"watches"`
	Connected time.Time `json:"connected"`
}

// WatchInfo describes one attached watch.
type WatchInfo struct {
	ConnID         string           `json:"connection"`
	UID            string           `json:"uid"`
	Collection     string           `json:"collection"`
	RegistrationID string           `json:"registrationId"`
	Pipeline       storage.Pipeline `json:"pipeline"`
	Pending        int              `json:"pending"`
}

// Connections lists connections ordered by id.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Watches lists attached watches, optionally only those on collection.
func (h *Hub) Watches(collection string) []WatchInfo {
	h.mu.RLock()
	var infos []WatchInfo
	for coll, set := range h.index {
		if collection != "" && coll != collection {
			continue
		}
		for w := range set {
			infos = append(infos, w.Info())
		}
	}
	h.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.ConnID != b.ConnID {
			return a.ConnID < b.ConnID
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		return a.RegistrationID < b.RegistrationID
	})
	return infos
}

// Stats returns connection and attached watch counts.
func (h *Hub) Stats() (connections, watches int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.index {
		watches += len(set)
	}
	return len(h.conns), watches
}
