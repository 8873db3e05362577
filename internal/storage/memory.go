package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/zot/hermes/internal/path"
)

// MemoryStorage is an in-memory document store. Writes publish change events
// to every open feed, which makes it the reference backend for tests.
type MemoryStorage struct {
	collections map[string]*memCollection
	feed        *feed
	closed      bool
	mu          sync.RWMutex
}

type memCollection struct {
	docs  map[string]Document
	order []string // insertion order of keys
}

// NewMemoryStorage creates a new in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		collections: make(map[string]*memCollection),
		feed:        newFeed(),
	}
}

func (m *MemoryStorage) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{docs: make(map[string]Document)}
		m.collections[name] = c
	}
	return c
}

// Changes opens a change feed.
func (m *MemoryStorage) Changes(ctx context.Context, ops []OperationType) (<-chan ChangeEvent, error) {
	return m.feed.subscribe(ctx, ops)
}

// Aggregate runs a pipeline over a collection in insertion order.
func (m *MemoryStorage) Aggregate(ctx context.Context, collection string, pipeline Pipeline) ([]Document, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	var docs []Document
	if c, ok := m.collections[collection]; ok {
		docs = make([]Document, 0, len(c.order))
		for _, k := range c.order {
			docs = append(docs, path.Clone(c.docs[k]))
		}
	}
	m.mu.RUnlock()
	return RunPipeline(docs, pipeline)
}

// AggregateByID runs a pipeline over the single document with the given _id.
func (m *MemoryStorage) AggregateByID(ctx context.Context, collection string, id any, pipeline Pipeline) ([]Document, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	var docs []Document
	if c, ok := m.collections[collection]; ok {
		if d, ok := c.docs[idKey(id)]; ok {
			docs = []Document{path.Clone(d)}
		}
	}
	m.mu.RUnlock()
	return RunPipeline(docs, pipeline)
}

// CollectionNames lists every collection that has held a document.
func (m *MemoryStorage) CollectionNames(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Insert stores a copy of doc and publishes an insert event.
func (m *MemoryStorage) Insert(ctx context.Context, collection string, doc Document) (any, error) {
	d := path.Clone(doc)
	if d == nil {
		d = Document{}
	}
	id := ensureID(d)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	c := m.collection(collection)
	key := idKey(id)
	if _, exists := c.docs[key]; exists {
		return nil, ErrDuplicateKey
	}
	c.docs[key] = d
	c.order = append(c.order, key)

	m.feed.publish(ChangeEvent{
		OperationType: OpInsert,
		Collection:    collection,
		DocumentKey:   id,
		FullDocument:  path.Clone(d),
	})
	return id, nil
}

// Update applies a mutation and publishes an update event with the post image.
func (m *MemoryStorage) Update(ctx context.Context, collection string, id any, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	key := idKey(id)
	existing, ok := c.docs[key]
	if !ok {
		return ErrNotFound
	}
	updated, desc := ApplyMutation(existing, mut)
	c.docs[key] = updated

	m.feed.publish(ChangeEvent{
		OperationType:     OpUpdate,
		Collection:        collection,
		DocumentKey:       existing["_id"],
		FullDocument:      path.Clone(updated),
		UpdateDescription: desc,
	})
	return nil
}

// Delete removes a document and publishes a delete event.
func (m *MemoryStorage) Delete(ctx context.Context, collection string, id any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	key := idKey(id)
	existing, ok := c.docs[key]
	if !ok {
		return ErrNotFound
	}
	delete(c.docs, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	m.feed.publish(ChangeEvent{
		OperationType: OpDelete,
		Collection:    collection,
		DocumentKey:   existing["_id"],
	})
	return nil
}

// Count returns the number of documents in a collection.
func (m *MemoryStorage) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[collection]; ok {
		return len(c.docs)
	}
	return 0
}

// Close stops every feed.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.feed.close()
	return nil
}

// ApplyMutation returns a mutated copy of doc and the matching update description.
func ApplyMutation(doc Document, mut Mutation) (Document, *UpdateDescription) {
	out := path.Clone(doc)
	desc := &UpdateDescription{UpdatedFields: map[string]any{}, RemovedFields: []string{}}
	for k, v := range mut.Set {
		if k == "_id" {
			continue
		}
		path.Set(out, k, path.CloneValue(v))
		desc.UpdatedFields[k] = path.CloneValue(v)
	}
	for _, k := range mut.Unset {
		if k == "_id" {
			continue
		}
		path.Unset(out, k)
		desc.RemovedFields = append(desc.RemovedFields, k)
	}
	return out, desc
}
