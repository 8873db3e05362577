package hermesclient

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/zot/hermes/internal/path"
	"github.com/zot/hermes/internal/protocol"
)

// cached is one document and the fingerprints vouching for it.
type cached struct {
	doc      protocol.Document
	vouchers map[string]struct{}
}

type docSet struct {
	docs  map[string]*cached // idKey → entry
	order []string           // idKeys in first-insert order
}

// Cache holds every document the session's registrations have received.
// Writes come from the session loop; reads may come from any goroutine.
type Cache struct {
	mu          sync.RWMutex
	collections map[string]*docSet
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{collections: make(map[string]*docSet)}
}

// idKey maps an _id of any JSON type to a map key. "1" and 1 stay distinct.
func idKey(id any) string {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Sprintf("%#v", id)
	}
	return string(data)
}

func (c *Cache) collection(name string, create bool) *docSet {
	coll := c.collections[name]
	if coll == nil && create {
		coll = &docSet{docs: make(map[string]*cached)}
		c.collections[name] = coll
	}
	return coll
}

func (coll *docSet) drop(key string) {
	delete(coll.docs, key)
	for i, k := range coll.order {
		if k == key {
			coll.order = append(coll.order[:i], coll.order[i+1:]...)
			return
		}
	}
}

// ApplyInsert merges each document into the cache and adds voucher to it.
// Documents without an _id are skipped.
func (c *Cache) ApplyInsert(name, voucher string, docs []protocol.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := c.collection(name, true)
	for _, doc := range docs {
		id, ok := doc["_id"]
		if !ok {
			continue
		}
		key := idKey(id)
		entry := coll.docs[key]
		if entry == nil {
			entry = &cached{doc: protocol.Document{}, vouchers: make(map[string]struct{})}
			coll.docs[key] = entry
			coll.order = append(coll.order, key)
		}
		path.Merge(entry.doc, doc)
		entry.vouchers[voucher] = struct{}{}
	}
}

// ApplyDelete removes vouchers, or whole documents when a deletion is unscoped.
func (c *Cache) ApplyDelete(name string, deletions []protocol.DeleteEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := c.collection(name, false)
	if coll == nil {
		return
	}
	for _, d := range deletions {
		key := idKey(d.ID)
		entry := coll.docs[key]
		if entry == nil {
			continue
		}
		if d.RegistrationID == "" {
			coll.drop(key)
			continue
		}
		delete(entry.vouchers, d.RegistrationID)
		if len(entry.vouchers) == 0 {
			coll.drop(key)
		}
	}
}

// ApplyUpdate applies update descriptions to documents already cached.
func (c *Cache) ApplyUpdate(name string, updates []protocol.UpdateEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := c.collection(name, false)
	if coll == nil {
		return
	}
	for _, u := range updates {
		entry := coll.docs[idKey(u.ID)]
		if entry == nil {
			continue
		}
		// sorted so a parent path is set before its children
		keys := make([]string, 0, len(u.UpdateDescription.UpdatedFields))
		for k := range u.UpdateDescription.UpdatedFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path.Set(entry.doc, k, path.CloneValue(u.UpdateDescription.UpdatedFields[k]))
		}
		for _, k := range u.UpdateDescription.RemovedFields {
			path.Unset(entry.doc, k)
		}
	}
}

// Apply routes a data reply to the matching operation.
func (c *Cache) Apply(data protocol.DataReply) {
	switch data.Operation {
	case protocol.OpInsert:
		c.ApplyInsert(data.Collection, data.RegistrationID, data.InsertData)
	case protocol.OpDelete:
		c.ApplyDelete(data.Collection, data.DeleteData)
	case protocol.OpUpdate:
		c.ApplyUpdate(data.Collection, data.UpdateData)
	}
}

// Sweep withdraws a fingerprint's voucher from every document in a collection,
// dropping documents left with none. It returns the number of documents dropped.
func (c *Cache) Sweep(name, fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := c.collection(name, false)
	if coll == nil {
		return 0
	}
	dropped := 0
	kept := coll.order[:0]
	for _, key := range coll.order {
		entry := coll.docs[key]
		delete(entry.vouchers, fingerprint)
		if len(entry.vouchers) == 0 {
			delete(coll.docs, key)
			dropped++
			continue
		}
		kept = append(kept, key)
	}
	coll.order = kept
	return dropped
}

// Get returns copies of the documents vouched for by the handle's fingerprint.
func (c *Cache) Get(name string, h Handle) []protocol.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll := c.collection(name, false)
	docs := []protocol.Document{}
	if coll == nil {
		return docs
	}
	for _, key := range coll.order {
		entry := coll.docs[key]
		if _, ok := entry.vouchers[h.Fingerprint]; ok {
			docs = append(docs, path.Clone(entry.doc))
		}
	}
	return docs
}

// Len returns the number of cached documents in a collection, vouched or not.
func (c *Cache) Len(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if coll := c.collection(name, false); coll != nil {
		return len(coll.docs)
	}
	return 0
}

// Vouchers returns the sorted fingerprints vouching for a document.
func (c *Cache) Vouchers(name string, id any) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll := c.collection(name, false)
	if coll == nil {
		return nil
	}
	entry := coll.docs[idKey(id)]
	if entry == nil {
		return nil
	}
	out := make([]string, 0, len(entry.vouchers))
	for v := range entry.vouchers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
