package hermesclient

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/zot/hermes/internal/protocol"
)

var (
	// ErrNotConnected is returned by Register before the handshake completes.
	ErrNotConnected = errors.New("hermes: not connected")
	// ErrUnknownHandle is returned when unregistering a handle that is not registered.
	ErrUnknownHandle = errors.New("hermes: unknown registration handle")
	// ErrNoCollection is returned when registering without a collection name.
	ErrNoCollection = errors.New("hermes: collection must be specified")
)

// subscription is one logical live query. The entry outlives its last
// handle so subscribed stays meaningful across re-registration.
type subscription struct {
	collection string
	query      json.RawMessage
	registered map[int]struct{} // ordinals
	next       int
	subscribed bool // the wire subscribe is acknowledged
	pending    bool // a wire subscribe is in flight
}

// Registry reference-counts subscriptions by fingerprint. It only decides
// which frames to send; send delivers them.
type Registry struct {
	subs map[string]map[string]*subscription // collection → fingerprint → subscription
	send func(protocol.Request)
}

// NewRegistry creates a registry that emits frames through send.
func NewRegistry(send func(protocol.Request)) *Registry {
	return &Registry{
		subs: make(map[string]map[string]*subscription),
		send: send,
	}
}

func (r *Registry) lookup(collection, fingerprint string) *subscription {
	return r.subs[collection][fingerprint]
}

// Register allocates a handle for query, sending a wire subscribe unless one
// is acknowledged or in flight for the same fingerprint.
func (r *Registry) Register(collection string, query json.RawMessage) (Handle, error) {
	if collection == "" {
		return Handle{}, ErrNoCollection
	}
	normalized, err := NormalizeQuery(query)
	if err != nil {
		return Handle{}, err
	}
	fp := Fingerprint(collection, normalized)

	byFP, ok := r.subs[collection]
	if !ok {
		byFP = make(map[string]*subscription)
		r.subs[collection] = byFP
	}
	sub, ok := byFP[fp]
	if !ok {
		sub = &subscription{collection: collection, query: normalized, registered: make(map[int]struct{})}
		byFP[fp] = sub
	}
	if !sub.subscribed && !sub.pending {
		r.subscribe(fp, sub)
	}

	h := Handle{Fingerprint: fp, Ordinal: sub.next}
	sub.next++
	sub.registered[h.Ordinal] = struct{}{}
	return h, nil
}

func (r *Registry) subscribe(fp string, sub *subscription) {
	sub.pending = true
	r.send(protocol.SubscribeRequest{Collection: sub.collection, RegistrationID: fp, Query: sub.query})
}

// Unregister releases a handle. emptied is true when the fingerprint lost its
// last handle; the caller must sweep the fingerprint from the cache. The wire
// unsubscribe goes out now if the subscription is acknowledged, or when the
// ack arrives if it is still in flight.
func (r *Registry) Unregister(collection string, h Handle) (emptied bool, err error) {
	sub := r.lookup(collection, h.Fingerprint)
	if sub == nil {
		return false, ErrUnknownHandle
	}
	if _, ok := sub.registered[h.Ordinal]; !ok {
		return false, ErrUnknownHandle
	}
	delete(sub.registered, h.Ordinal)
	if len(sub.registered) > 0 {
		return false, nil
	}
	if sub.subscribed {
		r.unsubscribe(h.Fingerprint, sub)
	}
	return true, nil
}

func (r *Registry) unsubscribe(fp string, sub *subscription) {
	sub.subscribed = false
	r.send(protocol.UnsubscribeRequest{Collection: sub.collection, RegistrationID: fp})
}

// Acknowledged records a subscribe ack. keep is false when every handle was
// released while the subscribe was in flight; the wire unsubscribe has then
// been sent.
func (r *Registry) Acknowledged(collection, fingerprint string) (keep bool) {
	sub := r.lookup(collection, fingerprint)
	if sub == nil || !sub.pending {
		return false
	}
	sub.pending = false
	sub.subscribed = true
	if len(sub.registered) == 0 {
		r.unsubscribe(fingerprint, sub)
		return false
	}
	return true
}

// Active reports whether data for the fingerprint should reach the cache.
func (r *Registry) Active(collection, fingerprint string) bool {
	sub := r.lookup(collection, fingerprint)
	return sub != nil && len(sub.registered) > 0
}

// Disconnected clears every wire flag; the server forgot our watches.
func (r *Registry) Disconnected() {
	for _, byFP := range r.subs {
		for _, sub := range byFP {
			sub.subscribed = false
			sub.pending = false
		}
	}
}

// Resubscribe re-sends subscribe for every fingerprint that still has handles.
// It returns the number of frames sent.
func (r *Registry) Resubscribe() int {
	n := 0
	for _, collection := range r.collections() {
		byFP := r.subs[collection]
		fps := make([]string, 0, len(byFP))
		for fp := range byFP {
			fps = append(fps, fp)
		}
		sort.Strings(fps)
		for _, fp := range fps {
			sub := byFP[fp]
			if len(sub.registered) > 0 && !sub.subscribed && !sub.pending {
				r.subscribe(fp, sub)
				n++
			}
		}
	}
	return n
}

func (r *Registry) collections() []string {
	names := make([]string, 0, len(r.subs))
	for c := range r.subs {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// SubscriptionInfo describes one fingerprint.
type SubscriptionInfo struct {
	Collection  string          `json:"collection"`
	Fingerprint string          `json:"fingerprint"`
	Query       json.RawMessage `json:"query"`
	Handles     []Handle        `json:"handles"`
	Subscribed  bool            `json:"subscribed"`
	Pending     bool            `json:"pending"`
}

// Subscriptions lists every entry, including those with no handles left.
func (r *Registry) Subscriptions() []SubscriptionInfo {
	var infos []SubscriptionInfo
	for _, collection := range r.collections() {
		for fp, sub := range r.subs[collection] {
			info := SubscriptionInfo{
				Collection:  collection,
				Fingerprint: fp,
				Query:       sub.query,
				Subscribed:  sub.subscribed,
				Pending:     sub.pending,
			}
			for ord := range sub.registered {
				info.Handles = append(info.Handles, Handle{Fingerprint: fp, Ordinal: ord})
			}
			sort.Slice(info.Handles, func(i, j int) bool { return info.Handles[i].Ordinal < info.Handles[j].Ordinal })
			infos = append(infos, info)
		}
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Collection != infos[j].Collection {
			return infos[i].Collection < infos[j].Collection
		}
		return infos[i].Fingerprint < infos[j].Fingerprint
	})
	return infos
}
