package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/storage"
)

// Conn is one transport connection's view of the dispatch core. Handle is
// called for each inbound frame in arrival order; Close releases every watch.
type Conn struct {
	hub       *Hub
	id        string
	sender    Sender
	connected time.Time

	mu      sync.Mutex
	uid     string
	watches map[string]map[string]*Watch // collection → registrationId → watch
	closed  bool
}

// ID returns the transport connection id.
func (c *Conn) ID() string {
	return c.id
}

// UID returns the identifier bound by identify, or "".
func (c *Conn) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Info describes the connection.
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, regs := range c.watches {
		n += len(regs)
	}
	return ConnInfo{ID: c.id, UID: c.uid, Watches: n, Connected: c.connected}
}

func (c *Conn) send(reply protocol.Reply) {
	if err := c.sender.Send(reply); err != nil {
		c.hub.Log(1, "Send to %s failed: %v", c.id, err)
	}
}

// Handle decodes and executes one request frame. Failures are answered
// with an error reply; the connection stays open.
func (c *Conn) Handle(ctx context.Context, frame []byte) {
	var reqType protocol.RequestType
	defer func() {
		if r := recover(); r != nil {
			c.hub.Log(0, "PANIC handling message on %s: %v", c.id, r)
			c.send(protocol.ErrorFor(reqType, fmt.Errorf("internal error: %v", r)))
		}
	}()

	c.hub.Log(2, "Message from %s: %s", c.id, frame)
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		var pe *protocol.ProtocolError
		if errors.As(err, &pe) {
			reqType = pe.Type
		}
		c.send(protocol.ErrorFor(reqType, err))
		return
	}
	reqType = req.RequestType()

	switch r := req.(type) {
	case protocol.IdentifyRequest:
		c.identify(ctx, r)
	case protocol.SubscribeRequest:
		c.subscribe(r)
	case protocol.UnsubscribeRequest:
		c.unsubscribe(r)
	}
}

func (c *Conn) identify(ctx context.Context, r protocol.IdentifyRequest) {
	if r.ID == "" {
		c.send(protocol.ErrorFor(protocol.ReqIdentify, protocol.MissingField(protocol.ReqIdentify, "id")))
		return
	}
	c.mu.Lock()
	c.uid = r.ID
	c.mu.Unlock()
	c.hub.Log(1, "Connection %s identified as %s", c.id, r.ID)

	c.send(protocol.IdentifyReply{Message: fmt.Sprintf("Client is known as `%s`", r.ID)})

	names, err := c.hub.Collections(ctx)
	if err != nil {
		c.hub.Log(0, "Listing collections for %s: %v", c.id, err)
	}
	if names == nil {
		names = []string{}
	}
	c.send(protocol.CollectionsReply{Collections: names})
}

// validate checks the fields every subscription request needs.
func (c *Conn) validate(t protocol.RequestType, collection, registrationID string) error {
	if c.UID() == "" {
		return ErrNotIdentified
	}
	if collection == "" {
		return protocol.MissingField(t, "collection")
	}
	if registrationID == "" {
		return protocol.MissingField(t, "registrationId")
	}
	return nil
}

func (c *Conn) subscribe(r protocol.SubscribeRequest) {
	if err := c.validate(protocol.ReqSubscribe, r.Collection, r.RegistrationID); err != nil {
		c.send(protocol.ErrorFor(protocol.ReqSubscribe, err))
		return
	}
	stages, err := r.Stages()
	if err != nil {
		c.send(protocol.ErrorFor(protocol.ReqSubscribe, err))
		return
	}

	w := newWatch(c, r.Collection, r.RegistrationID, storage.Pipeline(stages))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w.stop()
		return
	}
	regs, ok := c.watches[r.Collection]
	if !ok {
		regs = make(map[string]*Watch)
		c.watches[r.Collection] = regs
	}
	old := regs[r.RegistrationID]
	regs[r.RegistrationID] = w
	c.mu.Unlock()

	if old != nil {
		c.hub.detach(old)
		old.stop()
		c.hub.Log(3, "Replaced watch %s/%s on %s", r.Collection, r.RegistrationID, c.id)
	}

	// the snapshot is queued ahead of live events; the queue runs after the ack
	w.queue.Svc(w.snapshot)
	c.hub.attach(w)
	c.send(protocol.SubscribeReply{Collection: r.Collection, RegistrationID: r.RegistrationID})
	w.queue.Resume()
	c.hub.Log(3, "Watch %s/%s attached on %s (%d stages)", r.Collection, r.RegistrationID, c.id, len(stages))
}

func (c *Conn) unsubscribe(r protocol.UnsubscribeRequest) {
	if err := c.validate(protocol.ReqUnsubscribe, r.Collection, r.RegistrationID); err != nil {
		c.send(protocol.ErrorFor(protocol.ReqUnsubscribe, err))
		return
	}

	c.mu.Lock()
	w := c.watches[r.Collection][r.RegistrationID]
	if w != nil {
		delete(c.watches[r.Collection], r.RegistrationID)
		if len(c.watches[r.Collection]) == 0 {
			delete(c.watches, r.Collection)
		}
	}
	c.mu.Unlock()

	if w != nil {
		c.hub.detach(w)
		w.stop()
		c.hub.Log(3, "Watch %s/%s detached on %s", r.Collection, r.RegistrationID, c.id)
	}
	c.send(protocol.UnsubscribeReply{Collection: r.Collection, RegistrationID: r.RegistrationID})
}

// Close detaches and stops every watch before returning, so no further
// events are evaluated for this connection.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var all []*Watch
	for _, regs := range c.watches {
		for _, w := range regs {
			all = append(all, w)
		}
	}
	c.watches = make(map[string]map[string]*Watch)
	c.mu.Unlock()

	for _, w := range all {
		c.hub.detach(w)
	}
	for _, w := range all {
		w.stop()
	}
	c.hub.forget(c)
	c.hub.Log(1, "Connection %s closed, released %d watches", c.id, len(all))
}
