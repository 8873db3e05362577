package hermesclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/svc"
)

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

type options struct {
	dialer    Dialer
	logger    *zap.Logger
	reconnect time.Duration
	afterFunc AfterFunc
	greeting  string
}

// Option configures a Client.
type Option func(*options)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReconnectDelay sets the wait before each reconnect.
func WithReconnectDelay(d time.Duration) Option {
	return func(o *options) { o.reconnect = d }
}

// WithAfterFunc replaces time.AfterFunc for the reconnect timer.
func WithAfterFunc(f AfterFunc) Option {
	return func(o *options) { o.afterFunc = f }
}

// WithGreeting sets the greeting text the server sends before identify.
func WithGreeting(g string) Option {
	return func(o *options) { o.greeting = g }
}

// Client is a live view of server collections. Register queries, then read
// the documents matching them with Get.
type Client struct {
	log      *zap.Logger
	loop     *svc.Queue
	session  *Session
	registry *Registry
	cache    *Cache

	mu          sync.RWMutex
	collections []string
	onChange    []func(collection string)
}

// New creates a client for the websocket at url. Call Start to connect.
func New(url string, opts ...Option) *Client {
	o := &options{
		dialer:    WebSocketDialer{},
		logger:    zap.NewNop(),
		reconnect: DefaultReconnectDelay,
		afterFunc: realAfterFunc,
		greeting:  protocol.DefaultGreeting,
	}
	for _, opt := range opts {
		opt(o)
	}
	c := &Client{
		log:   o.logger,
		loop:  svc.New(),
		cache: NewCache(),
	}
	c.session = newSession(url, c.loop, o, Events{
		Connected:    c.connected,
		Disconnected: c.disconnected,
		Reply:        c.reply,
	})
	c.registry = NewRegistry(c.session.Send)
	return c
}

// Start connects in the background. Progress is visible through Connected
// and OnChange.
func (c *Client) Start() {
	c.session.Start()
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() {
	svc.Sync(c.loop, func() (struct{}, error) {
		c.session.close()
		return struct{}{}, nil
	})
	c.loop.Close()
	c.loop.Wait()
}

// Connected reports whether the handshake has completed on the current socket.
func (c *Client) Connected() bool {
	return c.session.State() == Connected
}

// State returns the transport session state.
func (c *Client) State() State {
	return c.session.State()
}

// ClientID returns the identifier of the current handshake.
func (c *Client) ClientID() string {
	return c.session.ClientID()
}

// Collections returns the collection names the server listed at handshake.
func (c *Client) Collections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.collections...)
}

// OnChange adds a callback fired on the session loop after each cache change.
// Callbacks may call Get but must not call Register or Unregister directly.
func (c *Client) OnChange(fn func(collection string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *Client) changed(collection string) {
	c.mu.RLock()
	fns := c.onChange
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(collection)
	}
}

// Register starts a live query on collection. query is a pipeline: raw JSON,
// or any value that marshals to a JSON array. Registering the same query
// twice shares one server subscription.
func (c *Client) Register(collection string, query any) (Handle, error) {
	raw, err := encodeQuery(query)
	if err != nil {
		return Handle{}, err
	}
	return svc.Sync(c.loop, func() (Handle, error) {
		if c.session.State() != Connected {
			return Handle{}, ErrNotConnected
		}
		h, err := c.registry.Register(collection, raw)
		if err != nil {
			return Handle{}, err
		}
		c.log.Debug("registered", zap.String("collection", collection), zap.Stringer("handle", h))
		return h, nil
	})
}

func encodeQuery(query any) (json.RawMessage, error) {
	switch q := query.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return q, nil
	case []byte:
		return json.RawMessage(q), nil
	case string:
		return json.RawMessage(q), nil
	}
	data, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return data, nil
}

// Unregister releases a handle. The documents only it vouched for leave the
// cache when the last handle of its query is released.
func (c *Client) Unregister(collection string, h Handle) error {
	_, err := svc.Sync(c.loop, func() (struct{}, error) {
		emptied, err := c.registry.Unregister(collection, h)
		if err != nil {
			return struct{}{}, err
		}
		c.log.Debug("unregistered", zap.String("collection", collection), zap.Stringer("handle", h))
		if emptied && c.cache.Sweep(collection, h.Fingerprint) > 0 {
			c.changed(collection)
		}
		return struct{}{}, nil
	})
	return err
}

// Get returns copies of the documents currently matching the handle's query.
func (c *Client) Get(collection string, h Handle) []protocol.Document {
	return c.cache.Get(collection, h)
}

// Subscriptions describes the registry.
func (c *Client) Subscriptions() []SubscriptionInfo {
	infos, _ := svc.Sync(c.loop, func() ([]SubscriptionInfo, error) {
		return c.registry.Subscriptions(), nil
	})
	return infos
}

func (c *Client) connected() {
	if n := c.registry.Resubscribe(); n > 0 {
		c.log.Info("resubscribed", zap.Int("subscriptions", n))
	}
}

func (c *Client) disconnected() {
	c.registry.Disconnected()
}

func (c *Client) reply(reply protocol.Reply) {
	switch r := reply.(type) {
	case protocol.CollectionsReply:
		c.mu.Lock()
		c.collections = append([]string(nil), r.Collections...)
		c.mu.Unlock()
	case protocol.SubscribeReply:
		c.registry.Acknowledged(r.Collection, r.RegistrationID)
		// the snapshot that follows re-vouches everything still present
		if c.cache.Sweep(r.Collection, r.RegistrationID) > 0 {
			c.changed(r.Collection)
		}
	case protocol.UnsubscribeReply:
		c.log.Debug("unsubscribed", zap.String("collection", r.Collection), zap.String("registrationId", r.RegistrationID))
	case protocol.DataReply:
		if !c.registry.Active(r.Collection, r.RegistrationID) {
			c.log.Debug("dropping data for inactive registration",
				zap.String("collection", r.Collection), zap.String("registrationId", r.RegistrationID))
			return
		}
		c.cache.Apply(r)
		c.changed(r.Collection)
	case protocol.ErrorReply:
		c.log.Warn("server error", zap.String("reply", string(r.Reply)), zap.String("error", r.Error))
	}
}
