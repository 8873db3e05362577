package hermesclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/svc"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	s.out <- data
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) push(data []byte) {
	s.in <- data
}

func (s *fakeSocket) reply(t *testing.T, r protocol.Reply) {
	t.Helper()
	data, err := protocol.EncodeReply(r)
	require.NoError(t, err)
	s.push(data)
}

func (s *fakeSocket) next(t *testing.T) protocol.Request {
	t.Helper()
	select {
	case data := <-s.out:
		req, err := protocol.DecodeRequest(data)
		require.NoError(t, err)
		return req
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a request frame")
		return nil
	}
}

func (s *fakeSocket) none(t *testing.T) {
	t.Helper()
	select {
	case data := <-s.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   int
	dialed chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSocket, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()
	s := newFakeSocket()
	d.dialed <- s
	return s, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) Fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	if t.stopped || t.fired {
		c.mu.Unlock()
		return
	}
	t.fired = true
	c.mu.Unlock()
	t.f()
}

type harness struct {
	client *Client
	dialer *fakeDialer
	clock  *fakeClock
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{dialer: newFakeDialer(), clock: &fakeClock{}, logs: logs}
	h.client = New("ws://hermes.test/ws",
		WithDialer(h.dialer),
		WithAfterFunc(h.clock.AfterFunc),
		WithLogger(zap.New(core)),
	)
	t.Cleanup(h.client.Close)
	return h
}

// handshake answers the greeting exchange on sock and waits for Connected.
func (h *harness) handshake(t *testing.T, sock *fakeSocket) string {
	t.Helper()
	sock.push([]byte(protocol.DefaultGreeting))
	id, ok := sock.next(t).(protocol.IdentifyRequest)
	require.True(t, ok, "first frame must be identify")
	require.NotEmpty(t, id.ID)
	sock.reply(t, protocol.IdentifyReply{Message: "Client is known as `" + id.ID + "`"})
	sock.reply(t, protocol.CollectionsReply{Collections: []string{"users"}})
	require.Eventually(t, h.client.Connected, waitFor, tick)
	return id.ID
}

func (h *harness) connect(t *testing.T) *fakeSocket {
	t.Helper()
	h.client.Start()
	sock := h.dialer.next(t)
	h.handshake(t, sock)
	return sock
}

// subscribe registers a query and acknowledges its subscribe frame.
func (h *harness) subscribe(t *testing.T, sock *fakeSocket, collection string, query any) Handle {
	t.Helper()
	handle, err := h.client.Register(collection, query)
	require.NoError(t, err)
	sub, ok := sock.next(t).(protocol.SubscribeRequest)
	require.True(t, ok, "expected subscribe")
	require.Equal(t, handle.Fingerprint, sub.RegistrationID)
	sock.reply(t, protocol.SubscribeReply{Collection: collection, RegistrationID: sub.RegistrationID})
	return handle
}

func (h *harness) waitDocs(t *testing.T, collection string, handle Handle, n int) []protocol.Document {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.client.Get(collection, handle)) == n }, waitFor, tick)
	return h.client.Get(collection, handle)
}

func insert(collection string, handle Handle, docs ...protocol.Document) protocol.DataReply {
	return protocol.DataReply{
		Collection:     collection,
		RegistrationID: handle.Fingerprint,
		Operation:      protocol.OpInsert,
		InsertData:     docs,
	}
}

// TestClientHandshake verifies the greeting, identify and collections exchange.
func TestClientHandshake(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Disconnected, h.client.State())

	h.client.Start()
	sock := h.dialer.next(t)
	id := h.handshake(t, sock)

	assert.Equal(t, id, h.client.ClientID())
	assert.Equal(t, Connected, h.client.State())
	require.Eventually(t, func() bool { return len(h.client.Collections()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"users"}, h.client.Collections())
	assert.Equal(t, 0, h.clock.Len())
}

// TestRegisterWhileDisconnected verifies that Register reports an error and returns no handle.
func TestRegisterWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	handle, err := h.client.Register("users", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, handle.IsZero())
}

// TestClientRefCount verifies one wire subscription for two handles and eviction after the last unregister.
func TestClientRefCount(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	first := h.subscribe(t, sock, "users", nil)
	second, err := h.client.Register("users", []any{})
	require.NoError(t, err)
	sock.none(t)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	sock.reply(t, insert("users", first, protocol.Document{"_id": "1", "username": "alice"}))
	h.waitDocs(t, "users", first, 1)
	assert.Len(t, h.client.Get("users", second), 1)

	require.NoError(t, h.client.Unregister("users", first))
	sock.none(t)
	assert.Len(t, h.client.Get("users", second), 1)

	require.NoError(t, h.client.Unregister("users", second))
	assert.Equal(t, protocol.UnsubscribeRequest{Collection: "users", RegistrationID: first.Fingerprint}, sock.next(t))
	assert.Empty(t, h.client.Get("users", second))

	assert.ErrorIs(t, h.client.Unregister("users", second), ErrUnknownHandle)
}

// TestClientFilteredDelete verifies that a scoped delete hides a document from one registration only.
func TestClientFilteredDelete(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	all := h.subscribe(t, sock, "users", nil)
	active := h.subscribe(t, sock, "users", `[{"$match":{"status":"active"}}]`)
	require.NotEqual(t, all.Fingerprint, active.Fingerprint)

	doc := protocol.Document{"_id": "1", "status": "active"}
	sock.reply(t, insert("users", all, doc))
	sock.reply(t, insert("users", active, doc))
	h.waitDocs(t, "users", active, 1)
	h.waitDocs(t, "users", all, 1)

	// the update flipping status reaches the unfiltered view as an update
	// and the filtered view as a scoped delete
	sock.reply(t, protocol.DataReply{
		Collection:     "users",
		RegistrationID: all.Fingerprint,
		Operation:      protocol.OpUpdate,
		UpdateData: []protocol.UpdateEntry{{
			ID: "1",
			UpdateDescription: protocol.UpdateDescription{
				UpdatedFields: map[string]any{"status": "inactive"},
				RemovedFields: []string{},
			},
		}},
	})
	sock.reply(t, protocol.DataReply{
		Collection:     "users",
		RegistrationID: active.Fingerprint,
		Operation:      protocol.OpDelete,
		DeleteData:     []protocol.DeleteEntry{{ID: "1", RegistrationID: active.Fingerprint}},
	})

	h.waitDocs(t, "users", active, 0)
	docs := h.client.Get("users", all)
	require.Len(t, docs, 1)
	assert.Equal(t, "inactive", docs[0]["status"])
}

// TestMalformedFrameDiscarded verifies that unparseable frames are logged and the session stays open.
func TestMalformedFrameDiscarded(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)
	handle := h.subscribe(t, sock, "users", nil)

	sock.push([]byte("{not json"))
	sock.push([]byte(`{"payload":{}}`))
	sock.reply(t, insert("users", handle, protocol.Document{"_id": "1"}))

	h.waitDocs(t, "users", handle, 1)
	assert.True(t, h.client.Connected())
	assert.Equal(t, 2, h.logs.FilterMessage("discarding malformed frame").Len())
	assert.Equal(t, 0, h.clock.Len())
}

// TestDataForReleasedRegistrationDropped verifies that data for a fingerprint with no handles never reaches the cache.
func TestDataForReleasedRegistrationDropped(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	handle, err := h.client.Register("users", nil)
	require.NoError(t, err)
	sock.next(t)
	require.NoError(t, h.client.Unregister("users", handle))
	sock.none(t)

	// the ack for the released subscription triggers the unsubscribe
	sock.reply(t, protocol.SubscribeReply{Collection: "users", RegistrationID: handle.Fingerprint})
	assert.Equal(t, protocol.ReqUnsubscribe, sock.next(t).RequestType())

	sock.reply(t, insert("users", handle, protocol.Document{"_id": "1"}))
	require.Eventually(t, func() bool {
		return h.logs.FilterMessage("dropping data for inactive registration").Len() == 1
	}, waitFor, tick)
	assert.Equal(t, 0, h.client.cache.Len("users"))
}

// TestReconnect verifies one retry per loss, auto-resubscribe and resync of stale documents.
func TestReconnect(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)
	handle := h.subscribe(t, sock, "users", nil)
	sock.reply(t, insert("users", handle,
		protocol.Document{"_id": "1", "username": "alice"},
		protocol.Document{"_id": "2", "username": "bob"}))
	h.waitDocs(t, "users", handle, 2)

	sock.Close()
	require.Eventually(t, func() bool { return h.clock.Len() == 1 }, waitFor, tick)
	assert.Equal(t, Disconnected, h.client.State())

	// a second loss while the retry is pending must not add a timer
	_, err := svc.Sync(h.client.loop, func() (struct{}, error) {
		s := h.client.session
		s.closedBy(s.generation, errSocketClosed)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, h.logs.FilterMessage("socket closed").Len())
	assert.Equal(t, 1, h.clock.Len())
	assert.Equal(t, 1, h.logs.FilterMessage("disconnected").Len())

	_, err = h.client.Register("users", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Len(t, h.client.Get("users", handle), 2)

	h.clock.Fire(0)
	sock2 := h.dialer.next(t)
	h.handshake(t, sock2)

	sub, ok := sock2.next(t).(protocol.SubscribeRequest)
	require.True(t, ok, "expected automatic resubscribe")
	assert.Equal(t, handle.Fingerprint, sub.RegistrationID)
	assert.Equal(t, "[]", string(sub.Query))

	// bob was deleted while we were away
	sock2.reply(t, protocol.SubscribeReply{Collection: "users", RegistrationID: handle.Fingerprint})
	sock2.reply(t, insert("users", handle, protocol.Document{"_id": "1", "username": "alice"}))
	require.Eventually(t, func() bool {
		docs := h.client.Get("users", handle)
		return len(docs) == 1 && docs[0]["_id"] == "1"
	}, waitFor, tick)
	assert.Equal(t, 1, h.clock.Len())
}

// TestDialFailureRetries verifies that a failed dial schedules a single retry.
func TestDialFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.dialer.fail = 1
	h.client.Start()

	require.Eventually(t, func() bool { return h.clock.Len() == 1 }, waitFor, tick)
	assert.Equal(t, Disconnected, h.client.State())
	assert.Equal(t, 0, h.logs.FilterMessage("disconnected").Len())

	h.clock.Fire(0)
	sock := h.dialer.next(t)
	h.handshake(t, sock)
	assert.Equal(t, 1, h.clock.Len())
}

// TestOnChange verifies that callbacks fire after cache mutations.
func TestOnChange(t *testing.T) {
	h := newHarness(t)
	changes := make(chan string, 16)
	h.client.OnChange(func(collection string) { changes <- collection })
	sock := h.connect(t)
	handle := h.subscribe(t, sock, "users", nil)

	sock.reply(t, insert("users", handle, protocol.Document{"_id": "1"}))
	select {
	case c := <-changes:
		assert.Equal(t, "users", c)
	case <-time.After(waitFor):
		t.Fatal("no change notification")
	}
	assert.Len(t, h.client.Get("users", handle), 1)
}

// TestRegisterRejectsInvalidQuery verifies that a query the server would refuse fails locally without a wire frame.
func TestRegisterRejectsInvalidQuery(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	for _, q := range []any{`[1]`, `[{"$match":{}}, "x"]`, `{"$match":{}}`} {
		handle, err := h.client.Register("users", q)
		assert.Error(t, err, "query %v", q)
		assert.True(t, handle.IsZero())
	}
	_, err := h.client.Register("", nil)
	assert.ErrorIs(t, err, ErrNoCollection)
	sock.none(t)
	assert.Empty(t, h.client.Subscriptions())

	h.subscribe(t, sock, "users", `[{"$match":{"status":"active"}}]`)
}
