package hermesclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zot/hermes/internal/protocol"
	"github.com/zot/hermes/internal/svc"
)

// State is the transport session's position in its handshake.
type State int

const (
	Disconnected State = iota
	Connecting
	Identifying
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Identifying:
		return "identifying"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Timer is the part of *time.Timer the session uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Events is how the session reports to its owner. Every callback runs on
// the session loop.
type Events struct {
	Connected    func()
	Disconnected func()
	Reply        func(protocol.Reply)
}

// Session keeps one socket open to the server, identifying on every greeting
// and reconnecting after a fixed delay when the socket is lost. All state
// changes run on loop; no method blocks on the network.
type Session struct {
	url       string
	dialer    Dialer
	greeting  string
	delay     time.Duration
	afterFunc AfterFunc
	log       *zap.Logger
	loop      *svc.Queue
	events    Events
	ctx       context.Context
	cancel    context.CancelFunc

	// loop-owned
	socket     Socket
	generation int
	timer      Timer
	timerSeq   int
	closed     bool

	mu       sync.RWMutex // guards state and clientID for readers off the loop
	state    State
	clientID string
}

func newSession(url string, loop *svc.Queue, o *options, events Events) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		url:       url,
		dialer:    o.dialer,
		greeting:  o.greeting,
		delay:     o.reconnect,
		afterFunc: o.afterFunc,
		log:       o.logger.Named("session"),
		loop:      loop,
		events:    events,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ClientID returns the identifier sent with the latest identify.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("state", zap.Stringer("state", st))
}

// Start begins connecting.
func (s *Session) Start() {
	s.loop.Svc(s.connect)
}

func (s *Session) connect() {
	if s.closed || s.State() != Disconnected {
		return
	}
	s.setState(Connecting)
	s.generation++
	gen := s.generation
	go func() {
		sock, err := s.dialer.Dial(s.ctx, s.url)
		if !s.loop.Svc(func() { s.opened(gen, sock, err) }) && sock != nil {
			sock.Close()
		}
	}()
}

func (s *Session) opened(gen int, sock Socket, err error) {
	if gen != s.generation || s.closed {
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("dial failed", zap.String("url", s.url), zap.Error(err))
		s.lost()
		return
	}
	s.log.Info("socket open", zap.String("url", s.url))
	s.socket = sock
	go s.read(gen, sock)
}

// read forwards frames from one socket until it fails.
func (s *Session) read(gen int, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			s.loop.Svc(func() { s.closedBy(gen, err) })
			return
		}
		if !s.loop.Svc(func() { s.message(gen, data) }) {
			return
		}
	}
}

func (s *Session) closedBy(gen int, err error) {
	if gen != s.generation {
		return
	}
	s.log.Info("socket closed", zap.Error(err))
	s.lost()
}

func (s *Session) message(gen int, data []byte) {
	if gen != s.generation {
		return
	}
	if protocol.IsGreeting(data, s.greeting) {
		id := uuid.NewString()
		s.mu.Lock()
		s.clientID = id
		s.mu.Unlock()
		s.setState(Identifying)
		s.Send(protocol.IdentifyRequest{ID: id})
		return
	}
	reply, err := protocol.DecodeReply(data)
	if err != nil {
		s.log.Warn("discarding malformed frame", zap.Error(err), zap.ByteString("frame", data))
		return
	}
	switch r := reply.(type) {
	case protocol.IdentifyReply:
		if s.State() != Identifying {
			return
		}
		s.log.Info("identified", zap.String("message", r.Message))
		s.stopTimer()
		s.setState(Connected)
		if s.events.Connected != nil {
			s.events.Connected()
		}
		return
	case protocol.ErrorReply:
		if r.Reply == protocol.ReplyIdentify {
			// the server keeps the socket open; drop it and retry
			s.log.Warn("identify rejected", zap.String("error", r.Error))
			s.lost()
			return
		}
	}
	if s.events.Reply != nil {
		s.events.Reply(reply)
	}
}

// lost tears down the current socket and schedules one reconnect.
func (s *Session) lost() {
	was := s.State()
	s.generation++
	if s.socket != nil {
		s.socket.Close()
		s.socket = nil
	}
	s.setState(Disconnected)
	if was == Connected {
		s.log.Info("disconnected")
		if s.events.Disconnected != nil {
			s.events.Disconnected()
		}
	}
	s.scheduleRetry()
}

func (s *Session) scheduleRetry() {
	if s.closed || s.timer != nil {
		return
	}
	s.timerSeq++
	seq := s.timerSeq
	s.log.Debug("reconnect scheduled", zap.Duration("delay", s.delay))
	s.timer = s.afterFunc(s.delay, func() {
		s.loop.Svc(func() {
			if seq != s.timerSeq || s.timer == nil {
				return
			}
			s.timer = nil
			s.connect()
		})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerSeq++
	}
}

// Send writes a request on the current socket. It must run on the loop.
// Without a socket the request is dropped.
func (s *Session) Send(req protocol.Request) {
	if s.socket == nil {
		s.log.Debug("not sending, no socket", zap.String("type", string(req.RequestType())))
		return
	}
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		s.log.Error("encode failed", zap.Error(err))
		return
	}
	s.log.Debug("send", zap.ByteString("frame", data))
	if err := s.socket.WriteMessage(data); err != nil {
		s.log.Warn("write failed", zap.Error(err))
	}
}

// close stops the session for good. It must run on the loop.
func (s *Session) close() {
	s.closed = true
	s.stopTimer()
	s.generation++
	if s.socket != nil {
		s.socket.Close()
		s.socket = nil
	}
	s.setState(Disconnected)
	s.cancel()
}
