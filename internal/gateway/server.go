// Package gateway terminates client WebSocket connections. It binds each
// connection to an identity in the registry, applies per-connection limits
// and hands parsed messages to the signaling router or the frame relay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/signlink/signlink-relay/internal/metrics"
	"github.com/signlink/signlink-relay/internal/origin"
	"github.com/signlink/signlink-relay/internal/registry"
	"github.com/signlink/signlink-relay/internal/signaling"
)

const (
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultMaxMessageBytes   = 2 << 20
	DefaultMessagesPerSecond = 50
	DefaultSendQueueBytes    = 8 << 20
)

// FrameSubmitter accepts video frames for asynchronous processing.
type FrameSubmitter interface {
	Submit(ctx context.Context, from, target, frame string)
}

type Config struct {
	Registry *registry.Registry
	Router   *signaling.Router
	// Frames may be nil, in which case video-frame messages are rejected.
	Frames FrameSubmitter
	Origin *origin.Policy

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	SendQueueBytes    int
}

// Server accepts WebSocket clients on:
//   - GET /ws       : the server assigns a random identity
//   - GET /ws/{id}  : the client claims {id}
type Server struct {
	reg    *registry.Registry
	router *signaling.Router
	frames FrameSubmitter
	origin *origin.Policy

	log     *slog.Logger
	metrics *metrics.Metrics

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	perSecond       int
	sendQueueBytes  int

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(cfg Config) *Server {
	s := &Server{
		reg:             cfg.Registry,
		router:          cfg.Router,
		frames:          cfg.Frames,
		origin:          cfg.Origin,
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
		perSecond:       cfg.MessagesPerSecond,
		sendQueueBytes:  cfg.SendQueueBytes,
		conns:           make(map[*conn]struct{}),
	}
	if s.reg == nil {
		s.reg = registry.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.router == nil {
		s.router = signaling.NewRouter(s.reg, s.log, s.metrics)
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = DefaultMaxMessageBytes
	}
	if s.perSecond == 0 {
		s.perSecond = DefaultMessagesPerSecond
	}
	if s.sendQueueBytes <= 0 {
		s.sendQueueBytes = DefaultSendQueueBytes
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleAssigned)
	mux.HandleFunc("GET /ws/{id}", s.handleClaimed)
}

// Close terminates every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.shutdown()
	}
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleAssigned(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "")
}

func (s *Server) handleClaimed(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, r.PathValue("id"))
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{CheckOrigin: s.origin.CheckOrigin}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, identity string) {
	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if identity == "" {
		identity = uuid.NewString()
	}
	c := newConn(s, ws, identity)
	s.track(c)
	go c.writeLoop()

	defer func() {
		if v := recover(); v != nil {
			s.metrics.Inc(metrics.WSPanic)
			s.log.Error("ws_panic", "conn", c.id, "identity", c.identity, "panic", v)
			c.fail(&signaling.ProtocolError{Code: signaling.CodeInternal, Message: "internal error"}, websocket.CloseInternalServerErr, "internal error")
		}
		c.shutdown()
	}()

	if err := s.reg.Register(identity, c); err != nil {
		s.rejectIdentity(c, identity, err)
		return
	}

	s.metrics.Inc(metrics.WSConnected)
	s.log.Info("ws_connected", "conn", c.id, "identity", identity, "remote", r.RemoteAddr)

	_ = c.Send(signaling.EncodeEvent(signaling.Event{Type: signaling.KindConnected, ID: identity}))
	s.broadcast(c, signaling.EncodeEvent(signaling.Event{Type: signaling.KindUserJoined, ID: identity}))

	go c.pingLoop(s.pingInterval)
	s.readLoop(c)
}

func (s *Server) rejectIdentity(c *conn, identity string, err error) {
	if errors.Is(err, registry.ErrConflict) {
		s.metrics.Inc(metrics.RegisterConflict)
		c.fail(&signaling.ProtocolError{
			Code:     signaling.CodeConflict,
			Message:  fmt.Sprintf("identity %q is already connected", identity),
			Identity: identity,
		}, websocket.ClosePolicyViolation, "identity in use")
		return
	}
	c.fail(&signaling.ProtocolError{Code: signaling.CodeInvalidRequest, Message: err.Error()}, websocket.ClosePolicyViolation, "invalid identity")
}

func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(s.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	var limiter *rate.Limiter
	if s.perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.perSecond), s.perSecond)
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))

		// Limit after reading so the close frame is not lost to a TCP reset
		// over unread bytes.
		if limiter != nil && !limiter.Allow() {
			s.metrics.Inc(metrics.WSRateLimited)
			c.fail(&signaling.ProtocolError{Code: signaling.CodeRateLimited, Message: "rate limit exceeded"}, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(&signaling.ProtocolError{Code: signaling.CodeBadMessage, Message: "expected text message"}, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		// Relayed bytes go out as text frames; a peer must fail on invalid UTF-8.
		if !utf8.Valid(data) {
			c.fail(&signaling.ProtocolError{Code: signaling.CodeBadMessage, Message: "text message is not valid UTF-8"}, websocket.CloseInvalidFramePayloadData, "invalid utf-8")
			return
		}

		msg, err := signaling.Parse(data)
		if err != nil {
			s.replyError(c, err)
			continue
		}
		if !s.dispatch(c, msg) {
			c.closeWith(websocket.CloseNormalClosure, "bye")
			return
		}
	}
}

// dispatch handles one parsed message. It returns false when the client asked
// to disconnect.
func (s *Server) dispatch(c *conn, msg signaling.Message) bool {
	switch msg.Kind {
	case signaling.KindDisconnect:
		return false
	case signaling.KindRegisterEmail:
		s.registerEmail(c, msg.Email)
	case signaling.KindGetUsers:
		_ = c.Send(signaling.EncodeUserList(s.peersOf(c)))
	case signaling.KindVideoFrame:
		if s.frames == nil {
			signaling.Reply(c, &signaling.ProtocolError{Code: signaling.CodeInvalidRequest, Message: "frame processing is disabled"})
			return true
		}
		s.frames.Submit(c.ctx, c.identity, msg.Target, msg.Frame)
	default:
		s.router.Route(c, c.identity, msg)
	}
	return true
}

func (s *Server) registerEmail(c *conn, email string) {
	fail := func(reason string) {
		_ = c.Send(signaling.EncodeEvent(signaling.Event{Type: signaling.KindRegistrationFailed, Email: email, Message: reason}))
	}
	if !signaling.ValidEmail(email) {
		fail("invalid email address")
		return
	}
	if err := s.reg.Register(email, c); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			s.metrics.Inc(metrics.RegisterConflict)
		}
		fail("email already registered")
		return
	}
	_ = c.Send(signaling.EncodeEvent(signaling.Event{Type: signaling.KindRegistrationSuccess, Email: email, Message: "registered"}))
	s.broadcast(c, signaling.EncodeEvent(signaling.Event{Type: signaling.KindUserJoined, ID: email}))
}

// peersOf lists registered identities not bound to c.
func (s *Server) peersOf(c *conn) []string {
	var out []string
	for _, id := range s.reg.Identities() {
		if ch, ok := s.reg.Lookup(id); ok && ch.ID() == c.ID() {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (s *Server) broadcast(from *conn, msg []byte) {
	for _, ch := range s.reg.Channels() {
		if ch.ID() == from.ID() || ch.Closed() {
			continue
		}
		_ = ch.Send(msg)
	}
}

func (s *Server) replyError(c *conn, err error) {
	var pe *signaling.ProtocolError
	if !errors.As(err, &pe) {
		pe = &signaling.ProtocolError{Code: signaling.CodeInvalidRequest, Message: err.Error()}
	}
	s.metrics.Inc(metrics.SignalRejected)
	signaling.Reply(c, pe)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
