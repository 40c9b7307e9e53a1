package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenstream/relay/internal/auth"
	"github.com/screenstream/relay/internal/config"
	"github.com/screenstream/relay/internal/metrics"
	"github.com/screenstream/relay/internal/ratelimit"
)

const helloTimeout = 10 * time.Second

// Authenticator verifies the hello credentials of a new connection.
type Authenticator interface {
	Authenticate(ctx context.Context, hello auth.Hello) (auth.Identity, error)
}

// Server accepts signaling websockets, runs the hello handshake, and
// pumps guarded events into the broker. One goroutine per connection;
// handlers run inline on the read loop so per-connection ordering is
// arrival order.
type Server struct {
	cfg     config.Config
	auth    Authenticator
	broker  *Broker
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   ratelimit.Clock

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

func NewServer(cfg config.Config, authenticator Authenticator, broker *Broker, m *metrics.Metrics, logger *slog.Logger, clock ratelimit.Clock) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	s := &Server{
		cfg:     cfg,
		auth:    authenticator,
		broker:  broker,
		metrics: m,
		log:     logger,
		clock:   clock,
		conns:   make(map[*Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		// Non-browser peers (the host app) send no Origin.
		return true
	}
	if s.cfg.Mode == config.ModeDev {
		return true
	}
	u, err := url.Parse(originHeader)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), s.cfg.ServerOrigin)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	c := newConn(ws)
	if !s.track(c) {
		c.Close()
		return
	}
	defer func() {
		s.untrack(c)
		s.broker.disconnect(c)
	}()

	if !s.handshake(r.Context(), c, ws) {
		return
	}

	s.log.Info("socket connected", "role", c.Role().String(), "remote_addr", r.RemoteAddr)
	defer s.log.Info("socket disconnected", "role", c.Role().String(), "remote_addr", r.RemoteAddr)

	s.readLoop(c, ws)
}

// handshake reads and verifies the HELLO that must open every
// connection. On failure the socket is told why and closed; no event
// processing ever starts.
func (s *Server) handshake(ctx context.Context, c *Conn, ws *websocket.Conn) bool {
	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	msgType, msg, err := ws.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		c.Close()
		return false
	}

	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Event != EventHello {
		failGuard(c, guardUnverifiedSocket)
		return false
	}
	var hello HelloData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &hello); err != nil {
			failGuard(c, guardUnverifiedSocket)
			return false
		}
	}

	identity, err := s.auth.Authenticate(ctx, auth.Hello{
		ClientToken: hello.ClientToken,
		HostToken:   hello.HostToken,
		Device:      hello.Device,
	})
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		s.log.Warn("hello rejected", "error", err)
		_ = c.Send(EventSocketError, SocketErrorData{Status: auth.FailureStatus(err)})
		c.Close()
		return false
	}

	c.setIdentity(identity)
	if err := c.Ack(env.ID, AckData{Status: StatusOK}); err != nil {
		c.Close()
		return false
	}
	_ = ws.SetReadDeadline(time.Time{})
	return true
}

func (s *Server) readLoop(c *Conn, ws *websocket.Conn) {
	limiter := ratelimit.NewTokenBucket(s.clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))
	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.GuardDisconnect)
			failGuard(c, guardRateLimited)
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.metrics.Inc(metrics.GuardDisconnect)
			failGuard(c, guardInvalidSocketState)
			return
		}

		switch env.Event {
		case EventAck:
			c.resolve(env.ID, env.Data)
		case EventHello:
			// A second hello means a confused or hostile peer.
			s.metrics.Inc(metrics.GuardDisconnect)
			failGuard(c, guardInvalidSocketState)
			return
		default:
			if cause, ok := checkEvent(c, env.Event, s.cfg.ErrorBudgetLimit); !ok {
				s.metrics.Inc(metrics.GuardDisconnect)
				s.log.Warn("socket check failed", "cause", cause, "event", env.Event, "role", c.Role().String())
				failGuard(c, cause)
				return
			}
			s.broker.handle(c, env)
		}
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// ConnCount reports the number of live signaling connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting connections and closes every live socket.
// Read loops then unwind through the usual disconnect teardown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
