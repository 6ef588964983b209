package signaling

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saghul/CallRoulette/internal/metrics"
	"github.com/saghul/CallRoulette/internal/origin"
	"github.com/saghul/CallRoulette/internal/peer"
	"github.com/saghul/CallRoulette/internal/ratelimit"
)

// Subprotocol is the WebSocket subprotocol offered to clients.
const Subprotocol = "callroulette"

const wsWriteWait = time.Second

// Joiner hands a connected client to the rendezvous and blocks until the
// client's connection is closed. *matchmaker.Matchmaker implements it.
type Joiner interface {
	Join(ctx context.Context, conn *peer.Conn) error
}

type WebSocketConfig struct {
	Joiner  Joiner
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxMessageBytes caps a single inbound message. <= 0 disables the limit.
	MaxMessageBytes int64
	// IdleTimeout closes connections that send nothing (not even a pong) for
	// this long. PingInterval must be shorter. Zero disables both.
	IdleTimeout  time.Duration
	PingInterval time.Duration
	// MessagesPerSecond caps inbound messages per connection. <= 0 disables it.
	MessagesPerSecond int
	// JoinsPerMinutePerIP caps new connections per client IP. <= 0 disables it.
	JoinsPerMinutePerIP int
	AllowedOrigins      []string
}

// WebSocketServer accepts signaling clients on GET /ws.
type WebSocketServer struct {
	cfg      WebSocketConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
	joins    *ratelimit.KeyedLimiter
}

func NewWebSocketServer(cfg WebSocketConfig) *WebSocketServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := origin.Policy{AllowedOrigins: cfg.AllowedOrigins}
	return &WebSocketServer{
		cfg: cfg,
		log: logger,
		joins: ratelimit.New(ratelimit.Config{
			PerMinute: cfg.JoinsPerMinutePerIP,
			OnEvict:   func() { cfg.Metrics.Inc(metrics.JoinLimiterEvicted) },
		}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				_, ok := policy.Check(r)
				return ok
			},
		},
	}
}

func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.joins.Allow(remoteIP(r)) {
		s.cfg.Metrics.Inc(metrics.PeerJoinRateLimited)
		s.log.Info("join rate limit exceeded", "remote_addr", r.RemoteAddr)
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		s.cfg.Metrics.Inc(metrics.PeerUpgradeFailed)
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	t := &wsTransport{Conn: ws, idle: s.cfg.IdleTimeout}
	t.extendDeadline()
	ws.SetPongHandler(func(string) error {
		t.extendDeadline()
		return nil
	})

	conn := peer.New(t, peer.Options{
		Logger:            s.log.With("remote_addr", r.RemoteAddr),
		Metrics:           s.cfg.Metrics,
		MessagesPerSecond: s.cfg.MessagesPerSecond,
	})
	s.cfg.Metrics.Inc(metrics.PeerConnected)
	s.log.Info("peer connected", "conn_id", conn.ID(), "remote_addr", r.RemoteAddr, "request_id", r.Header.Get("X-Request-ID"))

	if s.cfg.PingInterval > 0 {
		go s.keepalive(conn, ws)
	}

	if err := s.cfg.Joiner.Join(r.Context(), conn); err != nil {
		s.log.Debug("join ended", "conn_id", conn.ID(), "err", err)
	}
	conn.Close()
}

// keepalive pings the client until conn is closed.
func (s *WebSocketServer) keepalive(conn *peer.Conn, ws *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Closed():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.log.Debug("ping failed", "conn_id", conn.ID(), "err", err)
				conn.Close()
				return
			}
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsTransport resets the idle read deadline on every inbound message.
type wsTransport struct {
	*websocket.Conn
	idle time.Duration
}

func (t *wsTransport) ReadMessage() (int, []byte, error) {
	typ, data, err := t.Conn.ReadMessage()
	if err == nil {
		t.extendDeadline()
	}
	return typ, data, err
}

func (t *wsTransport) extendDeadline() {
	if t.idle > 0 {
		_ = t.Conn.SetReadDeadline(time.Now().Add(t.idle))
	}
}

// NewSessionFunc returns a function that runs a Session for each pair, for use
// as matchmaker.Config.Session.
func NewSessionFunc(cfg SessionConfig) func(ctx context.Context, a, b *peer.Conn) {
	return func(ctx context.Context, a, b *peer.Conn) {
		_ = NewSession(a, b, cfg).Run(ctx)
	}
}
