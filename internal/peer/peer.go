// Package peer wraps a single client's duplex message channel.
//
// A Conn owns the receive side of its Transport through a dedicated read pump
// goroutine. Reads take messages from the pump rather than from the transport,
// so a read that is abandoned (context cancelled, or the loser of a race) never
// leaves the transport mid-frame and the next read simply receives the next
// message.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/saghul/CallRoulette/internal/metrics"
)

const writeWait = 5 * time.Second

var (
	// ErrClosed is returned by Read once the connection is closed.
	ErrClosed = errors.New("peer: connection closed")
	// ErrReadTimeout is returned by Read when no message arrived within the
	// timeout. The connection is closed before it is returned.
	ErrReadTimeout = errors.New("peer: read timeout")
)

// Transport is the subset of *websocket.Conn that Conn needs.
//
// Only the read pump calls ReadMessage. WriteControl and Close may be called
// concurrently with every other method.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Options struct {
	// ID identifies the connection in logs. A random UUID is used when empty.
	ID      string
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MessagesPerSecond caps inbound messages. Values <= 0 disable the limit.
	MessagesPerSecond int
}

// Conn is one connected client.
type Conn struct {
	id      string
	t       Transport
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	inbox chan string

	stashMu sync.Mutex
	stash   []string

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps t and starts its read pump.
func New(t Transport, opts Options) *Conn {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		id:      id,
		t:       t,
		log:     logger.With("conn_id", id),
		metrics: opts.Metrics,
		inbox:   make(chan string),
		closed:  make(chan struct{}),
	}
	if opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.MessagesPerSecond)
	}

	go c.readPump()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) String() string { return c.id }

func (c *Conn) readPump() {
	for {
		msgType, data, err := c.t.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		// Apply the rate limit after reading so the frame is fully consumed and
		// the client reliably observes the close code.
		if c.limiter != nil && !c.limiter.Allow() {
			c.metrics.Inc(metrics.PeerRateLimited)
			c.log.Warn("peer exceeded message rate limit")
			c.CloseWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Info("unexpected message type, closing connection", "message_type", msgType)
			c.CloseWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		select {
		case c.inbox <- string(data):
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) handleReadError(err error) {
	switch {
	case c.IsClosed():
		// Closed locally; the read error is a consequence.
		return
	case errors.Is(err, websocket.ErrReadLimit):
		c.metrics.Inc(metrics.PeerMessageTooLarge)
		c.log.Warn("peer message too large")
		c.CloseWith(websocket.CloseMessageTooBig, "message too large")
		return
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("peer disconnected", "err", err)
	default:
		c.log.Info("peer read failed", "err", err)
	}
	c.Close()
}

// Read waits for the next inbound text message.
//
// A timeout <= 0 waits indefinitely. When the timeout elapses the connection
// is closed and ErrReadTimeout is returned. When ctx is done, ctx.Err() is
// returned and the connection is left as it was.
func (c *Conn) Read(ctx context.Context, timeout time.Duration) (string, error) {
	if msg, ok := c.popStash(); ok {
		return msg, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
		return "", ErrClosed
	case <-expired:
		c.metrics.Inc(metrics.PeerReadTimeout)
		c.log.Warn("timeout reading from peer", "timeout", timeout)
		c.Close()
		return "", ErrReadTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Unread pushes msg back so that the next Read returns it first.
func (c *Conn) Unread(msg string) {
	c.stashMu.Lock()
	c.stash = append([]string{msg}, c.stash...)
	c.stashMu.Unlock()
}

func (c *Conn) popStash() (string, bool) {
	c.stashMu.Lock()
	defer c.stashMu.Unlock()
	if len(c.stash) == 0 {
		return "", false
	}
	msg := c.stash[0]
	c.stash = c.stash[1:]
	return msg, true
}

// ReadFirst reads from all conns concurrently and returns the first result.
//
// The other reads are cancelled. If one of them had already received a
// message, it is pushed back onto its conn so that nothing is lost.
func ReadFirst(ctx context.Context, conns ...*Conn) (*Conn, string, error) {
	if len(conns) == 0 {
		return nil, "", errors.New("peer: ReadFirst needs at least one conn")
	}

	type result struct {
		conn *Conn
		msg  string
		err  error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(conns))
	for _, c := range conns {
		go func(c *Conn) {
			msg, err := c.Read(ctx, 0)
			results <- result{conn: c, msg: msg, err: err}
		}(c)
	}

	first := <-results
	cancel()
	for i := 1; i < len(conns); i++ {
		r := <-results
		if r.err == nil {
			r.conn.Unread(r.msg)
		}
	}
	return first.conn, first.msg, first.err
}

// Write sends a text message. Errors are logged and otherwise ignored; a
// broken connection surfaces through the next Read.
func (c *Conn) Write(text string) {
	if c.IsClosed() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.t.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.t.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.log.Debug("write to peer failed", "err", err)
	}
}

// Close closes the connection with a normal closure code.
func (c *Conn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame with the given code and reason, then closes
// the transport. Only the first call has any effect.
func (c *Conn) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.t.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.t.Close()
		close(c.closed)
		c.log.Debug("peer closed", "code", code, "reason", reason)
	})
}

// Closed returns a channel that is closed once the connection is closed.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WaitClosed blocks until the connection is closed or ctx is done. It does not
// close anything itself.
func (c *Conn) WaitClosed(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
