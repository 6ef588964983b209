// Package matchmaker pairs clients two at a time, in arrival order.
//
// At most one client waits at any instant. The next client to Join is handed
// to the waiter and the waiter's goroutine starts the session for the pair.
package matchmaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/saghul/CallRoulette/internal/metrics"
	"github.com/saghul/CallRoulette/internal/peer"
)

// ErrClosed is returned by Join after Close.
var ErrClosed = errors.New("matchmaker: closed")

// SessionFunc runs the exchange between a freshly formed pair. It is called on
// its own goroutine; a is the client that waited, b the one that arrived.
// ctx is cancelled when the Matchmaker is closed.
type SessionFunc func(ctx context.Context, a, b *peer.Conn)

type Config struct {
	Session SessionFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Matchmaker struct {
	session SessionFunc
	log     *slog.Logger
	metrics *metrics.Metrics

	// ctx scopes every session started by this Matchmaker.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	waiter *waiter
	closed bool
}

type waiter struct {
	conn *peer.Conn
	// partner receives the second client of the pair. It is buffered so the
	// arriving client never blocks on the hand-off.
	partner chan *peer.Conn
}

func New(cfg Config) *Matchmaker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Matchmaker{
		session: cfg.Session,
		log:     logger,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Join enters conn into the rendezvous and returns once conn is closed (or ctx
// is done).
func (m *Matchmaker) Join(ctx context.Context, conn *peer.Conn) error {
	w, err := m.enter(conn)
	if err != nil {
		conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return err
	}
	if w != nil {
		m.metrics.Inc(metrics.WaiterQueued)
		m.log.Debug("peer waiting for partner", "conn_id", conn.ID())
		m.await(ctx, w)
	}

	return conn.WaitClosed(ctx)
}

// enter hands conn to the current waiter, or makes it the waiter when the slot
// is empty. The new waiter is returned in the latter case.
func (m *Matchmaker) enter(conn *peer.Conn) (*waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	w := m.waiter
	if w != nil && w.conn.IsClosed() {
		// The waiter left but its goroutine has not cleared the slot yet.
		m.waiter = nil
		w = nil
	}

	if w != nil {
		m.waiter = nil
		w.partner <- conn
		return nil, nil
	}
	w = &waiter{conn: conn, partner: make(chan *peer.Conn, 1)}
	m.waiter = w
	return w, nil
}

// requeue puts b back into the rendezvous after the waiter it was handed to
// turned out to be gone. b's own Join is already past the hand-off, so any
// wait happens on a goroutine scoped to the Matchmaker.
func (m *Matchmaker) requeue(b *peer.Conn) {
	w, err := m.enter(b)
	if err != nil {
		b.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	if w == nil {
		return
	}
	m.metrics.Inc(metrics.WaiterQueued)
	m.log.Debug("peer requeued after partner left", "conn_id", b.ID())
	go m.await(m.ctx, w)
}

// await races a read on the waiting conn against the arrival of a partner.
func (m *Matchmaker) await(ctx context.Context, w *waiter) {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	type readResult struct {
		msg string
		err error
	}
	readDone := make(chan readResult, 1)
	go func() {
		msg, err := w.conn.Read(readCtx, 0)
		readDone <- readResult{msg: msg, err: err}
	}()

	select {
	case other := <-w.partner:
		cancelRead()
		r := <-readDone
		if r.err == nil {
			// A message raced in with the partner; it is the session's first
			// input.
			w.conn.Unread(r.msg)
		}
		if w.conn.IsClosed() {
			m.abandonForPartner(w, other)
			return
		}
		m.startSession(w.conn, other)

	case r := <-readDone:
		m.mu.Lock()
		if m.waiter == w {
			m.waiter = nil
		}
		m.mu.Unlock()

		select {
		case other := <-w.partner:
			if r.err == nil {
				w.conn.Unread(r.msg)
			}
			if w.conn.IsClosed() {
				m.abandonForPartner(w, other)
				return
			}
			m.startSession(w.conn, other)
			return
		default:
		}

		m.metrics.Inc(metrics.WaiterAbandoned)
		switch {
		case r.err == nil:
			m.log.Info("waiting peer sent data before being paired, dropping it", "conn_id", w.conn.ID())
			w.conn.CloseWith(websocket.ClosePolicyViolation, "unexpected message")
		case errors.Is(r.err, context.Canceled), errors.Is(r.err, context.DeadlineExceeded):
			m.log.Debug("stopped waiting for partner", "conn_id", w.conn.ID(), "err", r.err)
			w.conn.Close()
		default:
			m.log.Info("waiting peer left", "conn_id", w.conn.ID(), "err", r.err)
		}
	}
}

// abandonForPartner drops a waiter that closed just as other was handed to it
// and gives other another chance to pair.
func (m *Matchmaker) abandonForPartner(w *waiter, other *peer.Conn) {
	m.metrics.Inc(metrics.WaiterAbandoned)
	m.log.Info("waiting peer left before pairing, requeueing partner", "conn_id", w.conn.ID(), "partner_id", other.ID())
	m.requeue(other)
}

func (m *Matchmaker) startSession(a, b *peer.Conn) {
	m.metrics.Inc(metrics.PairFormed)
	m.log.Info("pair formed", "peer_a", a.ID(), "peer_b", b.ID())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		a.CloseWith(websocket.CloseGoingAway, "server shutting down")
		b.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.session(m.ctx, a, b)
	}()
}

// Waiting returns the conn currently waiting for a partner, if any.
func (m *Matchmaker) Waiting() *peer.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiter == nil {
		return nil
	}
	return m.waiter.conn
}

// Close stops pairing, closes the waiting conn, cancels running sessions and
// waits for them to return.
func (m *Matchmaker) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	w := m.waiter
	m.waiter = nil
	m.mu.Unlock()

	if w != nil {
		w.conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
	m.cancel()
	m.wg.Wait()
}
