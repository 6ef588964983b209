// Package peertest provides an in-memory peer.Transport for tests.
package peertest

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saghul/CallRoulette/internal/peer"
)

type frame struct {
	typ  int
	data []byte
	err  error
}

// Transport is a scripted peer.Transport. Frames queued with SendText and
// friends are returned from ReadMessage; messages written by the Conn are
// available from Sent.
type Transport struct {
	in   chan frame
	sent chan string

	mu         sync.Mutex
	closeCodes []int

	closeOnce sync.Once
	closed    chan struct{}
}

func NewTransport() *Transport {
	return &Transport{
		in:     make(chan frame, 64),
		sent:   make(chan string, 64),
		closed: make(chan struct{}),
	}
}

// NewConn returns a peer.Conn backed by a fresh Transport. Logs are discarded.
func NewConn() (*peer.Conn, *Transport) {
	tr := NewTransport()
	c := peer.New(tr, peer.Options{Logger: DiscardLogger()})
	return c, tr
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (t *Transport) ReadMessage() (int, []byte, error) {
	select {
	case f := <-t.in:
		if f.err != nil {
			return 0, nil, f.err
		}
		return f.typ, f.data, nil
	case <-t.closed:
		return 0, nil, net.ErrClosed
	}
}

func (t *Transport) WriteMessage(messageType int, data []byte) error {
	if t.IsClosed() {
		return net.ErrClosed
	}
	select {
	case t.sent <- string(data):
		return nil
	case <-t.closed:
		return net.ErrClosed
	}
}

func (t *Transport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if t.IsClosed() {
		return websocket.ErrCloseSent
	}
	if messageType == websocket.CloseMessage {
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(binary.BigEndian.Uint16(data))
		}
		t.mu.Lock()
		t.closeCodes = append(t.closeCodes, code)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) SetWriteDeadline(time.Time) error { return nil }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// SendText queues an inbound text message.
func (t *Transport) SendText(msg string) {
	t.in <- frame{typ: websocket.TextMessage, data: []byte(msg)}
}

// SendBinary queues an inbound binary message.
func (t *Transport) SendBinary(data []byte) {
	t.in <- frame{typ: websocket.BinaryMessage, data: data}
}

// SendClose simulates the remote end sending a close frame.
func (t *Transport) SendClose(code int) {
	t.in <- frame{err: &websocket.CloseError{Code: code}}
}

// Fail makes the next ReadMessage return err.
func (t *Transport) Fail(err error) {
	t.in <- frame{err: err}
}

// Sent returns the channel of messages written by the Conn.
func (t *Transport) Sent() <-chan string {
	return t.sent
}

func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// CloseCodes returns the codes of every close frame written so far.
func (t *Transport) CloseCodes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.closeCodes...)
}

// Expect waits for the next written message.
func (t *Transport) Expect(tb testing.TB, timeout time.Duration) string {
	tb.Helper()
	select {
	case msg := <-t.sent:
		return msg
	case <-time.After(timeout):
		tb.Fatalf("timeout waiting for outbound message")
		return ""
	}
}

// ExpectNothing fails if a message is written within d.
func (t *Transport) ExpectNothing(tb testing.TB, d time.Duration) {
	tb.Helper()
	select {
	case msg := <-t.sent:
		tb.Fatalf("unexpected outbound message %q", msg)
	case <-time.After(d):
	}
}

// WaitClosed waits for the transport to be closed.
func (t *Transport) WaitClosed(tb testing.TB, timeout time.Duration) {
	tb.Helper()
	select {
	case <-t.closed:
	case <-time.After(timeout):
		tb.Fatalf("timeout waiting for transport close")
	}
}
