package matchmaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saghul/CallRoulette/internal/matchmaker"
	"github.com/saghul/CallRoulette/internal/metrics"
	"github.com/saghul/CallRoulette/internal/peer"
	"github.com/saghul/CallRoulette/internal/peer/peertest"
)

type pair struct {
	a, b *peer.Conn
}

// recorder is a SessionFunc that reports every pair and blocks until ctx is
// cancelled, then closes both conns.
type recorder struct {
	pairs chan pair
}

func newRecorder() *recorder {
	return &recorder{pairs: make(chan pair, 32)}
}

func (r *recorder) session(ctx context.Context, a, b *peer.Conn) {
	r.pairs <- pair{a: a, b: b}
	select {
	case <-ctx.Done():
	case <-a.Closed():
	case <-b.Closed():
	}
	a.Close()
	b.Close()
}

func (r *recorder) next(t *testing.T) pair {
	t.Helper()
	select {
	case p := <-r.pairs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pair")
		return pair{}
	}
}

func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-r.pairs:
		t.Fatalf("unexpected pair %s/%s", p.a.ID(), p.b.ID())
	case <-time.After(d):
	}
}

func newMatchmaker(t *testing.T, r *recorder, m *metrics.Metrics) *matchmaker.Matchmaker {
	t.Helper()
	mm := matchmaker.New(matchmaker.Config{
		Session: r.session,
		Logger:  peertest.DiscardLogger(),
		Metrics: m,
	})
	t.Cleanup(mm.Close)
	return mm
}

// join starts Join on a goroutine and returns a channel reporting its result.
func join(mm *matchmaker.Matchmaker, c *peer.Conn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- mm.Join(context.Background(), c) }()
	return done
}

func waitForWaiter(t *testing.T, mm *matchmaker.Matchmaker, c *peer.Conn) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for mm.Waiting() != c {
		if time.Now().After(deadline) {
			t.Fatalf("conn %s never became the waiter", c.ID())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitJoin(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Join did not return")
		return nil
	}
}

func TestMatchmaker_PairsInArrivalOrder(t *testing.T) {
	r := newRecorder()
	m := metrics.New()
	mm := newMatchmaker(t, r, m)

	const n = 6
	conns := make([]*peer.Conn, n)
	for i := range conns {
		conns[i], _ = peertest.NewConn()
		join(mm, conns[i])
		if i%2 == 0 {
			waitForWaiter(t, mm, conns[i])
		} else {
			p := r.next(t)
			if p.a != conns[i-1] || p.b != conns[i] {
				t.Fatalf("pair %d = (%s, %s), want (%s, %s)", i/2, p.a.ID(), p.b.ID(), conns[i-1].ID(), conns[i].ID())
			}
		}
	}

	r.expectNone(t, 50*time.Millisecond)
	if mm.Waiting() != nil {
		t.Fatalf("expected empty slot after even number of joins")
	}
	if got := m.Get(metrics.PairFormed); got != n/2 {
		t.Fatalf("%s=%d, want %d", metrics.PairFormed, got, n/2)
	}
}

func TestMatchmaker_JoinReturnsWhenConnCloses(t *testing.T) {
	r := newRecorder()
	mm := newMatchmaker(t, r, nil)

	a, _ := peertest.NewConn()
	b, _ := peertest.NewConn()
	doneA := join(mm, a)
	waitForWaiter(t, mm, a)
	doneB := join(mm, b)
	p := r.next(t)

	select {
	case <-doneA:
		t.Fatalf("Join returned before conn closed")
	case <-doneB:
		t.Fatalf("Join returned before conn closed")
	case <-time.After(20 * time.Millisecond):
	}

	p.a.Close()
	if err := waitJoin(t, doneA); err != nil {
		t.Fatalf("Join(a) = %v", err)
	}
	if err := waitJoin(t, doneB); err != nil {
		t.Fatalf("Join(b) = %v", err)
	}
}

func TestMatchmaker_WaiterDisconnectClearsSlot(t *testing.T) {
	r := newRecorder()
	m := metrics.New()
	mm := newMatchmaker(t, r, m)

	a, ta := peertest.NewConn()
	doneA := join(mm, a)
	waitForWaiter(t, mm, a)

	ta.SendClose(websocket.CloseGoingAway)
	if err := waitJoin(t, doneA); err != nil {
		t.Fatalf("Join(a) = %v", err)
	}
	if mm.Waiting() != nil {
		t.Fatalf("slot not cleared after waiter left")
	}

	// The next arrival waits rather than being paired with the departed client.
	b, _ := peertest.NewConn()
	join(mm, b)
	waitForWaiter(t, mm, b)
	r.expectNone(t, 50*time.Millisecond)

	if got := m.Get(metrics.WaiterAbandoned); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.WaiterAbandoned, got)
	}
}

func TestMatchmaker_DataBeforePairingAbandons(t *testing.T) {
	r := newRecorder()
	mm := newMatchmaker(t, r, nil)

	a, ta := peertest.NewConn()
	doneA := join(mm, a)
	waitForWaiter(t, mm, a)

	ta.SendText(`{"yo":"yo"}`)
	if err := waitJoin(t, doneA); err != nil {
		t.Fatalf("Join(a) = %v", err)
	}
	if !ta.IsClosed() {
		t.Fatalf("expected waiter transport closed")
	}
	if codes := ta.CloseCodes(); len(codes) != 1 || codes[0] != websocket.ClosePolicyViolation {
		t.Fatalf("close codes = %v, want [%d]", codes, websocket.ClosePolicyViolation)
	}
	if mm.Waiting() != nil {
		t.Fatalf("slot not cleared")
	}
	r.expectNone(t, 20*time.Millisecond)
}

func TestMatchmaker_StaleWaiterIsReplaced(t *testing.T) {
	r := newRecorder()
	mm := newMatchmaker(t, r, nil)

	a, _ := peertest.NewConn()
	b, _ := peertest.NewConn()
	c, _ := peertest.NewConn()

	join(mm, a)
	waitForWaiter(t, mm, a)
	a.Close()

	// b may race the waiter's own cleanup; either way it must end up waiting.
	join(mm, b)
	waitForWaiter(t, mm, b)

	join(mm, c)
	p := r.next(t)
	if p.a != b || p.b != c {
		t.Fatalf("pair = (%s, %s), want (%s, %s)", p.a.ID(), p.b.ID(), b.ID(), c.ID())
	}
}

func TestMatchmaker_ConcurrentJoinsFormDisjointPairs(t *testing.T) {
	r := newRecorder()
	mm := newMatchmaker(t, r, nil)

	const n = 40
	conns := make([]*peer.Conn, n)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i], _ = peertest.NewConn()
		wg.Add(1)
		go func(c *peer.Conn) {
			defer wg.Done()
			_ = mm.Join(context.Background(), c)
		}(conns[i])
	}

	seen := make(map[*peer.Conn]bool, n)
	for i := 0; i < n/2; i++ {
		p := r.next(t)
		if p.a == p.b {
			t.Fatalf("conn paired with itself")
		}
		for _, c := range []*peer.Conn{p.a, p.b} {
			if seen[c] {
				t.Fatalf("conn %s paired twice", c.ID())
			}
			seen[c] = true
		}
	}
	if mm.Waiting() != nil {
		t.Fatalf("expected empty slot")
	}

	mm.Close()
	wg.Wait()
}

func TestMatchmaker_MessageRacingHandOffIsPreserved(t *testing.T) {
	pairs := make(chan pair, 1)
	mm := matchmaker.New(matchmaker.Config{
		Logger: peertest.DiscardLogger(),
		Session: func(ctx context.Context, a, b *peer.Conn) {
			pairs <- pair{a: a, b: b}
			<-ctx.Done()
		},
	})
	t.Cleanup(mm.Close)

	a, ta := peertest.NewConn()
	join(mm, a)
	waitForWaiter(t, mm, a)

	b, _ := peertest.NewConn()
	join(mm, b)

	var p pair
	select {
	case p = <-pairs:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pair")
	}

	// Sent right after pairing: the session must be able to read it from a.
	ta.SendText("offer")
	msg, err := p.a.Read(context.Background(), time.Second)
	if err != nil || msg != "offer" {
		t.Fatalf("Read() = %q, %v", msg, err)
	}
}

func TestMatchmaker_CloseClosesWaiterAndSessions(t *testing.T) {
	r := newRecorder()
	mm := matchmaker.New(matchmaker.Config{Session: r.session, Logger: peertest.DiscardLogger()})

	a, _ := peertest.NewConn()
	b, _ := peertest.NewConn()
	w, tw := peertest.NewConn()

	join(mm, a)
	waitForWaiter(t, mm, a)
	join(mm, b)
	r.next(t)
	doneW := join(mm, w)
	waitForWaiter(t, mm, w)

	mm.Close()

	if !a.IsClosed() || !b.IsClosed() {
		t.Fatalf("session conns not closed after Close")
	}
	if err := waitJoin(t, doneW); err != nil {
		t.Fatalf("Join(w) = %v", err)
	}
	if codes := tw.CloseCodes(); len(codes) != 1 || codes[0] != websocket.CloseGoingAway {
		t.Fatalf("waiter close codes = %v, want [%d]", codes, websocket.CloseGoingAway)
	}

	late, tl := peertest.NewConn()
	if err := mm.Join(context.Background(), late); !errors.Is(err, matchmaker.ErrClosed) {
		t.Fatalf("Join after Close = %v, want ErrClosed", err)
	}
	if !tl.IsClosed() {
		t.Fatalf("late conn not closed")
	}
}

func TestMatchmaker_JoinContextCancelled(t *testing.T) {
	r := newRecorder()
	mm := newMatchmaker(t, r, nil)

	a, _ := peertest.NewConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mm.Join(ctx, a) }()
	waitForWaiter(t, mm, a)

	cancel()
	err := waitJoin(t, done)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Join = %v, want nil or context.Canceled", err)
	}
	if !a.IsClosed() {
		t.Fatalf("conn should be closed once it stops waiting")
	}
	if mm.Waiting() != nil {
		t.Fatalf("slot not cleared")
	}
}
