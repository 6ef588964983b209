package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/saghul/CallRoulette/internal/metrics"
	"github.com/saghul/CallRoulette/internal/peer"
)

// DefaultReadTimeout bounds the wait for the offer and for the answer.
const DefaultReadTimeout = 5 * time.Second

type Phase int32

const (
	PhaseAwaitOffer Phase = iota
	PhaseAwaitAnswer
	PhaseTrickle
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitOffer:
		return "await_offer"
	case PhaseAwaitAnswer:
		return "await_answer"
	case PhaseTrickle:
		return "trickle"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Abort reasons, also used as metric suffixes.
const (
	ReasonOfferTimeout   = "offer_timeout"
	ReasonAnswerTimeout  = "answer_timeout"
	ReasonPeerLeft       = "peer_left"
	ReasonInvalidMessage = "invalid_message"
	ReasonUnexpectedKind = "unexpected_message"
	ReasonShutdown       = "shutdown"
)

// AbortError reports why a session ended before the trickle phase finished
// normally.
type AbortError struct {
	Phase  Phase
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signaling session aborted in %s: %s", e.Phase, e.Reason)
	}
	return fmt.Sprintf("signaling session aborted in %s: %s: %v", e.Phase, e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

type SessionConfig struct {
	// ReadTimeout bounds the offer and answer waits. Defaults to
	// DefaultReadTimeout when <= 0.
	ReadTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Session drives the handshake between two paired clients. A is the client
// that waited and is asked for the offer; B answers.
type Session struct {
	id          string
	a, b        *peer.Conn
	readTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics

	phase atomic.Int32
}

func NewSession(a, b *peer.Conn, cfg SessionConfig) *Session {
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:          id,
		a:           a,
		b:           b,
		readTimeout: timeout,
		log:         logger.With("session_id", id, "peer_a", a.ID(), "peer_b", b.ID()),
		metrics:     cfg.Metrics,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) setPhase(p Phase) {
	s.phase.Store(int32(p))
	s.log.Debug("session phase", "phase", p)
}

// Run executes the session to completion and closes both clients before
// returning. It returns nil when the trickle phase ends because a client
// disconnected, and an *AbortError otherwise.
func (s *Session) Run(ctx context.Context) (err error) {
	s.metrics.Inc(metrics.SessionStarted)
	s.log.Info("signaling session started")

	defer func() {
		s.setPhase(PhaseClosed)
		s.a.Close()
		s.b.Close()

		var abort *AbortError
		if errors.As(err, &abort) {
			s.metrics.Inc(metrics.SessionAborted)
			s.metrics.Inc(metrics.SessionAborted + "_" + abort.Reason)
			s.log.Info("signaling session aborted", "phase", abort.Phase, "reason", abort.Reason, "err", abort.Err)
			return
		}
		s.metrics.Inc(metrics.SessionCompleted)
		s.log.Info("signaling session ended")
	}()

	s.setPhase(PhaseAwaitOffer)
	if err := s.awaitOffer(ctx); err != nil {
		return err
	}
	s.setPhase(PhaseAwaitAnswer)
	if err := s.awaitAnswer(ctx); err != nil {
		return err
	}
	s.setPhase(PhaseTrickle)
	return s.trickle(ctx)
}

func (s *Session) awaitOffer(ctx context.Context) error {
	s.a.Write(EncodeOfferRequest())

	raw, env, err := s.readExpect(ctx, s.a, PhaseAwaitOffer, ReasonOfferTimeout)
	if err != nil {
		return err
	}
	if env.Kind != KindJsep || env.Jsep.Type != webrtc.SDPTypeOffer {
		return s.abort(PhaseAwaitOffer, ReasonUnexpectedKind, fmt.Errorf("expected offer from peer a, got %s", describe(env)))
	}
	s.b.Write(raw)
	s.metrics.Inc(metrics.OfferRelayed)
	s.log.Debug("offer relayed")
	return nil
}

func (s *Session) awaitAnswer(ctx context.Context) error {
	raw, env, err := s.readExpect(ctx, s.b, PhaseAwaitAnswer, ReasonAnswerTimeout)
	if err != nil {
		return err
	}
	if env.Kind != KindJsep || env.Jsep.Type != webrtc.SDPTypeAnswer {
		return s.abort(PhaseAwaitAnswer, ReasonUnexpectedKind, fmt.Errorf("expected answer from peer b, got %s", describe(env)))
	}
	s.a.Write(raw)
	s.metrics.Inc(metrics.AnswerRelayed)
	s.log.Debug("answer relayed")
	return nil
}

func (s *Session) trickle(ctx context.Context) error {
	for {
		from, raw, err := peer.ReadFirst(ctx, s.a, s.b)
		if err != nil {
			if ctx.Err() != nil {
				return s.abort(PhaseTrickle, ReasonShutdown, ctx.Err())
			}
			s.log.Debug("peer left during trickle", "conn_id", from.ID(), "err", err)
			return nil
		}

		env, err := Decode([]byte(raw))
		if err != nil {
			return s.abort(PhaseTrickle, ReasonInvalidMessage, err)
		}
		if env.Kind != KindCandidate {
			return s.abort(PhaseTrickle, ReasonUnexpectedKind, fmt.Errorf("expected candidate, got %s", describe(env)))
		}

		to := s.b
		if from == s.b {
			to = s.a
		}
		to.Write(raw)
		s.metrics.Inc(metrics.CandidateRelayed)
	}
}

// readExpect reads one message from c within the read timeout and decodes it.
func (s *Session) readExpect(ctx context.Context, c *peer.Conn, phase Phase, timeoutReason string) (string, Envelope, error) {
	raw, err := c.Read(ctx, s.readTimeout)
	switch {
	case err == nil:
	case errors.Is(err, peer.ErrReadTimeout):
		return "", Envelope{}, s.abort(phase, timeoutReason, err)
	case ctx.Err() != nil:
		return "", Envelope{}, s.abort(phase, ReasonShutdown, ctx.Err())
	default:
		return "", Envelope{}, s.abort(phase, ReasonPeerLeft, err)
	}

	env, err := Decode([]byte(raw))
	if err != nil {
		return "", Envelope{}, s.abort(phase, ReasonInvalidMessage, err)
	}
	return raw, env, nil
}

func (s *Session) abort(phase Phase, reason string, err error) error {
	return &AbortError{Phase: phase, Reason: reason, Err: err}
}

func describe(env Envelope) string {
	if env.Kind == KindJsep && env.Jsep != nil {
		return env.Jsep.Type.String()
	}
	return env.Kind.String()
}
