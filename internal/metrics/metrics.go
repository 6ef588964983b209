package metrics

import "sync"

// Event names. Session abort reasons are recorded as "session_aborted_<reason>".
const (
	PeerConnected       = "peer_connected"
	PeerUpgradeFailed   = "peer_upgrade_failed"
	PeerJoinRateLimited = "peer_join_rate_limited"
	JoinLimiterEvicted  = "join_limiter_evicted"
	PeerRateLimited     = "peer_rate_limited"
	PeerMessageTooLarge = "peer_message_too_large"
	PeerReadTimeout     = "peer_read_timeout"

	WaiterQueued    = "waiter_queued"
	WaiterAbandoned = "waiter_abandoned"
	PairFormed      = "pair_formed"

	SessionStarted   = "session_started"
	SessionCompleted = "session_completed"
	SessionAborted   = "session_aborted"

	OfferRelayed     = "offer_relayed"
	AnswerRelayed    = "answer_relayed"
	CandidateRelayed = "candidate_relayed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards all updates, which keeps call sites in
// tests free of nil checks.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
