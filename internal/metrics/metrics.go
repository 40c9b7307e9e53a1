package metrics

import "sync"

// Counter names. Kept as plain strings so call sites stay grep-able; a
// follow-up can map these onto a real metrics backend.
const (
	AuthFailure      = "auth_failure"
	GuardDisconnect  = "guard_disconnect"
	RelayTimeout     = "relay_timeout"
	StreamsCreated   = "streams_created"
	StreamsReclaimed = "streams_reclaimed"
	StreamsRemoved   = "streams_removed"
	ClientsJoined    = "clients_joined"
	ClientsEvicted   = "clients_evicted"
	NoncesIssued     = "nonces_issued"
	NoncesRejected   = "nonces_rejected"
	StunProbeFailed  = "stun_probe_failed"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
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

// Snapshot returns a copy of all counters, for the debug endpoint.
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
