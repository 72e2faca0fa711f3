package metrics

import "sync"

// Event counter names used by the router and fanout.
const (
	EventMalformedMessage     = "malformed_message"
	EventUnknownMessageType   = "unknown_message_type"
	EventSlotOutOfRange       = "slot_out_of_range"
	EventRelayDropped         = "relay_dropped"
	EventBroadcastSendFailure = "broadcast_send_failure"
	EventStoreOpFailure       = "store_op_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps routing and fanout logic testable without a metrics backend while
// still being scrapeable via the Prometheus text handler.
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
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
