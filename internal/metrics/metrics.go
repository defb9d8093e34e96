package metrics

import "sync"

// Event names. Each is exported as a label value on a single counter family.
const (
	SignalWSConnections      = "signal_ws_connections"
	SignalWSRejectedCapacity = "signal_ws_rejected_capacity"

	UsersRegistered    = "users_registered"
	UsersReregistered  = "users_reregistered"
	PresenceBroadcasts = "presence_broadcasts"

	CallsRelayed       = "calls_relayed"
	CallAcceptsRelayed = "call_accepts_relayed"
	RTCDataRelayed     = "rtc_data_relayed"

	RelayTargetUnreachable = "relay_target_unreachable"
	RelayUnknownTarget     = "relay_unknown_target"

	DeliveryDroppedQueueFull = "delivery_dropped_queue_full"
	RateLimited              = "rate_limited"
	BadMessage               = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The zero value is ready to use. A nil *Metrics discards all updates, which
// keeps call sites free of nil checks in tests that don't care about counters.
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

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
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
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
