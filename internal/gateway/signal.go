package gateway

import "sync"

// Signal is the connectivity broadcast delivered to every interested
// listener. Value is true while the client is offline.
type Signal struct {
	Type    string `json:"type"` // always "OFFLINE"
	Value   bool   `json:"value"`
	Message string `json:"message"`
}

const signalType = "OFFLINE"

// Bus is the single source of truth for connectivity. Every fulfillment
// reports its outcome here; listeners only hear about transitions.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan Signal]struct{}
	known   bool
	offline bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Signal]struct{})}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away.
func (b *Bus) Subscribe() (<-chan Signal, func()) {
	ch := make(chan Signal, 8)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Offline reports the last known connectivity state.
func (b *Bus) Offline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offline
}

// report records the outcome of a network attempt and broadcasts when the
// connectivity state flips.
func (b *Bus) report(offline bool, message string) {
	b.mu.Lock()
	if b.known && b.offline == offline {
		b.mu.Unlock()
		return
	}
	b.known = true
	b.offline = offline

	signal := Signal{Type: signalType, Value: offline, Message: message}
	for ch := range b.subs {
		select {
		case ch <- signal:
		default:
			// Listener is not draining; it will catch the next transition.
		}
	}
	b.mu.Unlock()
}
