package plotter

import (
	"sync"
	"time"

	"github.com/6ilo/plotter/internal/protocol"
)

// subBuffer is the per-observer event buffer. A subscriber that falls
// this far behind loses its own events; nobody else's delivery is
// affected.
const subBuffer = 256

// LogKind classifies a host log entry.
type LogKind string

const (
	LogSent     LogKind = "sent"
	LogReceived LogKind = "received"
	LogError    LogKind = "error"
	LogInfo     LogKind = "info"
	LogWarning  LogKind = "warning"
)

// LogEntry is one host-side log line.
type LogEntry struct {
	Kind      LogKind   `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnStatus describes the host's view of the physical link.
type ConnStatus struct {
	Connected bool   `json:"connected"`
	Path      string `json:"path,omitempty"`
	BaudRate  int    `json:"baudRate,omitempty"`
}

// Update is one push-channel frame. Optional sections are nil when not
// part of the update.
type Update struct {
	Status   *ConnStatus           `json:"status,omitempty"`
	State    *protocol.DeviceState `json:"state,omitempty"`
	Position *protocol.Position    `json:"position,omitempty"`
	Ports    []PortDescriptor      `json:"ports,omitempty"`
	Log      *LogEntry             `json:"log,omitempty"`
	Stamp    int64                 `json:"stamp"` // Unix ms
}

// Subscription is one observer's handle on the bus. Receive from C;
// Close when done.
type Subscription struct {
	C   chan Update
	bus *Bus
}

// Close deregisters the subscription. Safe to call concurrently with
// delivery and more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans every published update out to all currently registered
// observers. Delivery to a given observer is FIFO in emission order;
// registration and deregistration are safe during delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new observer.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{C: make(chan Update, subBuffer), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.C)
	}
}

// Publish delivers u to every registered observer.
func (b *Bus) Publish(u Update) {
	if u.Stamp == 0 {
		u.Stamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.C <- u:
		default:
			// Observer too slow; it loses this update, others don't.
		}
	}
}

// Count returns the number of registered observers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
