// Package signal carries connectivity and recovery notifications between
// components. Delivery is synchronous in subscription order.
package signal

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names a notification.
type Kind string

const (
	ConnectivityRestored Kind = "connectivity_restored"
	ConnectivityDegraded Kind = "connectivity_degraded"
	Disconnected         Kind = "disconnected"
	RetriesExhausted     Kind = "retries_exhausted"
	ManualRetryRequested Kind = "manual_retry_requested"
)

// Sources identify who raised a signal.
const (
	SourceDispatcher  = "dispatcher"
	SourceResilience  = "resilience"
	SourceManualRetry = "manual-retry"
	SourceRemote      = "remote"
)

// Signal is one notification.
type Signal struct {
	Kind         Kind      `json:"kind"`
	ConnectionID uint32    `json:"connection_id,omitempty"`
	Source       string    `json:"source,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	At           time.Time `json:"at"`
}

// Handler receives signals. Handlers must not block for long.
type Handler func(Signal)

// Bus is a publish/subscribe channel for signals.
type Bus interface {
	Publish(s Signal)
	Subscribe(kind Kind, h Handler) (unsubscribe func())
}

// Connectivity reports the last connectivity signal seen.
type Connectivity interface {
	Degraded() bool
}

type subscription struct {
	id uint64
	h  Handler
}

// MemoryBus is an in-process Bus. It also tracks connectivity.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[Kind][]subscription
	nextID   uint64
	degraded bool
	log      *slog.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[Kind][]subscription),
		log:  slog.Default().With("component", "signal"),
	}
}

// Publish delivers s to every subscriber of its kind.
func (b *MemoryBus) Publish(s Signal) {
	if s.At.IsZero() {
		s.At = time.Now()
	}

	b.mu.Lock()
	switch s.Kind {
	case ConnectivityRestored:
		b.degraded = false
	case ConnectivityDegraded, Disconnected, RetriesExhausted:
		b.degraded = true
	}
	subs := append([]subscription(nil), b.subs[s.Kind]...)
	b.mu.Unlock()

	b.log.Debug("Publishing signal", "kind", s.Kind, "connection", s.ConnectionID, "source", s.Source)

	for _, sub := range subs {
		sub.h(s)
	}
}

// Subscribe registers h for kind.
func (b *MemoryBus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[kind]
			for i, s := range subs {
				if s.id == id {
					b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Degraded reports whether the most recent connectivity signal was negative.
func (b *MemoryBus) Degraded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.degraded
}

// Subscribers returns the number of handlers registered for kind.
func (b *MemoryBus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
