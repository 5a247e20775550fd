package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/infra/storage"
)

// ActiveSource lists connections that must never be pruned.
type ActiveSource interface {
	Connections() []channel.ConnectionInfo
}

// QueueClearer drops the deferred operations of a pruned connection.
type QueueClearer interface {
	ClearConnectionQueue(ctx context.Context, connectionID uint32) int
}

// Pruner deletes channel snapshots idle for longer than the retention period.
type Pruner struct {
	retention time.Duration
	store     storage.Store
	active    ActiveSource
	queue     QueueClearer
	now       func() time.Time
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. active and queue may be nil.
func NewPruner(retention time.Duration, store storage.Store, active ActiveSource, queue QueueClearer) *Pruner {
	return &Pruner{
		retention: retention,
		store:     store,
		active:    active,
		queue:     queue,
		now:       time.Now,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check at a tenth of the retention period, between a minute and an hour
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass and returns the number of deleted snapshots.
func (p *Pruner) Prune(ctx context.Context) int {
	states, err := channel.PersistedStates(ctx, p.store)
	if err != nil {
		p.log.Error("Failed to list channel snapshots", "error", err)
		return 0
	}

	live := make(map[uint32]bool)
	if p.active != nil {
		for _, c := range p.active.Connections() {
			live[c.ID] = true
		}
	}

	threshold := p.now().Add(-p.retention)
	pruned := 0
	for _, s := range states {
		if live[s.ConnectionID] || !s.UpdatedAt.Before(threshold) {
			continue
		}
		if err := p.store.Delete(ctx, s.Key()); err != nil {
			p.log.Error("Failed to prune channel snapshot", "connection", s.ConnectionID, "error", err)
			continue
		}
		if p.queue != nil {
			p.queue.ClearConnectionQueue(ctx, s.ConnectionID)
		}
		p.log.Info("Pruned idle channel snapshot", "connection", s.ConnectionID, "updated_at", s.UpdatedAt)
		pruned++
	}
	return pruned
}
