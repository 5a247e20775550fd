package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// DefaultChannel is the pub/sub channel signals are mirrored on.
const DefaultChannel = "securelink:signals"

// PubSub is the subset of a pub/sub client the bridge needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error, error)
}

// RemoteBridge mirrors selected local signals to a shared channel and
// republishes signals raised by other processes on the local bus.
type RemoteBridge struct {
	ps      PubSub
	bus     Bus
	channel string
	origin  string
	log     *slog.Logger
}

// NewRemoteBridge creates a bridge. An empty channel uses DefaultChannel.
func NewRemoteBridge(ps PubSub, bus Bus, channel string) *RemoteBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RemoteBridge{
		ps:      ps,
		bus:     bus,
		channel: channel,
		origin:  uuid.NewString(),
		log:     slog.Default().With("component", "signal-bridge"),
	}
}

// Send publishes s on the shared channel.
func (r *RemoteBridge) Send(ctx context.Context, s Signal) error {
	if s.Origin == "" {
		s.Origin = r.origin
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	if err := r.ps.Publish(ctx, r.channel, data); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// Forward mirrors local signals of the given kinds to the shared channel
// until the returned function is called.
func (r *RemoteBridge) Forward(ctx context.Context, kinds ...Kind) func() {
	unsubs := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		unsubs = append(unsubs, r.bus.Subscribe(k, func(s Signal) {
			if s.Origin != "" && s.Origin != r.origin {
				return
			}
			if err := r.Send(ctx, s); err != nil {
				r.log.Warn("Failed to forward signal", "kind", s.Kind, "error", err)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Listen republishes remote signals on the local bus until ctx is done.
func (r *RemoteBridge) Listen(ctx context.Context) error {
	msgs, closeFn, err := r.ps.Subscribe(ctx, r.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	defer func() {
		_ = closeFn()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			var s Signal
			if err := json.Unmarshal([]byte(payload), &s); err != nil {
				r.log.Warn("Dropping malformed signal", "error", err)
				continue
			}
			if s.Origin == r.origin {
				continue
			}
			r.bus.Publish(s)
		}
	}
}
