package redis

import (
	"context"
	"fmt"
)

// Publish implements signal.PubSub.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Subscribe implements signal.PubSub. The returned channel is closed after
// the close func runs.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func() error, error) {
	sub := c.rdb.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so publishes are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe failed: %w", err)
	}

	out := make(chan string)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		for msg := range msgs {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, sub.Close, nil
}
