package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/heirloom/internal/domain"
)

// DefaultChannel is used when no channel name is configured.
const DefaultChannel = "heirloom:invalidations"

// Redis publishes invalidations on a Redis pub/sub channel. Messages this
// instance published itself are ignored by Listen.
type Redis struct {
	client  *redis.Client
	channel string
	origin  string
	log     *slog.Logger
	timeout time.Duration
}

// NewRedis returns a notifier publishing on channel.
func NewRedis(client *redis.Client, channel string, log *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		log:     log,
		timeout: 500 * time.Millisecond,
	}
}

// Publish announces that path must be reloaded.
func (r *Redis) Publish(ctx context.Context, path domain.NodePath) error {
	payload, err := encode(r.origin, path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and calls fn for every invalidation
// published by another instance. It returns when ctx is done.
func (r *Redis) Listen(ctx context.Context, fn func(domain.NodePath)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("listening for invalidations", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch([]byte(msg.Payload), fn)
		}
	}
}

func (r *Redis) dispatch(payload []byte, fn func(domain.NodePath)) {
	msg, path, err := decode(payload)
	if err != nil {
		r.log.Warn("dropping invalidation", "channel", r.channel, "error", err)
		return
	}
	if msg.Origin == r.origin {
		return
	}
	r.log.Debug("remote invalidation", "node", path.String(), "origin", msg.Origin)
	fn(path)
}
