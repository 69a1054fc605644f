package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher receives every snapshot the store emits.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// RedisPublisher fans snapshots out to other processes over a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(addr, password string, db int, channel string) *RedisPublisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{client: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Relay forwards store snapshots to pub until ctx is done. Publish errors are
// logged and do not stop the relay.
func Relay(ctx context.Context, store *Store, pub Publisher, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	ch, cancel := store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := pub.Publish(ctx, snap); err != nil {
				log.Warn("snapshot publish failed", "err", err)
			}
		}
	}
}
