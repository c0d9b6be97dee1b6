// Package redcache provides the Redis-backed queue snapshot cache and the
// pub/sub channel that fans queue stats out across broker instances.
package redcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/broker"
)

// statsChannel carries queue snapshots between broker instances.
const statsChannel = "queue:stats"

// statsKey is the cache key for the latest snapshot of one game's queue.
func statsKey(game string) string { return "queue:stats:" + game }

// statsMessage is the wire form on the stats channel. Origin lets an
// instance skip snapshots it published itself, since it already broadcast
// them to its local watchers.
type statsMessage struct {
	Origin string            `json:"origin"`
	Update broker.QueueUpdate `json:"update"`
}

// Cache wraps the Redis client. It implements broker.StatsPublisher and runs
// the subscriber that relays sibling instances' snapshots.
type Cache struct {
	client   *redis.Client
	instance string
	log      *zap.Logger
}

// New connects to Redis at the given URL (redis://host:port/db).
//
// Postcondition: Returns a Cache with a verified connection, or an error.
func New(ctx context.Context, url string, log *zap.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Cache{
		client:   client,
		instance: uuid.NewString(),
		log:      log,
	}, nil
}

// PublishStats caches the snapshot and announces it on the stats channel.
//
// Postcondition: GetStats for the game returns this snapshot until the next
// publish; sibling instances receive it via their subscribers.
func (c *Cache) PublishStats(ctx context.Context, update broker.QueueUpdate) error {
	data, err := json.Marshal(statsMessage{Origin: c.instance, Update: update})
	if err != nil {
		return fmt.Errorf("marshalling queue snapshot: %w", err)
	}
	if err := c.client.Set(ctx, statsKey(update.Game), data, 0).Err(); err != nil {
		return fmt.Errorf("caching queue snapshot: %w", err)
	}
	if err := c.client.Publish(ctx, statsChannel, data).Err(); err != nil {
		return fmt.Errorf("publishing queue snapshot: %w", err)
	}
	return nil
}

// GetStats returns the cached snapshot for a game. Served to fresh queue
// joiners so they see current numbers before the next recompute.
//
// Postcondition: Returns the snapshot and true, or false if none is cached.
func (c *Cache) GetStats(ctx context.Context, game string) (broker.QueueUpdate, bool, error) {
	data, err := c.client.Get(ctx, statsKey(game)).Bytes()
	if errors.Is(err, redis.Nil) {
		return broker.QueueUpdate{}, false, nil
	}
	if err != nil {
		return broker.QueueUpdate{}, false, fmt.Errorf("reading cached snapshot: %w", err)
	}
	var msg statsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return broker.QueueUpdate{}, false, fmt.Errorf("parsing cached snapshot: %w", err)
	}
	return msg.Update, true, nil
}

// RunStatsSubscriber consumes the stats channel and hands snapshots from
// sibling instances to handle. Blocks until ctx is cancelled.
func (c *Cache) RunStatsSubscriber(ctx context.Context, handle func(broker.QueueUpdate)) error {
	sub := c.client.Subscribe(ctx, statsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			update, relay := c.decode([]byte(msg.Payload))
			if relay {
				handle(update)
			}
		}
	}
}

// decode parses a channel payload and reports whether it should be relayed
// to local watchers. Own snapshots and garbage are dropped.
func (c *Cache) decode(payload []byte) (broker.QueueUpdate, bool) {
	var msg statsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.Warn("dropping malformed stats message", zap.Error(err))
		return broker.QueueUpdate{}, false
	}
	if msg.Origin == c.instance {
		return broker.QueueUpdate{}, false
	}
	return msg.Update, true
}

// Health verifies the Redis connection.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
