package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat/internal/chat"
)

const historyTTL = 24 * time.Hour

// Cached serves recent room history from Redis sorted sets and falls back to
// the wrapped store on a miss. Writes go to the wrapped store first, then bump
// the room's history version and drop the cached page. A page loaded before a
// concurrent write is not cached. Redis failures are logged and never fail the
// call.
type Cached struct {
	Store
	client *redis.Client
	log    zerolog.Logger
}

// NewCached connects to redisURL and wraps inner.
func NewCached(ctx context.Context, inner Store, redisURL string, log zerolog.Logger) (*Cached, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cached{Store: inner, client: client, log: log}, nil
}

func historyKey(room chat.RoomID) string {
	return fmt.Sprintf("room:%d:messages", room)
}

func versionKey(room chat.RoomID) string {
	return fmt.Sprintf("room:%d:version", room)
}

// Ping checks both the wrapped store and Redis.
func (c *Cached) Ping(ctx context.Context) error {
	if err := c.Store.Ping(ctx); err != nil {
		return err
	}
	return c.client.Ping(ctx).Err()
}

// Close closes Redis and the wrapped store.
func (c *Cached) Close() error {
	rerr := c.client.Close()
	if err := c.Store.Close(); err != nil {
		return err
	}
	return rerr
}

// InsertMessage persists through the wrapped store and drops the cached page.
func (c *Cached) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	out, err := c.Store.InsertMessage(ctx, msg)
	if err != nil {
		return out, err
	}
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, versionKey(out.RoomID))
	pipe.Expire(ctx, versionKey(out.RoomID), historyTTL)
	pipe.Del(ctx, historyKey(out.RoomID))
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Int64("room", int64(out.RoomID)).Msg("history cache invalidation failed")
	}
	return out, nil
}

// ListMessages reads the newest limit messages, oldest first.
func (c *Cached) ListMessages(ctx context.Context, room chat.RoomID, limit int) ([]chat.Message, error) {
	limit = normalizeLimit(limit)
	key := historyKey(room)

	cached, err := c.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		c.log.Warn().Err(err).Int64("room", int64(room)).Msg("history cache read failed")
	}
	if len(cached) > 0 {
		msgs := make([]chat.Message, 0, len(cached))
		for _, data := range cached {
			var m chat.Message
			if err := json.Unmarshal([]byte(data), &m); err != nil {
				continue
			}
			msgs = append(msgs, m)
		}
		reverse(msgs)
		return msgs, nil
	}

	version, err := c.client.Get(ctx, versionKey(room)).Result()
	if err != nil && err != redis.Nil {
		c.log.Warn().Err(err).Int64("room", int64(room)).Msg("history version read failed")
	}

	// The cached page always holds the full default window so that any
	// smaller limit can be served from it.
	msgs, err := c.Store.ListMessages(ctx, room, DefaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, room, version, msgs)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (c *Cached) fill(ctx context.Context, room chat.RoomID, version string, msgs []chat.Message) {
	if len(msgs) == 0 {
		return
	}
	members := make([]redis.Z, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		members = append(members, redis.Z{Score: float64(m.ID), Member: string(data)})
	}
	key, verKey := historyKey(room), versionKey(room)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, verKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZAdd(ctx, key, members...)
			pipe.Expire(ctx, key, historyTTL)
			return nil
		})
		return err
	}, verKey)
	if err != nil && err != redis.TxFailedErr {
		c.log.Warn().Err(err).Str("key", key).Msg("history cache fill failed")
	}
}
