// Package redis provides the queue, pub/sub and sorted-set operations the
// validator needs, backed by rueidis or an in-process implementation.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/config"
)

// ZEntry is one sorted set member with its score.
type ZEntry struct {
	Member string
	Score  float64
}

type RedisInterface interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	// BLPop blocks up to timeout for an element; ok is false on timeout.
	BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages to handler until ctx is cancelled.
	Subscribe(ctx context.Context, channel string, handler func(message string)) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZPeekMin returns the lowest scored member without removing it.
	ZPeekMin(ctx context.Context, key string) (ZEntry, bool, error)
	// ZRem removes member and reports whether it was present.
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Close()
}

type Redis struct {
	client rueidis.Client
	cfg    *config.RedisEnvConfig
}

func NewRedis(cfg *config.RedisEnvConfig) (*Redis, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)},
		Username:    cfg.RedisUsername,
		Password:    cfg.RedisPassword,
		SelectDB:    cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("host", cfg.RedisHost).Int("port", cfg.RedisPort).Msg("redis client initialized")
	return &Redis{
		client: client,
		cfg:    cfg,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return "", nil
		}
		return "", err
	}
	return resp.ToString()
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl > 0 {
		return r.client.Do(ctx, r.client.B().Set().Key(key).Value(value).Ex(ttl).Build()).Error()
	}
	return r.client.Do(ctx, r.client.B().Set().Key(key).Value(value).Build()).Error()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Do(ctx, r.client.B().Del().Key(keys...).Build()).Error()
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return r.client.Do(ctx, r.client.B().Rpush().Key(key).Element(values...).Build()).Error()
}

func (r *Redis) LPop(ctx context.Context, key string) (string, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Lpop().Key(key).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	v, err := resp.ToString()
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Blpop().Key(key).Timeout(timeout.Seconds()).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	vals, err := resp.AsStrSlice()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if len(vals) < 2 {
		return "", false, nil
	}
	return vals[1], true, nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	resp := r.client.Do(ctx, r.client.B().Llen().Key(key).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return 0, nil
		}
		return 0, err
	}
	return resp.AsInt64()
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	return r.client.Do(ctx, r.client.B().Publish().Channel(channel).Message(message).Build()).Error()
}

func (r *Redis) Subscribe(ctx context.Context, channel string, handler func(message string)) error {
	err := r.client.Receive(ctx, r.client.B().Subscribe().Channel(channel).Build(), func(msg rueidis.PubSubMessage) {
		handler(msg.Message)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.Do(ctx, r.client.B().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()).Error()
}

func (r *Redis) ZPeekMin(ctx context.Context, key string) (ZEntry, bool, error) {
	resp := r.client.Do(ctx, r.client.B().Zrange().Key(key).Min("0").Max("0").Withscores().Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return ZEntry{}, false, nil
		}
		return ZEntry{}, false, err
	}
	scores, err := resp.AsZScores()
	if err != nil {
		return ZEntry{}, false, err
	}
	if len(scores) == 0 {
		return ZEntry{}, false, nil
	}
	return ZEntry{Member: scores[0].Member, Score: scores[0].Score}, true, nil
}

func (r *Redis) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Zrem().Key(key).Member(member).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.Do(ctx, r.client.B().Zcard().Key(key).Build()).AsInt64()
}

func (r *Redis) Close() {
	r.client.Close()
}
