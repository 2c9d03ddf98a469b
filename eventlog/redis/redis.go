// Package redis is an eventlog.Journal backed by Redis. Ids come from INCR
// on a per-channel counter and events live in a sorted set scored by id.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/httpl-go/content"
	"github.com/ggoodman/httpl-go/eventlog"
	"github.com/ggoodman/httpl-go/internal/jsoncodec"
)

// Config for the Redis journal. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, if any. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=httpl:events:"`
	// MaxLen bounds each channel; older events are trimmed. ENV: EVENTLOG_MAX_LEN
	MaxLen int64 `env:"EVENTLOG_MAX_LEN,default=1000"`
}

type Journal struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

var _ eventlog.Journal = (*Journal)(nil)

func New(cfg Config) (*Journal, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "httpl:events:"
	}
	return &Journal{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen}, nil
}

// NewFromEnv builds a Journal using envdecode to populate Config.
func NewFromEnv() (*Journal, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (j *Journal) Close() error { return j.client.Close() }

func (j *Journal) seqKey(channel string) string    { return j.keyPrefix + "seq:" + channel }
func (j *Journal) eventsKey(channel string) string { return j.keyPrefix + "log:" + channel }

func (j *Journal) Append(ctx context.Context, channel string, ev content.Event) (int64, error) {
	if channel == "" {
		return 0, eventlog.ErrEmptyChannel
	}
	id, err := j.client.Incr(ctx, j.seqKey(channel)).Result()
	if err != nil {
		return 0, err
	}
	ev.ID = strconv.FormatInt(id, 10)
	b, err := jsoncodec.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("eventlog: encode event: %w", err)
	}

	pipe := j.client.TxPipeline()
	pipe.ZAdd(ctx, j.eventsKey(channel), redis.Z{Score: float64(id), Member: b})
	if j.maxLen > 0 {
		pipe.ZRemRangeByRank(ctx, j.eventsKey(channel), 0, -j.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (j *Journal) Since(ctx context.Context, channel string, afterID int64) ([]content.Event, error) {
	if channel == "" {
		return nil, eventlog.ErrEmptyChannel
	}
	members, err := j.client.ZRangeByScore(ctx, j.eventsKey(channel), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterID, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]content.Event, 0, len(members))
	for _, m := range members {
		var ev content.Event
		if err := jsoncodec.Unmarshal([]byte(m), &ev); err != nil {
			return nil, fmt.Errorf("eventlog: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (j *Journal) Cleanup(ctx context.Context, channel string) error {
	c := context.WithoutCancel(ctx)
	return j.client.Del(c, j.seqKey(channel), j.eventsKey(channel)).Err()
}
