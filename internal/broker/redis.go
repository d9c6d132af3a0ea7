package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const deadLetterPrefix = "dlq:"

// RedisOptions parameterise the Redis-backed broker.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// Redis implements Broker on Redis streams, string keys, and lists.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis constructs the Redis broker and verifies connectivity.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, opTimeout: timeout}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// Append adds an entry via XADD.
func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Read fetches entries strictly after afterID via an exclusive XRANGE.
func (r *Redis) Read(ctx context.Context, stream, afterID string, limit int64) ([]Entry, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	lower := "(" + afterID
	if afterID == "" || afterID == StartID {
		lower = "-"
	}

	msgs, err := r.client.XRangeN(ctx, stream, lower, "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries, nil
}

// Cursor reads the stored cursor; a missing key yields "".
func (r *Redis) Cursor(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", key, err)
	}
	return val, nil
}

// SetCursor persists the cursor with no expiry.
func (r *Redis) SetCursor(ctx context.Context, key, id string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, id, 0).Err(); err != nil {
		return fmt.Errorf("set cursor %s: %w", key, err)
	}
	return nil
}

// HasMarker checks marker existence.
func (r *Redis) HasMarker(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// SetMarker writes a marker with the given TTL.
func (r *Redis) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set marker %s: %w", key, err)
	}
	return nil
}

// PushDead appends a serialized dead letter via RPUSH.
func (r *Redis) PushDead(ctx context.Context, dl DeadLetter) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := r.client.RPush(ctx, deadLetterPrefix+dl.Stream, raw).Err(); err != nil {
		return fmt.Errorf("rpush dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit of the most recent entries.
func (r *Redis) DeadLetters(ctx context.Context, stream string, limit int64) ([]DeadLetter, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	raws, err := r.client.LRange(ctx, deadLetterPrefix+stream, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetterLen reports list depth via LLEN.
func (r *Redis) DeadLetterLen(ctx context.Context, stream string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	n, err := r.client.LLen(ctx, deadLetterPrefix+stream).Result()
	if err != nil {
		return 0, fmt.Errorf("llen dead letters: %w", err)
	}
	return n, nil
}

var _ Broker = (*Redis)(nil)
