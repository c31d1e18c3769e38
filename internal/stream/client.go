// Package stream implements the durable stream client (C2): a typed
// wrapper over Redis Streams providing consumer groups, pending-entry
// tracking, acknowledgement, dead-lettering, and approximate trimming.
//
// The connection bootstrap (URL parsing, Ping) is adapted from the
// teacher's redisclient package; everything past that point is new,
// since the teacher used a bare Redis client for caching/rate-limiting,
// never Streams.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Message is one entry read from a stream: its broker-assigned ID and its
// flat field mapping.
type Message struct {
	ID     string
	Fields map[string]string
}

// Client wraps a redis.Client with the stream operations C2 exposes.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New creates a stream Client from a Redis URL.
func New(redisURL string, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt), logger: logger.With().Str("component", "stream").Logger()}, nil
}

// Ping verifies the broker is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// EnsureGroup idempotently creates a consumer group on stream, creating the
// stream itself if absent. BUSYGROUP (group already exists) is not an
// error — group creation must be idempotent per spec §4.10.
func (c *Client) EnsureGroup(ctx context.Context, streamName, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, streamName, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s/%s: %w", streamName, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Append atomically appends fields to stream, trimming the stream to
// approximately maxLen entries (spec §4.2: "approximate length-trim to
// configured max"). maxLen <= 0 disables trimming.
func (c *Client) Append(ctx context.Context, streamName string, fields map[string]string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: streamName,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %s: %w", streamName, err)
	}
	return id, nil
}

// ReadGroup blocks up to block for new messages delivered to consumer in
// group on stream, returning up to count messages. On the first call
// after a restart it first drains any of this consumer's own pending
// (delivered-but-unacked) entries before reading new ones, matching spec
// §4.2's "including previously pending ones on first call after restart."
func (c *Client) ReadGroup(ctx context.Context, streamName, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	pending, err := c.readIDs(ctx, streamName, group, consumer, count, 0, "0")
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readIDs(ctx, streamName, group, consumer, count, block, ">")
}

func (c *Client) readIDs(ctx context.Context, streamName, group, consumer string, count int64, block time.Duration, id string) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamName, id},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read group %s/%s on %s: %w", group, consumer, streamName, err)
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Fields: stringifyValues(m.Values)})
		}
	}
	return out, nil
}

func stringifyValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// Ack marks ids as processed in group on stream.
func (c *Client) Ack(ctx context.Context, streamName, group string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, streamName, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d messages on %s/%s: %w", len(ids), streamName, group, err)
	}
	return nil
}

// ClaimStale takes over pending entries idle longer than minIdle,
// reassigning them to consumer (spec §4.2, used to recover from crashed
// or stuck workers per §4.7).
func (c *Client) ClaimStale(ctx context.Context, streamName, group, consumer string, minIdle time.Duration) ([]Message, error) {
	var out []Message
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamName,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("claim stale on %s/%s: %w", streamName, group, err)
		}
		for _, m := range msgs {
			out = append(out, Message{ID: m.ID, Fields: stringifyValues(m.Values)})
		}
		if next == "0-0" || len(msgs) == 0 {
			break
		}
		start = next
	}
	return out, nil
}

// PendingCount returns the number of not-yet-acked entries for group on
// stream.
func (c *Client) PendingCount(ctx context.Context, streamName, group string) (int64, error) {
	summary, err := c.rdb.XPending(ctx, streamName, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", streamName, group, err)
	}
	return summary.Count, nil
}

// Len returns the approximate length of stream, used by the backpressure
// monitor (spec §4.5).
func (c *Client) Len(ctx context.Context, streamName string) (int64, error) {
	n, err := c.rdb.XLen(ctx, streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", streamName, err)
	}
	return n, nil
}
