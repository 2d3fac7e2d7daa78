// Package stream wraps the Redis-streams log that decouples the pipeline
// stages. Every entry is a single field {d: <payload bytes>}; consumers read
// through consumer groups with explicit acks, so delivery is at-least-once.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Log is a thin client over one Redis connection shared by a service.
type Log struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Entry is one delivered stream message: its id plus the raw payload from
// the "d" field.
type Entry struct {
	ID   string
	Data []byte
}

// Open parses a redis URL and returns a Log. The connection is lazy; call
// Wait to gate startup on reachability.
func Open(url string, logger *slog.Logger) (*Log, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Log{
		rdb:    redis.NewClient(opts),
		logger: logger.With("component", "stream"),
	}, nil
}

// New wraps an existing client. Used by tests with redismock.
func New(rdb *redis.Client, logger *slog.Logger) *Log {
	return &Log{rdb: rdb, logger: logger.With("component", "stream")}
}

// Wait pings the log until it responds or attempts are exhausted.
// Services treat exhaustion as fatal at startup.
func (l *Log) Wait(ctx context.Context, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := l.rdb.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		l.logger.Warn("stream log not reachable, retrying", "attempt", i+1, "attempts", attempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("stream log unreachable after %d attempts: %w", attempts, lastErr)
}

// Publish appends one entry to a stream. Callers on the hot path treat
// failures as best-effort: log and move on.
func (l *Log) Publish(ctx context.Context, stream string, payload []byte) error {
	return l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"d": payload},
	}).Err()
}

// EnsureGroup creates a consumer group at startID with MKSTREAM. A group
// that already exists (BUSYGROUP) is success.
func (l *Log) EnsureGroup(ctx context.Context, stream, group, startID string) error {
	err := l.rdb.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup blocks up to block for new entries on the group. A read timeout
// (redis.Nil) returns an empty slice and no error.
func (l *Log) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			e := Entry{ID: msg.ID}
			if d, ok := msg.Values["d"]; ok {
				switch v := d.(type) {
				case string:
					e.Data = []byte(v)
				case []byte:
					e.Data = v
				}
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Ack acknowledges delivered ids in one call. Acking an already-acked id is
// a no-op on the server side.
func (l *Log) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// Last returns the payload of the most recent entry on a stream, or nil
// when the stream is empty.
func (l *Log) Last(ctx context.Context, stream string) ([]byte, error) {
	msgs, err := l.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if d, ok := msgs[0].Values["d"]; ok {
		switch v := d.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		}
	}
	return nil, nil
}

// Close releases the underlying connection.
func (l *Log) Close() error {
	return l.rdb.Close()
}
