package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/normanking/conductor/pkg/engine"
)

// RedisConfig holds connection settings for the Redis transcript stream.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Stream is the Redis Stream transcripts are appended to.
	Stream string
	// MaxLen caps the stream length (approximate trim). Zero keeps the default.
	MaxLen int64
}

// DefaultTranscriptStream is the stream name used when none is configured.
const DefaultTranscriptStream = "conductor:transcripts"

const defaultStreamMaxLen = 4096

// RedisSink appends each transcript to a Redis Stream via XADD so
// downstream consumers (dashboards, exporters) can tail session history
// without touching the SQLite archive.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis and validates the connection with a ping.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = DefaultTranscriptStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}

	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen}, nil
}

// SaveTranscript appends the transcript to the stream. The full record
// travels as one JSON field; session_id and state ride alongside so
// consumers can filter without unmarshaling.
func (s *RedisSink) SaveTranscript(ctx context.Context, t *engine.Transcript) error {
	if t == nil || t.SessionID == "" {
		return fmt.Errorf("transcript session ID cannot be empty")
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"session_id": t.SessionID,
			"state":      string(t.State),
			"transcript": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd transcript: %w", err)
	}

	return nil
}

// Ping checks if Redis is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
