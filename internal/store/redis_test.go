package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/pkg/engine"
)

// setupRedisSink connects to the Redis at CONDUCTOR_TEST_REDIS (default
// localhost:6379) and skips the test when no server is reachable.
func setupRedisSink(t *testing.T, stream string) *RedisSink {
	t.Helper()

	addr := os.Getenv("CONDUCTOR_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}

	sink, err := NewRedisSink(RedisConfig{Addr: addr, Stream: stream})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	return sink
}

func TestRedisSink_SaveTranscript(t *testing.T) {
	stream := "test:transcripts:" + t.Name()
	sink := setupRedisSink(t, stream)

	ctx := context.Background()
	defer sink.rdb.Del(ctx, stream)

	tr := sampleTranscript("sess-redis-1")
	require.NoError(t, sink.SaveTranscript(ctx, tr))

	entries, err := sink.rdb.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "sess-redis-1", values["session_id"])
	assert.Equal(t, string(engine.StateCompleted), values["state"])

	var decoded engine.Transcript
	require.NoError(t, json.Unmarshal([]byte(values["transcript"].(string)), &decoded))
	assert.Equal(t, tr.Query, decoded.Query)
	assert.Equal(t, tr.QualityScore, decoded.QualityScore)
}

func TestRedisSink_RejectsEmptySessionID(t *testing.T) {
	stream := "test:transcripts:" + t.Name()
	sink := setupRedisSink(t, stream)

	err := sink.SaveTranscript(context.Background(), &engine.Transcript{})
	assert.Error(t, err)
}
