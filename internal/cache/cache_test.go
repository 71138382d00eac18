package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportkit/api/internal/slices"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func okResult() slices.Result {
	return slices.Result{
		Table: slices.Table{
			Columns: []string{"day", "spend"},
			Rows:    []map[string]any{{"day": "2024-01-01", "spend": 10}},
		},
		Metadata: slices.Metadata{Source: slices.SourceExternal, Dataset: "ads", RowCount: 1},
	}
}

func errResult() slices.Result {
	return slices.Result{Metadata: slices.Metadata{Source: slices.SourceError}}
}

func countingLoader(result slices.Result, calls *int32) func(context.Context) slices.Result {
	return func(context.Context) slices.Result {
		atomic.AddInt32(calls, 1)
		return result
	}
}

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := NewRedis("redis://"+s.Addr(), time.Minute, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestLRUCachesResolvedResults(t *testing.T) {
	c := NewLRU(8, time.Minute)
	var calls int32

	first := c.GetOrLoad(context.Background(), "k", countingLoader(okResult(), &calls))
	second := c.GetOrLoad(context.Background(), "k", countingLoader(okResult(), &calls))

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Len())
}

func TestLRUSkipsErrorResults(t *testing.T) {
	c := NewLRU(8, time.Minute)
	var calls int32

	c.GetOrLoad(context.Background(), "k", countingLoader(errResult(), &calls))
	c.GetOrLoad(context.Background(), "k", countingLoader(errResult(), &calls))

	assert.Equal(t, int32(2), calls)
	assert.Equal(t, 0, c.Len())
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis("not a url", time.Minute, quietLogger())
	assert.Error(t, err)
}

func TestRedisCachesResolvedResults(t *testing.T) {
	c, s := setupRedis(t)
	ctx := context.Background()
	var calls int32

	first := c.GetOrLoad(ctx, "k", countingLoader(okResult(), &calls))
	second := c.GetOrLoad(ctx, "k", countingLoader(okResult(), &calls))

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, first.Table.Columns, second.Table.Columns)
	assert.Equal(t, json.Number("10"), second.Table.Rows[0]["spend"])
	assert.True(t, s.Exists("reportkit:k"))
	assert.False(t, s.Exists("reportkit:lock:k"), "lock must be released")
}

func TestRedisEntriesExpire(t *testing.T) {
	c, s := setupRedis(t)
	ctx := context.Background()
	var calls int32

	c.GetOrLoad(ctx, "k", countingLoader(okResult(), &calls))
	s.FastForward(2 * time.Minute)
	c.GetOrLoad(ctx, "k", countingLoader(okResult(), &calls))

	assert.Equal(t, int32(2), calls)
}

func TestRedisSkipsErrorResults(t *testing.T) {
	c, s := setupRedis(t)
	var calls int32

	c.GetOrLoad(context.Background(), "k", countingLoader(errResult(), &calls))

	assert.Equal(t, int32(1), calls)
	assert.False(t, s.Exists("reportkit:k"))
}

func TestRedisDiscardsCorruptEntries(t *testing.T) {
	c, s := setupRedis(t)
	require.NoError(t, s.Set("reportkit:k", "{not json"))
	var calls int32

	result := c.GetOrLoad(context.Background(), "k", countingLoader(okResult(), &calls))

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, "ads", result.Metadata.Dataset)
}

func TestRedisProceedsWhenLockHeld(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	c := NewRedisWithClient(client, time.Minute, quietLogger())
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, s.Set("reportkit:lock:k", "someone-else"))

	var calls int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := c.GetOrLoad(ctx, "k", countingLoader(okResult(), &calls))

	assert.Equal(t, int32(1), calls)
	assert.True(t, result.Resolved())
}
