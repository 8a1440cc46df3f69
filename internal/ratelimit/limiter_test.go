package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "conn-1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
	ok, err := l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other identifiers are independent.
	ok, err = l.Allow(ctx, "conn-2", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 10*time.Second, mr.TTL("rl:test:conn-1"))
	assert.Greater(t, l.RetryAfter(ctx, "conn-1", rule), time.Duration(0))

	mr.FastForward(11 * time.Second)
	ok, err = l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	assert.True(t, ok, "window reset")
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:rem:", Limit: 2, Window: time.Minute}

	n, err := l.Remaining(ctx, "ip", rule)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "ip", rule)
	}
	n, err = l.Remaining(ctx, "ip", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAllow_FailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.SetError("LOADING server is loading")

	ok, err := l.Allow(context.Background(), "conn", RuleMessage)
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestAllow_NoClient(t *testing.T) {
	l := NewLimiter(nil, nil)
	ok, err := l.Allow(context.Background(), "conn", RuleMessage)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, l.RetryAfter(context.Background(), "conn", RuleMessage))
}
