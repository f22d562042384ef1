package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/autocompta/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestSubmissionLimiterDisabledWithoutRedis(t *testing.T) {
	cfg := config.Config{Limits: config.RateLimitConfig{SubmitRate: 5, SubmitBurst: 10}}

	limiter, err := NewSubmissionLimiter(fxtest.NewLifecycle(t), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())

	res, err := limiter.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSubmissionLimiterRejectsInvalidBurst(t *testing.T) {
	cfg := config.Config{
		Redis:  config.RedisConfig{Addr: "localhost:6379"},
		Limits: config.RateLimitConfig{SubmitRate: 5},
	}

	_, err := NewSubmissionLimiter(fxtest.NewLifecycle(t), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestTokenBucketValidatesArguments(t *testing.T) {
	var bucket *TokenBucket
	_, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	assert.Zero(t, retryAfter(true, 0, 1))
	assert.Equal(t, time.Second, retryAfter(false, 0, 5))
	assert.Equal(t, 4*time.Second, retryAfter(false, 0, 0.25))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 8*time.Second, defaultBucketTTL(5, 20))
	assert.Equal(t, time.Second, defaultBucketTTL(100, 1))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 1))
}
