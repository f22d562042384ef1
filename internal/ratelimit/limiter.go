// Package ratelimit throttles document submissions per tenant with a token
// bucket kept in Redis, so every API replica shares the same budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/autocompta/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keySubmitTenant = "autocompta:submit:tenant:%d"

// SubmissionLimiter is nil when throttling is disabled. A nil limiter allows
// everything.
type SubmissionLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewSubmissionLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*SubmissionLimiter, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" || cfg.Limits.SubmitRate <= 0 {
		log.Info("document submission rate limit disabled")
		return nil, nil
	}
	if cfg.Limits.SubmitBurst <= 0 {
		return nil, errors.New("submission rate limit burst must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewSubmissionLimiterWithBucket(NewTokenBucket(client), cfg.Limits.SubmitRate, cfg.Limits.SubmitBurst), nil
}

func NewSubmissionLimiterWithBucket(bucket *TokenBucket, rate float64, burst int) *SubmissionLimiter {
	return &SubmissionLimiter{bucket: bucket, rate: rate, burst: burst}
}

func (l *SubmissionLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *SubmissionLimiter) Allow(ctx context.Context, tenantID int64) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keySubmitTenant, tenantID), l.rate, l.burst)
}
