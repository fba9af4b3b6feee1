package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
)

const keyDrawUser = "ledger:draw:user:%s"

// DrawLimiter throttles reserve and direct-deduct calls per billing user.
// It is disabled when no Redis address is configured, in which case every
// call is allowed.
type DrawLimiter struct {
	bucket *TokenBucket
	policy *config.PolicyHolder
}

func NewDrawLimiter(client *RedisClient, policy *config.PolicyHolder) *DrawLimiter {
	if client == nil || client.Client == nil {
		return &DrawLimiter{policy: policy}
	}
	return &DrawLimiter{
		bucket: NewTokenBucket(client.Client),
		policy: policy,
	}
}

func (l *DrawLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowUser consumes one draw token for the user. Limiter errors fail open;
// a Redis outage must not block ledger traffic.
func (l *DrawLimiter) AllowUser(ctx context.Context, userID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	p := l.policy.Get()
	if p.ReserveRatePerUser <= 0 || p.ReserveBurstPerUser <= 0 {
		return true, nil
	}
	key := fmt.Sprintf(keyDrawUser, strings.TrimSpace(userID))
	return l.bucket.Allow(ctx, key, p.ReserveRatePerUser, p.ReserveBurstPerUser)
}
