package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发服务端限流与额度消耗过快。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter 令牌桶，rps<=0 时不限速。
func NewRateLimiter(rps float64, burst int) RateLimiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
