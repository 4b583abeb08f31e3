package middleware

import (
	"context"
	"errors"

	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/registry"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a call exceeds the client's request budget.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit admits calls through a token bucket of r calls per second with
// the given burst. r <= 0 disables limiting.
func RateLimit(r float64, burst int) Middleware {
	return func(next Invoker) Invoker {
		if r <= 0 {
			return next
		}
		limiter := rate.NewLimiter(rate.Limit(r), burst)
		return func(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, addr, req)
		}
	}
}
