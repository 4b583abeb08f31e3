package middleware

import (
	"context"
	"time"

	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/registry"
)

// Timeout bounds each call with a deadline. The transport honours ctx, so
// the call returns context.DeadlineExceeded once it passes. d <= 0 disables it.
func Timeout(d time.Duration) Middleware {
	return func(next Invoker) Invoker {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, addr, req)
		}
	}
}
