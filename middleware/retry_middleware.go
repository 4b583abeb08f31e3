package middleware

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/registry"
	"github.com/hein-hp/incubator-seata/transport"
	"go.uber.org/zap"
)

// IsRetryable reports whether err is a transport failure worth another
// attempt: a closed channel, a network timeout or a refused connection.
// Coordinator errors and caller cancellation are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var remote *message.RemoteError
	if errors.As(err, &remote) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, transport.ErrTransportClosed) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Retry re-sends a call that failed with a retryable error, up to maxRetries
// more times, sleeping baseDelay, 2*baseDelay, 4*baseDelay ... in between.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		if maxRetries <= 0 {
			return next
		}
		return func(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error) {
			resp, err := next(ctx, addr, req)
			for i := 0; i < maxRetries && IsRetryable(err); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logger.Debug("retrying coordinator call", zap.Int("attempt", i+1),
					zap.Stringer("addr", addr), zap.String("xid", req.XID),
					zap.Duration("delay", delay), zap.Error(err))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, errors.Join(err, ctx.Err())
				case <-timer.C:
				}
				resp, err = next(ctx, addr, req)
			}
			return resp, err
		}
	}
}
