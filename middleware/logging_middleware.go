package middleware

import (
	"context"
	"time"

	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/registry"
	"go.uber.org/zap"
)

func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error) {
			start := time.Now()
			resp, err := next(ctx, addr, req)
			fields := []zap.Field{
				zap.Stringer("type", req.Type),
				zap.String("xid", req.XID),
				zap.Stringer("addr", addr),
				zap.Duration("duration", time.Since(start)),
			}
			// a remote error is logged but travels back inside resp
			logErr := err
			if logErr == nil {
				logErr = resp.Err()
			}
			if logErr != nil {
				logger.Warn("coordinator call failed", append(fields, zap.Error(logErr))...)
			} else {
				logger.Debug("coordinator call", fields...)
			}
			return resp, err
		}
	}
}
