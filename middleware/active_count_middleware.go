package middleware

import (
	"context"

	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/registry"
	"github.com/hein-hp/incubator-seata/rpcstatus"
)

// ActiveCount tracks in-flight calls per address in status, which is what
// LeastActiveLoadBalance reads. The count is released on every exit path.
func ActiveCount(status *rpcstatus.Registry) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error) {
			key := addr.String()
			status.BeginCount(key)
			defer status.EndCount(key)
			return next(ctx, addr, req)
		}
	}
}
