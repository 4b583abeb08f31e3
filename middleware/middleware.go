// Package middleware wraps the call from the client to one selected
// coordinator. Each middleware decorates an Invoker; Chain composes them.
package middleware

import (
	"context"

	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/registry"
)

// Invoker sends req to the coordinator at addr.
type Invoker func(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error)

type Middleware func(next Invoker) Invoker

// Chain composes middlewares so the first one runs outermost:
//
//	Chain(A, B, C)(invoker) → A(B(C(invoker)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
