// Package middleware wraps the client's call path with interceptors.
//
// An Invoker performs one remote call end to end. Middlewares decorate it:
//
//	Chain(Logging(l), RateLimit(10, 5))(invoke)
//	  → Logging → RateLimit → invoke
package middleware

import (
	"context"

	"simple-rpc/message"
)

// Invoker sends req and waits for its response.
type Invoker func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next Invoker) Invoker

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
