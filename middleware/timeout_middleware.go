package middleware

import (
	"context"
	"time"

	"simple-rpc/message"
)

// Timeout narrows every call's deadline to at most timeout. A caller deadline that is already
// earlier wins.
func Timeout(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
