package middleware

import (
	"context"
	"errors"
	"fmt"

	"simple-rpc/message"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the outgoing call budget is exhausted.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit creates a token-bucket limiter over outgoing calls. Calls over budget fail immediately.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("%s: %w", req.ServiceMethod(), ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
