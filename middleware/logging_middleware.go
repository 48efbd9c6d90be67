package middleware

import (
	"context"
	"time"

	"simple-rpc/message"

	"go.uber.org/zap"
)

func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "call"))
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod()),
				zap.Int64("request_id", req.RequestID),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			case resp.Error != "":
				logger.Info("call returned remote error", append(fields, zap.String("remote_error", resp.Error))...)
			default:
				logger.Debug("call done", fields...)
			}
			return resp, err
		}
	}
}
