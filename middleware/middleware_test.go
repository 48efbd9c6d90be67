package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"simple-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// echoInvoker answers immediately with "ok".
func echoInvoker(_ context.Context, req *message.Request) (*message.Response, error) {
	return &message.Response{RequestID: req.RequestID, Payload: []byte(`"ok"`)}, nil
}

// waitInvoker blocks until ctx is done.
func waitInvoker(ctx context.Context, _ *message.Request) (*message.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newRequest() *message.Request {
	return &message.Request{RequestID: 1, Interface: "Arith", Method: "Add"}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	invoke := Chain(mark("outer"), mark("inner"))(echoInvoker)
	_, err := invoke(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	resp, err := Logging(logger)(echoInvoker)(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte(`"ok"`), resp.Payload)

	boom := errors.New("boom")
	failing := func(context.Context, *message.Request) (*message.Response, error) { return nil, boom }
	_, err = Logging(logger)(failing)(context.Background(), newRequest())
	assert.ErrorIs(t, err, boom)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "call done", entries[0].Message)
	assert.Equal(t, "Arith.Add", entries[0].ContextMap()["method"])
	assert.Equal(t, "call failed", entries[1].Message)
}

func TestTimeout(t *testing.T) {
	t.Run("pass", func(t *testing.T) {
		resp, err := Timeout(500*time.Millisecond)(echoInvoker)(context.Background(), newRequest())
		require.NoError(t, err)
		assert.NotNil(t, resp)
	})

	t.Run("exceeded", func(t *testing.T) {
		start := time.Now()
		_, err := Timeout(50*time.Millisecond)(waitInvoker)(context.Background(), newRequest())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("earlier_caller_deadline_wins", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := Timeout(time.Minute)(waitInvoker)(ctx, newRequest())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass immediately, the 3rd is rejected
	invoke := RateLimit(1, 2)(echoInvoker)

	for i := 0; i < 2; i++ {
		_, err := invoke(context.Background(), newRequest())
		require.NoError(t, err, "request %d should pass", i)
	}

	_, err := invoke(context.Background(), newRequest())
	assert.ErrorIs(t, err, ErrRateLimited)
}
