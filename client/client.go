// Package client is the call gateway: it discovers the providers of one service, keeps a session to each
// of them and turns method invocations into correlated request/response exchanges.
//
//	Call → id++ → Request → Select session → Register id → Send → wait (reply | CallTimeout | ctx)
//
// Registration always happens before the request is written, so a fast response can never arrive
// ahead of its slot.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"simple-rpc/codec"
	"simple-rpc/config"
	"simple-rpc/discovery"
	"simple-rpc/loadbalance"
	"simple-rpc/message"
	"simple-rpc/middleware"
	"simple-rpc/registry"
	"simple-rpc/transport"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

var (
	// ErrCallTimeout is returned when no response arrived within CallTimeout or the caller's deadline.
	ErrCallTimeout = errors.New("call timed out")

	// ErrNoProviderAvailable is returned when no session to the service is open.
	ErrNoProviderAvailable = loadbalance.ErrNoProviderAvailable
)

// RemoteError is a failure reported by the provider for one call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBackend supplies the discovery backend. The client does not close it.
func WithBackend(backend registry.Backend) Option {
	return func(c *Client) { c.backend = backend }
}

// WithMiddleware appends call interceptors. They run inside logging and rate limiting.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// WithDialer replaces the TCP dialer used for new sessions.
func WithDialer(dial transport.DialFunc) Option {
	return func(c *Client) { c.dialer = dial }
}

// Client is safe for concurrent use. Start it once, Close it once.
type Client struct {
	cfg         config.Config
	logger      *zap.Logger
	backend     registry.Backend
	ownsBackend bool
	middlewares []middleware.Middleware
	dialer      transport.DialFunc

	pending    *transport.PendingCalls
	pool       *transport.Pool
	dispatcher *loadbalance.Dispatcher
	watcher    *discovery.Watcher
	invoke     middleware.Invoker
	nextID     atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and wires the client. No connection is made before Start.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codecType, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalance.ParseBalancer(cfg.Balancer)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("service", cfg.ServiceName))

	c.pending = transport.NewPendingCalls()
	c.pool = transport.NewPool(c.pending, transport.SessionConfig{
		Codec:               codecType,
		IdleTimeout:         cfg.IdleTimeout,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		DialTimeout:         cfg.DialTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Dialer:              c.dialer,
		Logger:              c.logger,
	})
	c.dispatcher = loadbalance.NewDispatcher(c.pool, balancer)

	chain := []middleware.Middleware{middleware.Logging(c.logger)}
	if cfg.RateLimit.RPS > 0 {
		chain = append(chain, middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	chain = append(chain, c.middlewares...)
	c.invoke = middleware.Chain(chain...)(c.roundTrip)
	return c, nil
}

// Start opens the discovery backend unless one was supplied, then connects to every current provider
// and keeps following membership changes. Failures wrap discovery.ErrStartup.
func (c *Client) Start(ctx context.Context) error {
	if c.backend == nil {
		backend, err := c.openBackend(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", discovery.ErrStartup, err)
		}
		c.backend, c.ownsBackend = backend, true
	}

	c.watcher = discovery.NewWatcher(c.cfg.ServiceName, c.backend, c.pool, c.logger)
	if err := c.watcher.Start(ctx); err != nil {
		if c.ownsBackend {
			_ = c.backend.Close()
			c.backend, c.ownsBackend = nil, false
		}
		c.watcher = nil
		return err
	}
	return nil
}

func (c *Client) openBackend(ctx context.Context) (registry.Backend, error) {
	switch c.cfg.Registry.Kind {
	case config.RegistryEtcd:
		return registry.NewEtcdBackend(registry.EtcdConfig{
			Endpoints:   c.cfg.RegistryEndpoints(),
			DialTimeout: c.cfg.Registry.DialTimeout,
			Logger:      c.logger,
		})
	case config.RegistryRedis:
		return registry.NewRedisBackend(ctx, registry.RedisConfig{
			Addr:        c.cfg.Registry.Address,
			DialTimeout: c.cfg.Registry.DialTimeout,
			Logger:      c.logger,
		})
	default:
		return nil, fmt.Errorf("registry kind %q needs WithBackend", c.cfg.Registry.Kind)
	}
}

// Call invokes iface.method on one provider and decodes the result into reply (may be nil).
// paramTypes are the provider-side type descriptors of args, e.g. "string" or "[]int".
func (c *Client) Call(ctx context.Context, iface, method string, paramTypes []string, args []any, reply any) error {
	req, err := message.NewRequest(c.nextID.Add(1), iface, method, paramTypes, args)
	if err != nil {
		return err
	}
	resp, err := c.invoke(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return &RemoteError{Method: req.ServiceMethod(), Message: resp.Error}
	}
	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fmt.Errorf("decode reply of %s: %w", req.ServiceMethod(), err)
	}
	return nil
}

// roundTrip is the innermost Invoker.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	s, err := c.dispatcher.Select()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.ServiceMethod(), err)
	}

	id := req.RequestID
	slot := c.pending.Register(id)
	if err := s.Send(req); err != nil {
		c.pending.Remove(id)
		s.Forget(id)
		return nil, fmt.Errorf("%s: %w", req.ServiceMethod(), err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	defer s.Forget(id)

	select {
	case reply := <-slot:
		return reply.Response, reply.Err
	case <-timer.C:
		if reply, ok := c.abandon(id, slot); ok {
			return reply.Response, reply.Err
		}
		return nil, fmt.Errorf("%w: %s request %d after %s", ErrCallTimeout, req.ServiceMethod(), id, c.cfg.CallTimeout)
	case <-ctx.Done():
		if reply, ok := c.abandon(id, slot); ok {
			return reply.Response, reply.Err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s request %d: %w", ErrCallTimeout, req.ServiceMethod(), id, ctx.Err())
		}
		return nil, fmt.Errorf("%s request %d: %w", req.ServiceMethod(), id, ctx.Err())
	}
}

// abandon unregisters id. If the receive path won the race the reply is already on its way and is
// returned instead.
func (c *Client) abandon(id int64, slot <-chan transport.Reply) (transport.Reply, bool) {
	if c.pending.Remove(id) {
		return transport.Reply{}, false
	}
	return <-slot, true
}

// Endpoints returns the keys of the open sessions.
func (c *Client) Endpoints() []string {
	return c.pool.Keys()
}

// Close stops following membership, closes every session and the backend it opened.
// Every close error is logged and returned in a *multierror.Error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.watcher != nil {
			c.watcher.Stop()
		}
		var result error
		if err := c.pool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if c.ownsBackend {
			if err := c.backend.Close(); err != nil {
				c.logger.Warn("close registry", zap.Error(err))
				result = multierror.Append(result, fmt.Errorf("close registry: %w", err))
			}
		}
		c.closeErr = result
		c.logger.Info("client closed")
	})
	return c.closeErr
}
