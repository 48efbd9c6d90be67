package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// permanentScore marks a child registered without TTL.
const permanentScore = 1e18

// RedisConfig configures a RedisBackend. Addr is either a redis:// URL or host:port.
type RedisConfig struct {
	Addr        string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// RedisBackend keeps the children of a path in a sorted set scored by expiry (unix ms) and announces
// every change on a pub/sub channel named after the path. Expired members are filtered when listing;
// an expiry on its own publishes nothing, so watchers observe it on their next change.
type RedisBackend struct {
	client redis.UniversalClient
	logger *zap.Logger

	mu       sync.Mutex
	renewals map[string]context.CancelFunc
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	opts := &redis.Options{Addr: cfg.Addr}
	if strings.Contains(cfg.Addr, "://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("redis: cant parse url: %w", err)
		}
		opts = parsed
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{opts.Addr},
		DB:          opts.DB,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return &RedisBackend{
		client:   client,
		logger:   cfg.Logger.With(zap.String("component", "registry"), zap.String("backend", "redis")),
		renewals: make(map[string]context.CancelFunc),
	}, nil
}

func nowMillis() float64 {
	return float64(time.Now().UnixMilli())
}

func (r *RedisBackend) ListChildren(ctx context.Context, path string) ([]string, error) {
	children, err := r.client.ZRangeByScore(ctx, path, &redis.ZRangeBy{
		Min: strconv.FormatFloat(nowMillis(), 'f', 0, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", path, err)
	}
	return normalize(children), nil
}

// WatchChildren subscribes to the path's channel. Each published message fires onChange.
func (r *RedisBackend) WatchChildren(ctx context.Context, path string, onChange func()) error {
	sub := r.client.Subscribe(ctx, path)
	// Receive waits for the subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis: subscribe %s: %w", path, err)
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					r.logger.Debug("watch stopped", zap.String("path", path))
					return
				}
				onChange()
			}
		}
	}()
	return nil
}

// Register adds child with a score of now+ttl and renews it every ttl/3 until Deregister or Close.
func (r *RedisBackend) Register(ctx context.Context, path, child string, ttl int64) error {
	score := float64(permanentScore)
	if ttl > 0 {
		score = nowMillis() + float64(ttl*1000)
	}
	if err := r.client.ZAdd(ctx, path, &redis.Z{Score: score, Member: child}).Err(); err != nil {
		return fmt.Errorf("redis: register %s/%s: %w", path, child, err)
	}
	if err := r.client.Publish(ctx, path, "+"+child).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", path, err)
	}
	if ttl <= 0 {
		return nil
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	key := path + "/" + child
	r.mu.Lock()
	if prev, ok := r.renewals[key]; ok {
		prev()
	}
	r.renewals[key] = cancel
	r.mu.Unlock()

	go r.renew(renewCtx, path, child, time.Duration(ttl)*time.Second)
	return nil
}

func (r *RedisBackend) renew(ctx context.Context, path, child string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			score := nowMillis() + float64(ttl.Milliseconds())
			if err := r.client.ZAdd(ctx, path, &redis.Z{Score: score, Member: child}).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn("renew registration", zap.String("path", path), zap.String("child", child), zap.Error(err))
			}
		}
	}
}

func (r *RedisBackend) Deregister(ctx context.Context, path, child string) error {
	key := path + "/" + child
	r.mu.Lock()
	if cancel, ok := r.renewals[key]; ok {
		cancel()
		delete(r.renewals, key)
	}
	r.mu.Unlock()

	if err := r.client.ZRem(ctx, path, child).Err(); err != nil {
		return fmt.Errorf("redis: deregister %s: %w", key, err)
	}
	if err := r.client.Publish(ctx, path, "-"+child).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", path, err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	r.mu.Lock()
	for key, cancel := range r.renewals {
		cancel()
		delete(r.renewals, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
