package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdConfig configures an EtcdBackend.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// EtcdBackend stores each child as an empty-valued key {path}/{child}.
//
// Registration uses TTL-based leases: if the provider crashes, the lease expires and the key is
// removed, so no ghost endpoint survives it.
type EtcdBackend struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // key → renewal of a registered child

	done       chan struct{}
	closeOnce  sync.Once
	watchRetry time.Duration
}

// defaultWatchRetry spaces out attempts to re-establish a lost watch.
const defaultWatchRetry = time.Second

var errWatchClosed = errors.New("watch channel closed")

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdBackend creates a backend connected to the given etcd endpoints.
func NewEtcdBackend(cfg EtcdConfig) (*EtcdBackend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: %w", err)
	}
	return &EtcdBackend{
		client: c,
		logger: cfg.Logger.With(zap.String("component", "registry"), zap.String("backend", "etcd")),
		leases: make(map[string]registration),

		done:       make(chan struct{}),
		watchRetry: defaultWatchRetry,
	}, nil
}

func childPrefix(path string) string {
	return strings.TrimSuffix(path, "/") + "/"
}

// ListChildren returns the direct children of path. Deeper keys are ignored.
func (r *EtcdBackend) ListChildren(ctx context.Context, path string) ([]string, error) {
	prefix := childPrefix(path)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd: list %s: %w", path, err)
	}
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		child := strings.TrimPrefix(string(kv.Key), prefix)
		if strings.Contains(child, "/") {
			continue
		}
		children = append(children, child)
	}
	return normalize(children), nil
}

// WatchChildren uses etcd's Watch API (server-push) on the child prefix and re-fires onChange
// for every batch of events (new registrations, deregistrations, lease expirations).
//
// The watch requires a leader, so etcd cancels it when the member loses one. A lost watch is
// re-established until ctx is done or the backend is closed, and onChange fires once after each
// re-establish to cover changes made while no watch was installed.
func (r *EtcdBackend) WatchChildren(ctx context.Context, path string, onChange func()) error {
	open := func() (clientv3.WatchChan, context.CancelFunc, error) {
		return r.openWatch(ctx, path)
	}
	watchCh, cancel, err := open()
	if err != nil {
		return err
	}
	go r.followWatch(ctx, path, watchCh, cancel, onChange, open)
	return nil
}

// openWatch blocks until the server confirms the watch so no change after return is missed.
func (r *EtcdBackend) openWatch(ctx context.Context, path string) (clientv3.WatchChan, context.CancelFunc, error) {
	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	watchCh := r.client.Watch(watchCtx, childPrefix(path), clientv3.WithPrefix(), clientv3.WithCreatedNotify())

	select {
	case resp, ok := <-watchCh:
		if !ok {
			cancel()
			return nil, nil, fmt.Errorf("etcd: watch %s: %w", path, errWatchClosed)
		}
		if err := resp.Err(); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("etcd: watch %s: %w", path, err)
		}
	case <-ctx.Done():
		cancel()
		return nil, nil, ctx.Err()
	}
	return watchCh, cancel, nil
}

func (r *EtcdBackend) followWatch(ctx context.Context, path string, watchCh clientv3.WatchChan, cancel context.CancelFunc,
	onChange func(), open func() (clientv3.WatchChan, context.CancelFunc, error)) {
	for {
		for resp := range watchCh {
			if resp.Canceled {
				r.logger.Warn("watch canceled by server", zap.String("path", path), zap.Error(resp.Err()))
				break
			}
			if err := resp.Err(); err != nil {
				r.logger.Error("watch error", zap.String("path", path), zap.Error(err))
				continue
			}
			if len(resp.Events) > 0 {
				onChange()
			}
		}
		cancel()

		if r.stopped(ctx) {
			r.logger.Debug("watch stopped", zap.String("path", path))
			return
		}
		r.logger.Warn("watch lost, re-establishing", zap.String("path", path))

		var err error
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-time.After(r.watchRetry):
			}
			if watchCh, cancel, err = open(); err == nil {
				break
			}
			r.logger.Warn("re-establish watch", zap.String("path", path), zap.Error(err))
		}
		r.logger.Info("watch re-established", zap.String("path", path))
		onChange()
	}
}

func (r *EtcdBackend) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.done:
		return true
	default:
		return false
	}
}

// Register puts {path}/{child} with a TTL lease and keeps the lease alive until Deregister or Close.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdBackend) Register(ctx context.Context, path, child string, ttl int64) error {
	key := childPrefix(path) + child
	if ttl <= 0 {
		if _, err := r.client.Put(ctx, key, ""); err != nil {
			return fmt.Errorf("etcd: register %s: %w", key, err)
		}
		return nil
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd: grant lease: %w", err)
	}
	if _, err := r.client.Put(ctx, key, "", clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd: register %s: %w", key, err)
	}

	// The renewal outlives ctx, which only bounds the registration itself.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd: keepalive: %w", err)
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	prev, had := r.leases[key]
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if had {
		prev.cancel()
	}
	return nil
}

// Deregister removes the key and stops renewing its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdBackend) Deregister(ctx context.Context, path, child string) error {
	key := childPrefix(path) + child
	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd: deregister %s: %w", key, err)
	}
	return nil
}

// Close stops every lease renewal and closes the etcd client, which also ends every watch.
func (r *EtcdBackend) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
