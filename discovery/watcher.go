// Package discovery keeps a connection pool in step with the membership of one service.
//
// A Watcher lists the children of /simplerpc/services/{ServiceName}, connects to every endpoint, and
// re-reconciles the pool on every membership change the backend reports:
//
//	snapshot [A:1 B:1] ──change──→ [B:1 C:1]
//	  close + remove A:1, dial C:1, B:1 untouched
//
// Reconciliations are serialized and each one lists and applies under the same lock, so snapshots are
// applied in the order they were read. Calls keep reading the pool's snapshot throughout.
//
// A session that dies on its own leaves the pool while the backend may still list its endpoint. The
// watcher then re-lists and reconciles once, at most once per resyncInterval, which re-dials the
// endpoint if it is still a member. A failed re-dial is logged and left to the next change.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"simple-rpc/loadbalance"
	"simple-rpc/registry"
	"simple-rpc/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrStartup wraps every error that prevents a watcher from starting.
var ErrStartup = errors.New("discovery: startup failed")

// maxParallelDials bounds concurrent connection attempts during one reconciliation.
const maxParallelDials = 16

// resyncInterval spaces out reconciliations triggered by lost sessions.
const resyncInterval = time.Second

// Watcher reconciles a transport.Pool against a registry.Backend.
type Watcher struct {
	backend registry.Backend
	pool    *transport.Pool
	path    string
	logger  *zap.Logger

	mu      sync.Mutex // held for a whole list + reconcile
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	resync  chan struct{}
	limiter *rate.Limiter
}

func NewWatcher(serviceName string, backend registry.Backend, pool *transport.Pool, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := registry.ServicePath(serviceName)
	return &Watcher{
		backend: backend,
		pool:    pool,
		path:    path,
		logger:  logger.With(zap.String("component", "discovery"), zap.String("path", path)),
		resync:  make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(resyncInterval), 1),
	}
}

func (w *Watcher) Path() string {
	return w.path
}

// Start installs the watch, then lists the current members and connects to each of them.
// Individual connection failures are logged and skipped. A backend error or an empty membership
// list fails with ErrStartup. ctx bounds the startup only; the watch lives until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("%w: already started", ErrStartup)
	}

	// The watch goes in first. Its callbacks queue on w.mu behind this initial reconciliation, so a
	// change that lands between the listing below and the end of Start is still applied.
	watchCtx, cancel := context.WithCancel(context.Background())
	if err := w.backend.WatchChildren(watchCtx, w.path, w.onChange); err != nil {
		cancel()
		return fmt.Errorf("%w: watch %s: %w", ErrStartup, w.path, err)
	}

	snapshot, err := w.backend.ListChildren(ctx, w.path)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: list %s: %w", ErrStartup, w.path, err)
	}
	if len(snapshot) == 0 {
		cancel()
		return fmt.Errorf("%w: %s: %w", ErrStartup, w.path, loadbalance.ErrNoProviderAvailable)
	}

	w.started = true
	w.ctx, w.cancel = watchCtx, cancel
	w.pool.OnSessionLost(w.sessionLost)
	go w.resyncLoop(watchCtx)

	added, _ := w.reconcileLocked(ctx, snapshot)
	w.logger.Info("discovery started",
		zap.Strings("members", snapshot),
		zap.Strings("connected", added),
		zap.Int("failed", len(snapshot)-len(added)))
	return nil
}

// Stop cancels the watch. Pooled sessions are left to their owner.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.pool.OnSessionLost(nil)
	}
}

// sessionLost runs on the lost session's goroutine, which a concurrent reconciliation may be
// waiting on, so it only signals the resync loop.
func (w *Watcher) sessionLost(string) {
	select {
	case w.resync <- struct{}{}:
	default:
	}
}

func (w *Watcher) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.resync:
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.onChange()
		}
	}
}

// Reconcile makes the pool's key set equal snapshot: sessions whose key is absent are removed and
// closed, absent keys are dialled. It reports the keys added and removed. An empty snapshot is
// treated as a transient signal and changes nothing.
func (w *Watcher) Reconcile(ctx context.Context, snapshot []string) (added, removed []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reconcileLocked(ctx, snapshot)
}

func (w *Watcher) reconcileLocked(ctx context.Context, snapshot []string) (added, removed []string) {
	if len(snapshot) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(snapshot))
	for _, key := range snapshot {
		want[key] = struct{}{}
	}

	for _, key := range w.pool.Keys() {
		if _, ok := want[key]; ok {
			continue
		}
		s := w.pool.Remove(key)
		if s == nil {
			continue
		}
		removed = append(removed, key)
		if err := s.Close(); err != nil {
			w.logger.Warn("close removed endpoint", zap.String("endpoint", key), zap.Error(err))
		}
	}

	present := make(map[string]struct{})
	for _, key := range w.pool.Keys() {
		present[key] = struct{}{}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(maxParallelDials)
	for _, key := range snapshot {
		if _, ok := present[key]; ok {
			continue
		}
		key := key
		g.Go(func() error {
			if _, err := w.pool.EstablishAddr(ctx, key); err != nil {
				w.logger.Warn("connect failed, skipping endpoint", zap.String("endpoint", key), zap.Error(err))
				return nil
			}
			mu.Lock()
			added = append(added, key)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(added)
	return added, removed
}

// onChange runs on the backend's goroutine. Backend errors are logged and the watch stays alive.
func (w *Watcher) onChange() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil || w.ctx.Err() != nil {
		return
	}

	snapshot, err := w.backend.ListChildren(w.ctx, w.path)
	if err != nil {
		w.logger.Error("refresh membership", zap.Error(err))
		return
	}
	if len(snapshot) == 0 {
		w.logger.Info("ignoring empty membership")
		return
	}

	added, removed := w.reconcileLocked(w.ctx, snapshot)
	if len(added) > 0 || len(removed) > 0 {
		w.logger.Info("membership changed", zap.Strings("added", added), zap.Strings("removed", removed))
	}
}
