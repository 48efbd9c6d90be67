package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServicePath(t *testing.T) {
	assert.Equal(t, "/simplerpc/services/hello", ServicePath("hello"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:1"}, normalize([]string{"b:1", "", "a:1", " b:1 "}))
	assert.Empty(t, normalize(nil))
}

// exerciseBackend runs the shared contract against one backend under a unique path.
func exerciseBackend(t *testing.T, b interface {
	Backend
	Registrar
}, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	children, err := b.ListChildren(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, children)

	var fired atomic.Int32
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	require.NoError(t, b.WatchChildren(watchCtx, path, func() { fired.Add(1) }))

	require.NoError(t, b.Register(ctx, path, "127.0.0.1:8001", 10))
	require.NoError(t, b.Register(ctx, path, "127.0.0.1:8002", 10))

	children, err = b.ListChildren(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8001", "127.0.0.1:8002"}, children)
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	before := fired.Load()
	require.NoError(t, b.Deregister(ctx, path, "127.0.0.1:8001"))
	require.Eventually(t, func() bool { return fired.Load() > before }, 5*time.Second, 10*time.Millisecond)

	children, err = b.ListChildren(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8002"}, children)

	require.NoError(t, b.Deregister(ctx, path, "127.0.0.1:8002"))
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	defer b.Close()
	exerciseBackend(t, b, ServicePath("memory-contract"))
}

func TestMemoryBackendSetChildrenAndFailures(t *testing.T) {
	b := NewMemoryBackend()
	path := ServicePath("hello")

	fired := make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.WatchChildren(ctx, path, func() { fired <- struct{}{} }))
	assert.Equal(t, 1, b.Watchers(path))

	b.SetChildren(path, "B:1", "A:1", "A:1")
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
	children, err := b.ListChildren(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A:1", "B:1"}, children)

	boom := errors.New("backend down")
	b.FailList(boom)
	_, err = b.ListChildren(ctx, path)
	assert.ErrorIs(t, err, boom)
	b.FailList(nil)

	cancel()
	require.Eventually(t, func() bool { return b.Watchers(path) == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	_, err = b.ListChildren(context.Background(), path)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.WatchChildren(context.Background(), path, func() {}), ErrClosed)
}

func TestEtcdBackend(t *testing.T) {
	b, err := NewEtcdBackend(EtcdConfig{Endpoints: []string{"localhost:2379"}, DialTimeout: time.Second})
	require.NoError(t, err)
	defer b.Close()

	probe, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.ListChildren(probe, ServiceRoot); err != nil {
		t.Skipf("etcd not reachable on localhost:2379: %v", err)
	}

	exerciseBackend(t, b, ServicePath("etcd-contract-"+time.Now().Format("150405.000")))
}

func TestRedisBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := NewRedisBackend(ctx, RedisConfig{Addr: "redis://localhost:6379", DialTimeout: time.Second})
	if err != nil {
		t.Skipf("redis not reachable on localhost:6379: %v", err)
	}
	defer b.Close()

	exerciseBackend(t, b, ServicePath("redis-contract-"+time.Now().Format("150405.000")))
}

func TestRedisBackendBadURL(t *testing.T) {
	_, err := NewRedisBackend(context.Background(), RedisConfig{Addr: "://invalid"})
	require.Error(t, err)
}

func TestEtcdBackendNoEndpoints(t *testing.T) {
	_, err := NewEtcdBackend(EtcdConfig{})
	require.Error(t, err)
}
