package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, d *pipeDialer) *Pool {
	t.Helper()
	p := NewPool(NewPendingCalls(), SessionConfig{Dialer: d.Dial})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolEstablishDedups(t *testing.T) {
	d := newPipeDialer(echo)
	p := newTestPool(t, d)
	ctx := context.Background()

	first, err := p.Establish(ctx, "10.0.0.1", 9000)
	require.NoError(t, err)
	second, err := p.EstablishAddr(ctx, "10.0.0.1:9000")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, d.dialCount("10.0.0.1:9000"))
	assert.Equal(t, []string{"10.0.0.1:9000"}, p.Keys())
	assert.Equal(t, 1, p.Size())
}

func TestPoolRemoveLeavesSnapshotIntact(t *testing.T) {
	d := newPipeDialer(echo)
	p := newTestPool(t, d)
	ctx := context.Background()

	for _, addr := range []string{"a:1", "b:1", "c:1"} {
		_, err := p.EstablishAddr(ctx, addr)
		require.NoError(t, err)
	}
	before := p.Values()
	require.Len(t, before, 3)

	s := p.Remove("b:1")
	require.NotNil(t, s)
	require.NoError(t, s.Close())

	assert.Len(t, before, 3, "an earlier snapshot never shrinks")
	assert.Len(t, p.Values(), 2)
	assert.Equal(t, []string{"a:1", "c:1"}, p.Keys())
	assert.Nil(t, p.Remove("b:1"))
}

func TestPoolForgetsFailedSession(t *testing.T) {
	d := newPipeDialer(echo)
	p := newTestPool(t, d)

	s, err := p.EstablishAddr(context.Background(), "a:1")
	require.NoError(t, err)

	d.hangUp("a:1")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after hang-up")
	}

	_, ok := p.Get("a:1")
	assert.False(t, ok)
	assert.Zero(t, p.Size())
}

func TestPoolReportsLostSessions(t *testing.T) {
	d := newPipeDialer(echo)
	p := newTestPool(t, d)
	ctx := context.Background()

	lost := make(chan string, 4)
	p.OnSessionLost(func(key string) { lost <- key })

	a, err := p.EstablishAddr(ctx, "a:1")
	require.NoError(t, err)
	_, err = p.EstablishAddr(ctx, "b:1")
	require.NoError(t, err)

	d.hangUp("a:1")
	select {
	case key := <-lost:
		assert.Equal(t, "a:1", key)
	case <-time.After(2 * time.Second):
		t.Fatal("lost session not reported")
	}
	<-a.Done()

	// Sessions the owner removes and closes are not reported.
	s := p.Remove("b:1")
	require.NotNil(t, s)
	require.NoError(t, s.Close())
	select {
	case key := <-lost:
		t.Fatalf("removed session %s reported as lost", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoolSnapshotIsOrderedByEndpoint(t *testing.T) {
	d := newPipeDialer(echo)
	p := newTestPool(t, d)
	ctx := context.Background()

	for _, addr := range []string{"c:1", "a:1", "d:1", "b:1"} {
		_, err := p.EstablishAddr(ctx, addr)
		require.NoError(t, err)
	}
	require.NoError(t, p.Remove("d:1").Close())

	var addrs []string
	for _, s := range p.Values() {
		addrs = append(addrs, s.Addr())
	}
	assert.Equal(t, []string{"a:1", "b:1", "c:1"}, addrs)
}

func TestPoolPutRefusesClosedSession(t *testing.T) {
	d := newPipeDialer(echo)
	p := newTestPool(t, d)

	s, err := Dial(context.Background(), "a:1", NewPendingCalls(), SessionConfig{Dialer: d.Dial})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.False(t, p.Put("a:1", s))
	assert.Zero(t, p.Size())
}

func TestPoolClose(t *testing.T) {
	d := newPipeDialer(echo)
	p := NewPool(NewPendingCalls(), SessionConfig{Dialer: d.Dial})
	ctx := context.Background()

	a, err := p.EstablishAddr(ctx, "a:1")
	require.NoError(t, err)
	b, err := p.EstablishAddr(ctx, "b:1")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, p.Size())

	_, err = p.EstablishAddr(ctx, "c:1")
	assert.ErrorIs(t, err, ErrPoolClosed)
	require.NoError(t, p.Close())
}

func TestPoolEstablishErrors(t *testing.T) {
	d := newPipeDialer(echo)
	refused := errors.New("connection refused")
	d.fail["down:1"] = refused
	p := newTestPool(t, d)

	t.Run("bad_endpoint", func(t *testing.T) {
		_, err := p.EstablishAddr(context.Background(), "no-port")
		require.Error(t, err)
		assert.Zero(t, d.dialCount("no-port"))
	})

	t.Run("dial_failure", func(t *testing.T) {
		_, err := p.EstablishAddr(context.Background(), "down:1")
		assert.ErrorIs(t, err, refused)
		_, ok := p.Get("down:1")
		assert.False(t, ok)
	})
}
