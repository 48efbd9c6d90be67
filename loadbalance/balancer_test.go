package loadbalance

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"simple-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessions(t *testing.T, addrs ...string) []*transport.Session {
	t.Helper()
	sessions := make([]*transport.Session, 0, len(addrs))
	for _, addr := range addrs {
		client, server := net.Pipe()
		s := transport.NewSession(client, addr, transport.NewPendingCalls(), transport.SessionConfig{})
		t.Cleanup(func() {
			_ = server.Close()
			_ = s.Close()
		})
		sessions = append(sessions, s)
	}
	return sessions
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobin{}
	sessions := newSessions(t, "a:1", "b:1", "c:1")

	// Pick 3 times, should cycle through all sessions
	seen := make([]string, 3)
	for i := range seen {
		s, err := b.Pick(sessions)
		require.NoError(t, err)
		seen[i] = s.Addr()
	}
	assert.ElementsMatch(t, []string{"a:1", "b:1", "c:1"}, seen)

	// Pick again, should wrap around to first
	s, err := b.Pick(sessions)
	require.NoError(t, err)
	assert.Equal(t, seen[0], s.Addr())
}

func TestEmptySnapshot(t *testing.T) {
	for _, b := range []Balancer{&Random{}, &RoundRobin{}} {
		t.Run(b.Name(), func(t *testing.T) {
			s, err := b.Pick(nil)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, ErrNoProviderAvailable)
		})
	}
}

func TestRandomDistribution(t *testing.T) {
	pool := transport.NewPool(transport.NewPendingCalls(), transport.SessionConfig{})
	for _, s := range newSessions(t, "A:1", "B:1") {
		require.True(t, pool.Put(s.Addr(), s))
	}
	d := NewDispatcher(pool, nil)

	counts := map[string]int{}
	n := 1000
	for i := 0; i < n; i++ {
		s, err := d.Select()
		require.NoError(t, err)
		counts[s.Addr()]++
	}

	for _, addr := range []string{"A:1", "B:1"} {
		ratio := float64(counts[addr]) / float64(n)
		assert.InDelta(t, 0.5, ratio, 0.1, "%s picked %d times", addr, counts[addr])
	}
}

func TestDispatcherEmptyPool(t *testing.T) {
	pool := transport.NewPool(transport.NewPendingCalls(), transport.SessionConfig{})
	d := NewDispatcher(pool, &RoundRobin{})

	_, err := d.Select()
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
	assert.Equal(t, "round_robin", d.Balancer().Name())
}

func TestDispatcherSelectDuringMutation(t *testing.T) {
	pool := transport.NewPool(transport.NewPendingCalls(), transport.SessionConfig{})
	sessions := newSessions(t, "a:1", "b:1", "c:1", "d:1")
	d := NewDispatcher(pool, &Random{})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			s := sessions[i%len(sessions)]
			if i%2 == 0 {
				pool.Put(s.Addr(), s)
			} else {
				pool.Remove(s.Addr())
			}
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, err := d.Select()
				if err != nil {
					if !assert.ErrorIs(t, err, ErrNoProviderAvailable) {
						return
					}
					continue
				}
				assert.NotNil(t, s)
			}
		}()
	}
	wg.Wait()
}

func TestParseBalancer(t *testing.T) {
	for name, want := range map[string]string{"": "random", "random": "random", "round_robin": "round_robin"} {
		t.Run(fmt.Sprintf("name_%q", name), func(t *testing.T) {
			b, err := ParseBalancer(name)
			require.NoError(t, err)
			assert.Equal(t, want, b.Name())
		})
	}

	_, err := ParseBalancer("consistent_hash")
	assert.Error(t, err)
}
