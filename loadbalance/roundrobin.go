package loadbalance

import (
	"sync/atomic"

	"simple-rpc/transport"
)

// RoundRobin distributes calls evenly across all sessions in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Pick(sessions []*transport.Session) (*transport.Session, error) {
	if len(sessions) == 0 {
		return nil, ErrNoProviderAvailable
	}
	index := (b.counter.Add(1) - 1) % uint64(len(sessions))
	return sessions[index], nil
}

func (b *RoundRobin) Name() string {
	return "round_robin"
}
