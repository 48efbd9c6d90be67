package loadbalance

import (
	"fmt"

	"simple-rpc/transport"
)

// Dispatcher couples a pool with a strategy.
type Dispatcher struct {
	pool     *transport.Pool
	balancer Balancer
}

// NewDispatcher returns a dispatcher over pool. A nil balancer means Random.
func NewDispatcher(pool *transport.Pool, balancer Balancer) *Dispatcher {
	if balancer == nil {
		balancer = &Random{}
	}
	return &Dispatcher{pool: pool, balancer: balancer}
}

// Select returns a session for the next call. It reads the pool snapshot exactly once, so a
// concurrent reconciliation can only change which sessions are candidates, never the bounds.
func (d *Dispatcher) Select() (*transport.Session, error) {
	s, err := d.balancer.Pick(d.pool.Values())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.balancer.Name(), err)
	}
	return s, nil
}

func (d *Dispatcher) Balancer() Balancer {
	return d.balancer
}
