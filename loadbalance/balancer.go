// Package loadbalance picks the session that carries the next call.
//
// Two strategies are implemented, neither weighted nor latency-aware:
//   - Random:     uniform choice over the current pool snapshot (default)
//   - RoundRobin: strict rotation over the snapshot
package loadbalance

import (
	"errors"
	"fmt"

	"simple-rpc/transport"
)

// ErrNoProviderAvailable is returned when the pool holds no session.
var ErrNoProviderAvailable = errors.New("no provider available")

// Balancer is the interface for load balancing strategies.
// The dispatcher calls Pick() before each RPC to select a target session.
type Balancer interface {
	// Pick selects one session from a point-in-time snapshot.
	// Called on every RPC call, must be goroutine-safe.
	Pick(sessions []*transport.Session) (*transport.Session, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ParseBalancer maps a configuration name to a strategy.
func ParseBalancer(name string) (Balancer, error) {
	switch name {
	case "", "random":
		return &Random{}, nil
	case "round_robin", "roundrobin":
		return &RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
