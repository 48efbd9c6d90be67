package loadbalance

import (
	"math/rand"

	"simple-rpc/transport"
)

// Random picks uniformly over the snapshot. The zero value is ready to use.
type Random struct{}

func (Random) Pick(sessions []*transport.Session) (*transport.Session, error) {
	if len(sessions) == 0 {
		return nil, ErrNoProviderAvailable
	}
	return sessions[rand.Intn(len(sessions))], nil
}

func (Random) Name() string {
	return "random"
}
