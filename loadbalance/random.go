package loadbalance

import (
	"math/rand/v2"

	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/registry"
)

// RandomBalancer picks uniformly from the pool. It keeps no state.
type RandomBalancer struct{}

func NewRandom() *RandomBalancer {
	return &RandomBalancer{}
}

func (b *RandomBalancer) Select(pool []registry.Address, _ string) (registry.Address, error) {
	if err := checkPool(b.Name(), pool); err != nil {
		return registry.Address{}, err
	}
	return pool[rand.IntN(len(pool))], nil //nolint:gosec // selection does not need crypto/rand
}

func (b *RandomBalancer) Name() string {
	return config.LoadBalanceRandom
}
