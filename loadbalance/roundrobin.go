package loadbalance

import (
	"sync/atomic"

	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/registry"
)

// RoundRobinBalancer walks the pool in order using a lock-free counter.
// The counter is not reset when the pool changes.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

func (b *RoundRobinBalancer) Select(pool []registry.Address, _ string) (registry.Address, error) {
	if err := checkPool(b.Name(), pool); err != nil {
		return registry.Address{}, err
	}
	index := (b.counter.Add(1) - 1) % uint64(len(pool))
	return pool[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return config.LoadBalanceRoundRobin
}
