package loadbalance

import (
	"math/rand/v2"

	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/registry"
	"github.com/hein-hp/incubator-seata/rpcstatus"
)

// LeastActiveBalancer picks the address with the fewest in-flight calls as
// reported by an rpcstatus.Registry. Ties are broken at random so that
// concurrent callers do not all pile onto the first tied address.
//
// Counts are read without locking and may be slightly stale.
type LeastActiveBalancer struct {
	status *rpcstatus.Registry
}

// NewLeastActive panics if status is nil.
func NewLeastActive(status *rpcstatus.Registry) *LeastActiveBalancer {
	if status == nil {
		panic(ErrMissingStatus)
	}
	return &LeastActiveBalancer{status: status}
}

func (b *LeastActiveBalancer) Select(pool []registry.Address, _ string) (registry.Address, error) {
	if err := checkPool(b.Name(), pool); err != nil {
		return registry.Address{}, err
	}

	least := int64(-1)
	ties := make([]int, 0, len(pool))
	for i, addr := range pool {
		active := b.status.ActiveCount(addr.String())
		switch {
		case least < 0 || active < least:
			least = active
			ties = append(ties[:0], i)
		case active == least:
			ties = append(ties, i)
		}
	}

	if len(ties) == 1 {
		return pool[ties[0]], nil
	}
	return pool[ties[rand.IntN(len(ties))]], nil //nolint:gosec // tie break does not need crypto/rand
}

func (b *LeastActiveBalancer) Name() string {
	return config.LoadBalanceLeastActive
}
