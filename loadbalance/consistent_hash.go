package loadbalance

import (
	"math/bits"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/registry"
)

// ConsistentHashBalancer maps transaction ids to coordinators using a hash
// ring. The same id always maps to the same coordinator while the pool is
// unchanged, and most ids keep their coordinator when one joins or leaves.
//
// Virtual nodes: each coordinator is placed on the ring replicas times,
// hashed from "{addr}#{i}", so a small pool still spreads evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    xid ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is built from the pool passed to Select and cached. Each call
// fingerprints its pool; the ring is rebuilt only when the set of addresses
// differs from the cached one. Rebuilds are serialised and the new ring is
// published atomically, so readers see either the old ring or the new one.
type ConsistentHashBalancer struct {
	replicas int
	ring     atomic.Pointer[Ring]
	mu       sync.Mutex // held while rebuilding
}

// NewConsistentHash creates a balancer with the given virtual nodes per
// address. Values below 1 use config.DefaultVirtualNodes.
func NewConsistentHash(virtualNodes int) *ConsistentHashBalancer {
	if virtualNodes < 1 {
		virtualNodes = config.DefaultVirtualNodes
	}
	return &ConsistentHashBalancer{replicas: virtualNodes}
}

func (b *ConsistentHashBalancer) Select(pool []registry.Address, xid string) (registry.Address, error) {
	if err := checkPool(b.Name(), pool); err != nil {
		return registry.Address{}, err
	}
	return b.ringFor(pool).Lookup(xid), nil
}

func (b *ConsistentHashBalancer) Name() string {
	return config.LoadBalanceConsistentHash
}

// Ring returns the cached ring, or nil before the first Select. A new Ring
// value is published every time the pool membership changes.
func (b *ConsistentHashBalancer) Ring() *Ring {
	return b.ring.Load()
}

// VirtualNodes returns the replicas per address.
func (b *ConsistentHashBalancer) VirtualNodes() int {
	return b.replicas
}

func (b *ConsistentHashBalancer) ringFor(pool []registry.Address) *Ring {
	if r := b.ring.Load(); r.covers(pool) {
		return r
	}

	members, byKey := poolMembers(pool)
	fp := fingerprint(members)
	if r := b.ring.Load(); r.matches(fp, members) {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Another goroutine may have rebuilt for the same pool while we waited.
	if r := b.ring.Load(); r.matches(fp, members) {
		return r
	}
	r := newRing(fp, members, byKey, b.replicas)
	b.ring.Store(r)
	return r
}

// Ring is an immutable consistent hash ring over one set of addresses.
type Ring struct {
	fingerprint uint64
	members     []string                    // sorted, unique address keys
	hashes      []uint64                    // sorted virtual node hashes
	nodes       map[uint64]registry.Address // virtual node hash → address
	index       map[registry.Address]int    // address → position in members
}

func newRing(fp uint64, members []string, byKey map[string]registry.Address, replicas int) *Ring {
	r := &Ring{
		fingerprint: fp,
		members:     members,
		hashes:      make([]uint64, 0, len(members)*replicas),
		nodes:       make(map[uint64]registry.Address, len(members)*replicas),
		index:       make(map[registry.Address]int, len(members)),
	}
	for i, key := range members {
		r.index[byKey[key]] = i
	}
	for _, key := range members {
		for i := 0; i < replicas; i++ {
			h := xxhash.Sum64String(key + "#" + strconv.Itoa(i))
			// On a collision the first member in key order keeps the point.
			if _, taken := r.nodes[h]; taken {
				continue
			}
			r.nodes[h] = byKey[key]
			r.hashes = append(r.hashes, h)
		}
	}
	slices.Sort(r.hashes)
	return r
}

// Lookup returns the address owning key: the first virtual node whose hash
// is >= hash(key), wrapping around to the first node.
func (r *Ring) Lookup(key string) registry.Address {
	h := xxhash.Sum64String(key)
	idx, _ := slices.BinarySearch(r.hashes, h)
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.nodes[r.hashes[idx]]
}

// Fingerprint is an order-independent digest of the ring's address set.
func (r *Ring) Fingerprint() uint64 {
	return r.fingerprint
}

// Members returns the sorted address keys the ring was built from.
func (r *Ring) Members() []string {
	return slices.Clone(r.members)
}

// Len returns the number of virtual nodes on the ring.
func (r *Ring) Len() int {
	return len(r.hashes)
}

func (r *Ring) matches(fp uint64, members []string) bool {
	return r != nil && r.fingerprint == fp && slices.Equal(r.members, members)
}

// covers reports whether pool holds exactly the ring's addresses, duplicates
// allowed. It does not allocate; rings over more than 64 addresses always
// report false and are checked by fingerprint instead.
func (r *Ring) covers(pool []registry.Address) bool {
	if r == nil || len(r.members) > 64 {
		return false
	}
	var seen uint64
	for _, addr := range pool {
		i, ok := r.index[addr]
		if !ok {
			return false
		}
		seen |= 1 << i
	}
	return bits.OnesCount64(seen) == len(r.members)
}

// poolMembers returns the sorted unique keys of pool and the address for
// each key.
func poolMembers(pool []registry.Address) ([]string, map[string]registry.Address) {
	byKey := make(map[string]registry.Address, len(pool))
	members := make([]string, 0, len(pool))
	for _, addr := range pool {
		key := addr.String()
		if _, dup := byKey[key]; dup {
			continue
		}
		byKey[key] = addr
		members = append(members, key)
	}
	slices.Sort(members)
	return members, byKey
}

func fingerprint(members []string) uint64 {
	d := xxhash.New()
	for _, m := range members {
		_, _ = d.WriteString(m)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
