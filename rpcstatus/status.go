// Package rpcstatus tracks in-flight calls per endpoint. The RPC layer calls
// BeginCount when a call to an address starts and EndCount when it finishes;
// the least-active load balancer reads ActiveCount.
//
// A Registry is an explicit value owned by whoever wires the client together.
// Share one instance between the invocation middleware and the balancer.
package rpcstatus

import (
	"sync"
	"sync/atomic"
)

// Status holds the counters of one endpoint.
type Status struct {
	active atomic.Int64
	total  atomic.Int64
}

// Active returns the number of calls currently in flight.
func (s *Status) Active() int64 {
	return s.active.Load()
}

// Total returns the number of calls ever started.
func (s *Status) Total() int64 {
	return s.total.Load()
}

func (s *Status) begin() {
	s.active.Add(1)
	s.total.Add(1)
}

// end decrements active, never below zero.
func (s *Status) end() {
	for {
		cur := s.active.Load()
		if cur <= 0 {
			return
		}
		if s.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Registry maps an endpoint key (Address.String()) to its Status. The zero
// value is ready to use.
type Registry struct {
	statuses sync.Map // string -> *Status
}

func New() *Registry {
	return &Registry{}
}

// Get returns the Status for key, creating it on first use.
func (r *Registry) Get(key string) *Status {
	if s, ok := r.statuses.Load(key); ok {
		return s.(*Status)
	}
	s, _ := r.statuses.LoadOrStore(key, &Status{})
	return s.(*Status)
}

func (r *Registry) BeginCount(key string) {
	r.Get(key).begin()
}

func (r *Registry) EndCount(key string) {
	if s, ok := r.statuses.Load(key); ok {
		s.(*Status).end()
	}
}

// ActiveCount returns the in-flight count for key. Unknown keys count as zero
// and are not created.
func (r *Registry) ActiveCount(key string) int64 {
	if s, ok := r.statuses.Load(key); ok {
		return s.(*Status).Active()
	}
	return 0
}

// Remove drops the entry for key.
func (r *Registry) Remove(key string) {
	r.statuses.Delete(key)
}

// Range calls fn for every entry until fn returns false.
func (r *Registry) Range(fn func(key string, s *Status) bool) {
	r.statuses.Range(func(k, v any) bool {
		return fn(k.(string), v.(*Status))
	})
}
