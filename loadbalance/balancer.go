// Package loadbalance picks one transaction coordinator out of a pool for
// every outbound call.
//
// Five strategies are implemented:
//   - Random:          uniform pick, no state
//   - RoundRobin:      shared atomic counter, even spread
//   - XID:             route to the coordinator encoded in the transaction id
//   - ConsistentHash:  sticky routing by id over a cached hash ring
//   - LeastActive:     fewest in-flight calls, read from an rpcstatus.Registry
//
// The strategy is chosen once from configuration (New, NewFromConfig) and
// then shared by all request goroutines.
package loadbalance

import (
	"errors"
	"fmt"

	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/registry"
	"github.com/hein-hp/incubator-seata/rpcstatus"
	"go.uber.org/zap"
)

var (
	// ErrInvalidPool is returned when Select is called with an empty pool.
	ErrInvalidPool = errors.New("loadbalance: address pool is empty")

	ErrUnknownLoadBalance = errors.New("loadbalance: unknown load balance type")

	// ErrMissingStatus is returned by New for LeastActiveLoadBalance without
	// WithStatus.
	ErrMissingStatus = errors.New("loadbalance: least active requires an rpc status registry")
)

// LoadBalancer is the selection interface used by the client.
type LoadBalancer interface {
	// Select returns one member of pool. xid is the transaction id of the
	// call, or another correlation key. Must be goroutine-safe.
	Select(pool []registry.Address, xid string) (registry.Address, error)

	// Name returns the configuration name of the strategy.
	Name() string
}

type options struct {
	virtualNodes int
	status       *rpcstatus.Registry
	logger       *zap.Logger
	fallback     LoadBalancer
}

type Option func(*options)

// WithVirtualNodes sets the replicas per address on the consistent hash ring.
func WithVirtualNodes(n int) Option {
	return func(o *options) { o.virtualNodes = n }
}

// WithStatus supplies the active-count registry read by LeastActive.
func WithStatus(status *rpcstatus.Registry) Option {
	return func(o *options) { o.status = status }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFallback sets the strategy XID uses when the id names no pool member.
func WithFallback(lb LoadBalancer) Option {
	return func(o *options) { o.fallback = lb }
}

// New builds the strategy registered under name.
func New(name string, opts ...Option) (LoadBalancer, error) {
	o := options{
		virtualNodes: config.DefaultVirtualNodes,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	switch name {
	case config.LoadBalanceRandom:
		return NewRandom(), nil
	case config.LoadBalanceRoundRobin:
		return NewRoundRobin(), nil
	case config.LoadBalanceXID:
		return newXID(o.fallback, o.logger), nil
	case config.LoadBalanceConsistentHash:
		return NewConsistentHash(o.virtualNodes), nil
	case config.LoadBalanceLeastActive:
		if o.status == nil {
			return nil, ErrMissingStatus
		}
		return NewLeastActive(o.status), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLoadBalance, name)
	}
}

// NewFromConfig builds the strategy described by cfg.
func NewFromConfig(cfg config.LoadBalance, status *rpcstatus.Registry, logger *zap.Logger) (LoadBalancer, error) {
	opts := []Option{WithStatus(status), WithLogger(logger)}
	if cfg.VirtualNodes > 0 {
		opts = append(opts, WithVirtualNodes(cfg.VirtualNodes))
	}
	return New(cfg.Type, opts...)
}

func checkPool(name string, pool []registry.Address) error {
	if len(pool) == 0 {
		return fmt.Errorf("%s: %w", name, ErrInvalidPool)
	}
	return nil
}
