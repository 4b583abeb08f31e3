// Package client sends transaction messages to a coordinator cluster.
//
// For every call the client resolves the transaction service group to a
// cluster, reads the cluster's pool from the registry, asks the group's load
// balancer for one address and runs the call through the middleware chain:
//
//	Invoke(group, xid, req)
//	  → vgroupMapping[group] → registry.Lookup(cluster) → LoadBalancer.Select(pool, xid)
//	    → ActiveCount → Logging → Timeout → Retry → RateLimit → [user middleware] → channel.Call
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hein-hp/incubator-seata/codec"
	"github.com/hein-hp/incubator-seata/config"
	"github.com/hein-hp/incubator-seata/loadbalance"
	"github.com/hein-hp/incubator-seata/message"
	"github.com/hein-hp/incubator-seata/middleware"
	"github.com/hein-hp/incubator-seata/registry"
	"github.com/hein-hp/incubator-seata/rpcstatus"
	"github.com/hein-hp/incubator-seata/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrNoAvailableServer is returned when a group has no coordinator to
	// send to: no cluster mapping, or an empty pool.
	ErrNoAvailableServer = errors.New("client: no available coordinator")
	// ErrClientClosed is returned by Invoke after Close.
	ErrClientClosed = errors.New("client: closed")
)

type Client struct {
	cfg      config.Config
	registry registry.Registry
	status   *rpcstatus.Registry
	logger   *zap.Logger
	channels *transport.ChannelManager
	invoke   middleware.Invoker

	extra      []middleware.Middleware
	dial       transport.DialFunc
	registerer prometheus.Registerer

	mu        sync.Mutex
	balancers map[string]loadbalance.LoadBalancer // per transaction service group
	closed    atomic.Bool
}

type Option func(*Client)

// WithStatus shares an active-count registry with the client. By default
// each client has its own.
func WithStatus(status *rpcstatus.Registry) Option {
	return func(c *Client) { c.status = status }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMiddleware appends middlewares after the built-in chain, closest to
// the channel call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.extra = append(c.extra, mws...) }
}

// WithDialer replaces the TCP dialer used for coordinator channels.
func WithDialer(dial transport.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithRegisterer exports the client's active counts to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// New validates cfg and builds a client reading pools from reg.
func New(cfg config.Config, reg registry.Registry, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("client: nil registry")
	}
	c := &Client{
		cfg:       cfg,
		registry:  reg,
		balancers: make(map[string]loadbalance.LoadBalancer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.status == nil {
		c.status = rpcstatus.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	// fail fast on a bad strategy name instead of on the first call
	if _, err := loadbalance.NewFromConfig(cfg.Client.LoadBalance, c.status, c.logger); err != nil {
		return nil, err
	}

	ct, err := codec.ParseCodecType(cfg.Client.RPC.Codec)
	if err != nil {
		return nil, err
	}
	cdc, err := codec.GetCodec(ct)
	if err != nil {
		return nil, err
	}
	mopts := []transport.ManagerOption{
		transport.WithDialTimeout(cfg.Client.RPC.DialTimeout),
		transport.WithHeartbeat(cfg.Client.RPC.HeartbeatInterval),
		transport.WithManagerLogger(c.logger),
	}
	if c.dial != nil {
		mopts = append(mopts, transport.WithDialFunc(c.dial))
	}
	c.channels = transport.NewChannelManager(cdc, mopts...)

	if c.registerer != nil {
		if err := c.registerer.Register(rpcstatus.NewCollector(c.status, "seata")); err != nil {
			return nil, fmt.Errorf("client: register collector: %w", err)
		}
	}

	rpc := cfg.Client.RPC
	chain := append([]middleware.Middleware{
		middleware.ActiveCount(c.status),
		middleware.Logging(c.logger),
		middleware.Timeout(rpc.Timeout),
		middleware.Retry(rpc.MaxRetries, rpc.RetryDelay, c.logger),
		middleware.RateLimit(rpc.RateLimit, rpc.RateBurst),
	}, c.extra...)
	c.invoke = middleware.Chain(chain...)(c.call)
	return c, nil
}

// Invoke sends req to a coordinator of group's cluster chosen for xid. A
// coordinator-side failure is returned as a *message.RemoteError together
// with the response.
func (c *Client) Invoke(ctx context.Context, group, xid string, req *message.RpcMessage) (*message.RpcMessage, error) {
	addr, err := c.Select(ctx, group, xid)
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// Select resolves group to a pool and returns the address its load balancer
// picks for xid.
func (c *Client) Select(ctx context.Context, group, xid string) (registry.Address, error) {
	if c.closed.Load() {
		return registry.Address{}, ErrClientClosed
	}
	cluster, ok := c.cfg.Cluster(group)
	if !ok {
		return registry.Address{}, fmt.Errorf("%w: no cluster mapped for group %q", ErrNoAvailableServer, group)
	}
	pool, err := c.registry.Lookup(ctx, cluster)
	if err != nil {
		return registry.Address{}, fmt.Errorf("client: lookup %s: %w", cluster, err)
	}
	if len(pool) == 0 {
		return registry.Address{}, fmt.Errorf("%w: %w: cluster %q", ErrNoAvailableServer, loadbalance.ErrInvalidPool, cluster)
	}

	lb, err := c.balancer(group)
	if err != nil {
		return registry.Address{}, err
	}
	return lb.Select(pool, xid)
}

// balancer returns group's load balancer, creating it on first use. Each
// group keeps its own round-robin position and ring cache.
func (c *Client) balancer(group string) (loadbalance.LoadBalancer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lb, ok := c.balancers[group]; ok {
		return lb, nil
	}
	lb, err := loadbalance.NewFromConfig(c.cfg.Client.LoadBalance, c.status, c.logger)
	if err != nil {
		return nil, err
	}
	c.balancers[group] = lb
	return lb, nil
}

// call is the end of the chain: one attempt on the channel to addr. A broken
// channel is dropped so the next attempt dials again.
func (c *Client) call(ctx context.Context, addr registry.Address, req *message.RpcMessage) (*message.RpcMessage, error) {
	ch, err := c.channels.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	resp, err := ch.Call(ctx, req)
	if errors.Is(err, transport.ErrTransportClosed) {
		c.channels.Invalidate(addr)
	}
	return resp, err
}

// Status returns the active-count registry fed by this client.
func (c *Client) Status() *rpcstatus.Registry {
	return c.status
}

// Close closes every coordinator channel. Invoke fails with ErrClientClosed
// afterwards.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.channels.Close()
}
